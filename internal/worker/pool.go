package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/notifyhub/dispatch/internal/queue"
)

// Pool is a single dispatch loop that keeps up to maxConcurrent send tasks in
// flight. The loop blocks on the queue's priority-ordered Dequeue and on a
// slot becoming free; each claimed item runs in its own goroutine.
type Pool struct {
	proc   *Processor
	q      *queue.PriorityQueue
	slots  chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger
}

func NewPool(proc *Processor, q *queue.PriorityQueue, maxConcurrent int, logger *zap.Logger) *Pool {
	return &Pool{
		proc:   proc,
		q:      q,
		slots:  make(chan struct{}, maxConcurrent),
		logger: logger,
	}
}

// Run dispatches until ctx is cancelled, then waits for in-flight tasks.
// Tasks run on a context detached from ctx: cancelling the pool stops
// dequeuing, but an in-flight send is allowed to finish (bounded by the
// provider pipeline's own timeout).
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool started", zap.Int("max_concurrent", cap(p.slots)))

	taskCtx := context.WithoutCancel(ctx)

	for {
		item, ok := p.q.Dequeue(ctx)
		if !ok {
			break
		}

		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			// Shutting down while all slots are busy. The claimed item stays
			// pending in the store; the releaser re-enqueues it on restart.
			p.drain()
			return
		}

		p.wg.Add(1)
		go func(item queue.Item) {
			defer p.wg.Done()
			defer func() { <-p.slots }()
			p.proc.Process(taskCtx, item)
		}(item)
	}

	p.drain()
}

// Active returns the number of in-flight send tasks.
func (p *Pool) Active() int {
	return len(p.slots)
}

func (p *Pool) drain() {
	p.logger.Info("worker pool stopping", zap.Int("in_flight", p.Active()))
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}
