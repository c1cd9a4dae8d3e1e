// Package scheduler provides cooperative one-shot timers: a single ticker
// sweeps a min-heap keyed by fire time, so thousands of pending entries cost
// O(log n) per insertion and O(k) per tick for the k due entries.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type entry struct {
	at    time.Time
	fn    func(context.Context)
	index int
}

// timerHeap orders entries by fire time, earliest first.
type timerHeap []*entry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }

func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler fires registered callbacks at their requested time. Callbacks run
// in their own goroutines so one slow callback cannot delay the sweep. Entries
// are in-memory only; work that must survive restarts also persists its due
// time and is recovered by the releaser.
type Scheduler struct {
	mu     sync.Mutex
	timers timerHeap
	tick   time.Duration
	wg     sync.WaitGroup
	logger *zap.Logger
}

func New(tick time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{tick: tick, logger: logger}
}

// Schedule registers fn to run at or shortly after the given time.
func (s *Scheduler) Schedule(at time.Time, fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heap.Push(&s.timers, &entry{at: at, fn: fn})
}

// Pending returns the number of entries not yet fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers.Len()
}

// Run sweeps the heap until ctx is cancelled, then waits for in-flight
// callbacks to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("tick", s.tick))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", zap.Int("pending", s.Pending()))
			s.wg.Wait()
			return
		case now := <-ticker.C:
			s.fire(ctx, now)
		}
	}
}

// fire pops every due entry and runs its callback in a goroutine.
func (s *Scheduler) fire(ctx context.Context, now time.Time) {
	for {
		s.mu.Lock()
		if s.timers.Len() == 0 || s.timers[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.timers).(*entry)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			e.fn(ctx)
		}()
	}
}
