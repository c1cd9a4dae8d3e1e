package queue

import (
	"context"
	"fmt"

	"github.com/notifyhub/dispatch/internal/domain"
)

// PriorityQueue dispatches items to one of three buffered channels.
// Critical and high priorities share the high lane; the four priority classes
// collapse to three lanes.
//
// Ordering is strict priority: the high lane drains before normal, and normal
// before low. Starvation of low under sustained high traffic is accepted and
// surfaced through the depth gauges. Within a lane, channel semantics give
// FIFO order.
type PriorityQueue struct {
	high   chan Item
	normal chan Item
	low    chan Item
}

// New creates a queue with the given per-lane capacity.
func New(capacity int) *PriorityQueue {
	return &PriorityQueue{
		high:   make(chan Item, capacity),
		normal: make(chan Item, capacity),
		low:    make(chan Item, capacity),
	}
}

func (q *PriorityQueue) lane(p domain.Priority) (chan Item, error) {
	switch p {
	case domain.PriorityCritical, domain.PriorityHigh:
		return q.high, nil
	case domain.PriorityNormal:
		return q.normal, nil
	case domain.PriorityLow:
		return q.low, nil
	default:
		return nil, fmt.Errorf("unknown priority %q", p)
	}
}

// Enqueue places an item on the appropriate lane, blocking for backpressure
// when the lane is full. Returns ctx.Err() if cancelled while blocked.
func (q *PriorityQueue) Enqueue(ctx context.Context, item Item) error {
	ch, err := q.lane(item.Priority)
	if err != nil {
		return err
	}
	select {
	case ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue is the non-blocking variant: if the target lane is full,
// ErrQueueFull is returned immediately so the caller can shed load.
func (q *PriorityQueue) TryEnqueue(item Item) error {
	ch, err := q.lane(item.Priority)
	if err != nil {
		return err
	}
	select {
	case ch <- item:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Dequeue blocks until an item is available or ctx is cancelled.
//
// The staged-select pattern enforces strict priority:
//  1. Non-blocking checks in order high, normal, low. The first lane with a
//     waiting item wins, so a high item always beats a waiting normal or low.
//  2. Only when all three are empty does the goroutine enter a blocking select
//     across the lanes plus the done signal, so it sleeps instead of spinning.
//  3. On wakeup the ordered check re-runs: if the select woke on a lower lane
//     while a higher lane filled in the same instant, the item goes back and
//     the loop hands out the higher one.
//
// Returns (Item{}, false) when ctx is cancelled (graceful shutdown signal).
func (q *PriorityQueue) Dequeue(ctx context.Context) (Item, bool) {
	for {
		if item, ok := q.TryDequeue(); ok {
			return item, true
		}

		select {
		case item := <-q.high:
			return item, true
		case item := <-q.normal:
			if len(q.high) > 0 && putBack(q.normal, item) {
				continue
			}
			return item, true
		case item := <-q.low:
			if (len(q.high) > 0 || len(q.normal) > 0) && putBack(q.low, item) {
				continue
			}
			return item, true
		case <-ctx.Done():
			return Item{}, false
		}
	}
}

// putBack re-buffers an item whose wakeup lost to a simultaneous arrival in a
// higher lane. The lane was empty when the caller blocked, so the item keeps
// its place unless a producer raced the put-back; on a full lane the caller
// keeps the item and hands it out as is.
func putBack(lane chan Item, item Item) bool {
	select {
	case lane <- item:
		return true
	default:
		return false
	}
}

// TryDequeue performs the ordered non-blocking checks and returns immediately.
func (q *PriorityQueue) TryDequeue() (Item, bool) {
	select {
	case item := <-q.high:
		return item, true
	default:
	}
	select {
	case item := <-q.normal:
		return item, true
	default:
	}
	select {
	case item := <-q.low:
		return item, true
	default:
	}
	return Item{}, false
}

// Full reports whether the lane for the given priority is at capacity.
// Intake uses this to shed load before persisting anything.
func (q *PriorityQueue) Full(p domain.Priority) bool {
	ch, err := q.lane(p)
	if err != nil {
		return false
	}
	return len(ch) == cap(ch)
}

// Depths returns the current number of items waiting in each lane.
// Used by the metrics handler and the queue-depth gauges.
func (q *PriorityQueue) Depths() (high, normal, low int) {
	return len(q.high), len(q.normal), len(q.low)
}

// Depth returns the total number of items across all lanes.
func (q *PriorityQueue) Depth() int {
	h, n, l := q.Depths()
	return h + n + l
}
