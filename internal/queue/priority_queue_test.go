package queue_test

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/notifyhub/dispatch/internal/domain"
	"github.com/notifyhub/dispatch/internal/queue"
)

func item(id string, p domain.Priority) queue.Item {
	return queue.Item{NotificationID: id, Type: domain.TypeSMS, Priority: p}
}

func TestPriorityQueue_BasicEnqueueDequeue(t *testing.T) {
	q := queue.New(16)
	ctx := context.Background()

	if err := q.Enqueue(ctx, item("1", domain.PriorityNormal)); err != nil {
		t.Fatal(err)
	}

	got, ok := q.Dequeue(ctx)
	if !ok {
		t.Fatal("expected item, got nothing")
	}
	if got.NotificationID != "1" {
		t.Fatalf("expected id=1, got %s", got.NotificationID)
	}
}

// TestPriorityQueue_HighBeforeNormal verifies that a high-priority item
// inserted after a normal-priority item is still served first.
func TestPriorityQueue_HighBeforeNormal(t *testing.T) {
	q := queue.New(16)
	ctx := context.Background()

	_ = q.Enqueue(ctx, item("normal", domain.PriorityNormal))
	_ = q.Enqueue(ctx, item("high", domain.PriorityHigh))

	first, _ := q.Dequeue(ctx)
	if first.NotificationID != "high" {
		t.Fatalf("expected high to be dequeued first, got %q", first.NotificationID)
	}
}

// TestPriorityQueue_StrictPriorityOrder drains a mixed backlog and expects
// high, then normal in FIFO order, then low in FIFO order.
func TestPriorityQueue_StrictPriorityOrder(t *testing.T) {
	q := queue.New(16)
	ctx := context.Background()

	_ = q.Enqueue(ctx, item("L1", domain.PriorityLow))
	_ = q.Enqueue(ctx, item("N1", domain.PriorityNormal))
	_ = q.Enqueue(ctx, item("H1", domain.PriorityHigh))
	_ = q.Enqueue(ctx, item("N2", domain.PriorityNormal))
	_ = q.Enqueue(ctx, item("L2", domain.PriorityLow))

	want := []string{"H1", "N1", "N2", "L1", "L2"}
	for i, expected := range want {
		got, ok := q.Dequeue(ctx)
		if !ok {
			t.Fatalf("dequeue %d: queue unexpectedly empty", i)
		}
		if got.NotificationID != expected {
			t.Fatalf("dequeue %d: expected %s, got %s", i, expected, got.NotificationID)
		}
	}
}

// TestPriorityQueue_CriticalSharesHighLane verifies critical items compete in
// the same lane as high, ahead of everything else.
func TestPriorityQueue_CriticalSharesHighLane(t *testing.T) {
	q := queue.New(16)
	ctx := context.Background()

	_ = q.Enqueue(ctx, item("normal", domain.PriorityNormal))
	_ = q.Enqueue(ctx, item("critical", domain.PriorityCritical))

	first, _ := q.Dequeue(ctx)
	if first.NotificationID != "critical" {
		t.Fatalf("expected critical first, got %q", first.NotificationID)
	}
}

// TestPriorityQueue_WakeupPrefersHigh verifies the ordered re-check after a
// blocking wakeup: a low item and a high item arriving in the same instant
// must still come out high first. A single P keeps the parked consumer from
// resuming between the two enqueues, making the ordering deterministic.
func TestPriorityQueue_WakeupPrefersHigh(t *testing.T) {
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(1))

	q := queue.New(4)
	got := make(chan queue.Item)
	go func() {
		if first, ok := q.Dequeue(context.Background()); ok {
			got <- first
		}
	}()

	// Let the consumer park in the blocking select.
	time.Sleep(10 * time.Millisecond)

	if err := q.TryEnqueue(item("low", domain.PriorityLow)); err != nil {
		t.Fatal(err)
	}
	if err := q.TryEnqueue(item("high", domain.PriorityHigh)); err != nil {
		t.Fatal(err)
	}

	first := <-got
	if first.NotificationID != "high" {
		t.Fatalf("expected high item first after wakeup, got %q", first.NotificationID)
	}
	second, ok := q.TryDequeue()
	if !ok || second.NotificationID != "low" {
		t.Fatalf("expected low item second, got %q (ok=%v)", second.NotificationID, ok)
	}
}

// TestPriorityQueue_ContextCancellation verifies Dequeue returns (_, false)
// when the context is cancelled while blocking.
func TestPriorityQueue_ContextCancellation(t *testing.T) {
	q := queue.New(16)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(ctx)
		done <- ok
	}()

	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected ok=false after context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after context cancellation")
	}
}

// TestPriorityQueue_TryEnqueueFull verifies the non-blocking enqueue returns
// ErrQueueFull when the target lane is saturated, and that Full reports it.
func TestPriorityQueue_TryEnqueueFull(t *testing.T) {
	q := queue.New(2)

	if err := q.TryEnqueue(item("a", domain.PriorityLow)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.TryEnqueue(item("b", domain.PriorityLow)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !q.Full(domain.PriorityLow) {
		t.Fatal("expected low lane to report full")
	}
	if err := q.TryEnqueue(item("c", domain.PriorityLow)); err != domain.ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// Other lanes are unaffected.
	if err := q.TryEnqueue(item("d", domain.PriorityHigh)); err != nil {
		t.Fatalf("unexpected error on high lane: %v", err)
	}
}

// TestPriorityQueue_ConcurrentEnqueueDequeue verifies there are no races
// when multiple goroutines enqueue and dequeue simultaneously.
func TestPriorityQueue_ConcurrentEnqueueDequeue(t *testing.T) {
	q := queue.New(1000)

	const producers = 5
	const itemsPerProducer = 100
	const total = producers * itemsPerProducer

	received := make(chan struct{}, total)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var consumerDone sync.WaitGroup
	consumerDone.Add(1)
	go func() {
		defer consumerDone.Done()
		for {
			_, ok := q.Dequeue(ctx)
			if !ok {
				return
			}
			received <- struct{}{}
		}
	}()

	var wg sync.WaitGroup
	priorities := []domain.Priority{
		domain.PriorityCritical, domain.PriorityHigh,
		domain.PriorityNormal, domain.PriorityLow,
	}
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				_ = q.Enqueue(ctx, item("x", priorities[i%len(priorities)]))
			}
		}(p)
	}
	wg.Wait()

	for i := 0; i < total; i++ {
		select {
		case <-received:
		case <-ctx.Done():
			t.Fatalf("received only %d of %d items before timeout", i, total)
		}
	}

	cancel()
	consumerDone.Wait()

	if q.Depth() != 0 {
		t.Fatalf("expected empty queue, depth=%d", q.Depth())
	}
}
