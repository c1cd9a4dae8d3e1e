package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/dispatch/internal/scheduler"
)

func TestScheduler_FiresDueEntries(t *testing.T) {
	s := scheduler.New(time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	fired := make(chan string, 3)
	now := time.Now()
	s.Schedule(now.Add(30*time.Millisecond), func(context.Context) { fired <- "late" })
	s.Schedule(now.Add(5*time.Millisecond), func(context.Context) { fired <- "early" })
	s.Schedule(now.Add(15*time.Millisecond), func(context.Context) { fired <- "middle" })

	var order []string
	for i := 0; i < 3; i++ {
		select {
		case id := <-fired:
			order = append(order, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 3 entries fired", i)
		}
	}
	assert.Equal(t, []string{"early", "middle", "late"}, order)
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_PastEntriesFireImmediately(t *testing.T) {
	s := scheduler.New(time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	fired := make(chan struct{}, 1)
	s.Schedule(time.Now().Add(-time.Second), func(context.Context) { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("past-due entry never fired")
	}
}

func TestScheduler_FutureEntriesWait(t *testing.T) {
	s := scheduler.New(time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	var mu sync.Mutex
	fired := false
	s.Schedule(time.Now().Add(time.Hour), func(context.Context) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.False(t, fired, "far-future entry fired early")
	assert.Equal(t, 1, s.Pending())
}

func TestScheduler_CallbacksRunConcurrently(t *testing.T) {
	// One slow callback must not delay another due at the same time.
	s := scheduler.New(time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	release := make(chan struct{})
	fastDone := make(chan struct{}, 1)
	at := time.Now().Add(5 * time.Millisecond)
	s.Schedule(at, func(context.Context) { <-release })
	s.Schedule(at, func(context.Context) { fastDone <- struct{}{} })

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("fast callback blocked behind slow one")
	}
	close(release)
}
