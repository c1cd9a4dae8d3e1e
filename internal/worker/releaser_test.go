package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/dispatch/internal/domain"
	"github.com/notifyhub/dispatch/internal/queue"
	"github.com/notifyhub/dispatch/internal/store"
	"github.com/notifyhub/dispatch/internal/worker"
)

func TestReleaser_PromotesDueScheduled(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.New(16)
	n := seedNotification(t, st)
	ctx := context.Background()

	// A scheduled row comes due: pending, no queued stamp.
	r := worker.NewReleaser(st, q, time.Minute, time.Hour, zap.NewNop())
	r.Sweep(ctx)

	assert.Equal(t, 1, q.Depth())
	got, err := st.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.QueuedAt, "promotion must stamp the queued guard")

	// A second sweep must not double-promote.
	r.Sweep(ctx)
	assert.Equal(t, 1, q.Depth())
}

func TestReleaser_RecoversDueRetries(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.New(16)
	n := seedNotification(t, st)
	ctx := context.Background()

	_, err := st.MarkProcessing(ctx, n.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.MarkRetrying(ctx, n.ID, 1, past, "boom"))

	r := worker.NewReleaser(st, q, time.Minute, time.Hour, zap.NewNop())
	r.Sweep(ctx)

	assert.Equal(t, 1, q.Depth())
	got, err := st.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestReleaser_IgnoresFutureRetries(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.New(16)
	n := seedNotification(t, st)
	ctx := context.Background()

	_, err := st.MarkProcessing(ctx, n.ID)
	require.NoError(t, err)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, st.MarkRetrying(ctx, n.ID, 1, future, "boom"))

	r := worker.NewReleaser(st, q, time.Minute, time.Hour, zap.NewNop())
	r.Sweep(ctx)

	assert.Equal(t, 0, q.Depth())
	got, _ := st.GetNotification(ctx, n.ID)
	assert.Equal(t, domain.StatusRetrying, got.Status)
}

func TestReleaser_RescuesStaleQueued(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.New(16)
	n := seedNotification(t, st)
	ctx := context.Background()

	// Queued an hour ago but never picked up (queue lost to a restart).
	require.NoError(t, st.MarkQueued(ctx, n.ID, time.Now().UTC().Add(-time.Hour)))

	r := worker.NewReleaser(st, q, time.Minute, time.Hour, zap.NewNop())
	r.Sweep(ctx)

	assert.Equal(t, 1, q.Depth())
}

func TestReleaser_ReleasesStuckProcessing(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.New(16)
	n := seedNotification(t, st)
	ctx := context.Background()

	_, err := st.MarkProcessing(ctx, n.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	r := worker.NewReleaser(st, q, time.Minute, time.Millisecond, zap.NewNop())
	r.Sweep(ctx)

	got, err := st.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount, "a stuck release consumes one retry")

	// The release is a state transition and leaves a log row like any other.
	logs, err := st.ListLogs(ctx, n.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, domain.StatusPending, logs[len(logs)-1].Status)
}

func TestReleaser_FailsStuckAtRetryCeiling(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.New(16)
	n := seedNotification(t, st)
	ctx := context.Background()

	// Walk the row to the retry ceiling, then strand it in processing.
	for i := 1; i <= 3; i++ {
		_, err := st.MarkProcessing(ctx, n.ID)
		require.NoError(t, err)
		require.NoError(t, st.MarkRetrying(ctx, n.ID, i, time.Now().UTC(), "boom"))
		require.NoError(t, st.RequeueRetry(ctx, n.ID))
	}
	_, err := st.MarkProcessing(ctx, n.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	r := worker.NewReleaser(st, q, time.Minute, time.Millisecond, zap.NewNop())
	r.Sweep(ctx)

	got, err := st.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 0, q.Depth(), "a terminally failed row must not be re-enqueued")

	// The terminal transition carries the same log row MarkFailed writes.
	logs, err := st.ListLogs(ctx, n.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, domain.StatusFailed, logs[len(logs)-1].Status)

	// And the failed event reaches the outbox for webhook delivery.
	events := st.OutboxFor(n.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventFailed, events[len(events)-1].MessageType)
}
