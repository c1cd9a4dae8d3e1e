package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/dispatch/internal/domain"
	"github.com/notifyhub/dispatch/internal/provider"
	"github.com/notifyhub/dispatch/internal/queue"
	"github.com/notifyhub/dispatch/internal/ratelimiter"
	"github.com/notifyhub/dispatch/internal/scheduler"
	"github.com/notifyhub/dispatch/internal/store"
	"github.com/notifyhub/dispatch/internal/worker"
)

// scriptedAdapter replays a fixed sequence of outcomes, then repeats the last.
type scriptedAdapter struct {
	mu     sync.Mutex
	name   string
	script []outcome
	calls  int
}

type outcome struct {
	res *provider.Result
	err error
}

func (a *scriptedAdapter) Send(_ context.Context, _ *domain.Notification) (*provider.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	if i >= len(a.script) {
		i = len(a.script) - 1
	}
	a.calls++
	return a.script[i].res, a.script[i].err
}

func (a *scriptedAdapter) GetStatus(context.Context, string) (*provider.Result, error) {
	return &provider.Result{Success: true}, nil
}
func (a *scriptedAdapter) Health() bool { return true }
func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// recordingConfirmer captures confirmation requests without acting on them.
type recordingConfirmer struct {
	mu  sync.Mutex
	ids []string
}

func (c *recordingConfirmer) ScheduleConfirm(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

func (c *recordingConfirmer) confirmed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

type fixture struct {
	store     *store.MemoryStore
	q         *queue.PriorityQueue
	sched     *scheduler.Scheduler
	confirmer *recordingConfirmer
	proc      *worker.Processor
	cancel    context.CancelFunc
}

func newFixture(t *testing.T, adapter provider.Adapter) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.New(16)
	sched := scheduler.New(time.Millisecond, zap.NewNop())
	confirmer := &recordingConfirmer{}

	registry := provider.NewRegistry()
	registry.Register(domain.TypeEmail, adapter)

	proc := worker.NewProcessor(st, registry, q, sched, ratelimiter.New(1000),
		confirmer, time.Millisecond, time.Second, zap.NewNop(), worker.MetricHooks{})

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	t.Cleanup(cancel)

	return &fixture{store: st, q: q, sched: sched, confirmer: confirmer, proc: proc, cancel: cancel}
}

func seedNotification(t *testing.T, st *store.MemoryStore) *domain.Notification {
	t.Helper()
	now := time.Now().UTC()
	sub := &domain.Subscription{
		ID: "sub-1", UserID: "user-1", Key: "key-1",
		Status:     domain.SubscriptionActive,
		ExpiresAt:  now.Add(time.Hour),
		DailyLimit: 100, MonthlyLimit: 100,
		LastResetDaily: now, LastResetMonthly: now,
		AllowSMS: true, AllowEmail: true,
	}
	st.AddSubscription(sub)

	n := &domain.Notification{
		ID:             "n-1",
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Type:           domain.TypeEmail,
		Status:         domain.StatusPending,
		Priority:       domain.PriorityNormal,
		Recipient:      "user@example.com",
		Subject:        "hi",
		Body:           "hello",
		MaxRetries:     domain.DefaultMaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, st.Accept(context.Background(), n))
	return n
}

func TestProcessor_HappyPath(t *testing.T) {
	adapter := &scriptedAdapter{name: "email", script: []outcome{
		{res: &provider.Result{Success: true, ExternalID: "ext-1", ProviderResponse: "accepted"}},
	}}
	f := newFixture(t, adapter)
	n := seedNotification(t, f.store)
	ctx := context.Background()

	f.proc.Process(ctx, queue.ItemFor(n))

	got, err := f.store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, got.Status)
	require.NotNil(t, got.ExternalID)
	assert.Equal(t, "ext-1", *got.ExternalID)
	assert.NotNil(t, got.SentAt)
	assert.Equal(t, []string{n.ID}, f.confirmer.confirmed())

	// Log trail: accepted, processing, sent.
	logs, err := f.store.ListLogs(ctx, n.ID)
	require.NoError(t, err)
	statuses := make([]domain.Status, len(logs))
	for i, l := range logs {
		statuses[i] = l.Status
	}
	assert.Equal(t, []domain.Status{domain.StatusPending, domain.StatusProcessing, domain.StatusSent}, statuses)

	// Outbox trail: accepted, sent.
	events := f.store.OutboxFor(n.ID)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventSent, events[1].MessageType)
}

func TestProcessor_PermanentRejection(t *testing.T) {
	adapter := &scriptedAdapter{name: "email", script: []outcome{
		{res: &provider.Result{Success: false, Permanent: true, Message: "invalid recipient"}},
	}}
	f := newFixture(t, adapter)
	n := seedNotification(t, f.store)
	ctx := context.Background()

	f.proc.Process(ctx, queue.ItemFor(n))

	got, err := f.store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount, "permanent verdicts must not consume retries")
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "invalid recipient")
	assert.Equal(t, 1, adapter.callCount())

	events := f.store.OutboxFor(n.ID)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventFailed, events[1].MessageType)
}

func TestProcessor_RetryThenSuccess(t *testing.T) {
	adapter := &scriptedAdapter{name: "email", script: []outcome{
		{err: errors.New("connection refused")},
		{res: &provider.Result{Success: true, ExternalID: "ext-2"}},
	}}
	f := newFixture(t, adapter)
	n := seedNotification(t, f.store)
	ctx := context.Background()

	f.proc.Process(ctx, queue.ItemFor(n))

	got, err := f.store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotNil(t, got.NextRetryAt)

	// The scheduler fires the requeue; drive the second attempt by hand.
	require.Eventually(t, func() bool {
		item, ok := f.q.TryDequeue()
		if !ok {
			return false
		}
		f.proc.Process(ctx, item)
		return true
	}, 2*time.Second, 5*time.Millisecond, "retry was never requeued")

	got, err = f.store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 2, adapter.callCount())
}

func TestProcessor_RetryExhaustion(t *testing.T) {
	adapter := &scriptedAdapter{name: "email", script: []outcome{
		{err: errors.New("connection refused")},
	}}
	f := newFixture(t, adapter)
	n := seedNotification(t, f.store)
	ctx := context.Background()

	f.proc.Process(ctx, queue.ItemFor(n))

	// Drain each scheduled retry until the row goes terminal.
	require.Eventually(t, func() bool {
		if item, ok := f.q.TryDequeue(); ok {
			f.proc.Process(ctx, item)
		}
		got, err := f.store.GetNotification(ctx, n.ID)
		return err == nil && got.Status == domain.StatusFailed
	}, 5*time.Second, 5*time.Millisecond, "notification never failed")

	got, err := f.store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.DefaultMaxRetries, got.RetryCount)
	assert.Equal(t, domain.DefaultMaxRetries+1, adapter.callCount())
}

func TestProcessor_TransientVerdictRetries(t *testing.T) {
	// Success=false without Permanent (e.g. circuit open) follows the retry path.
	adapter := &scriptedAdapter{name: "email", script: []outcome{
		{res: &provider.Result{Success: false, Message: "email temporarily unavailable"}},
	}}
	f := newFixture(t, adapter)
	n := seedNotification(t, f.store)
	ctx := context.Background()

	f.proc.Process(ctx, queue.ItemFor(n))

	got, err := f.store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestProcessor_SkipsCancelled(t *testing.T) {
	adapter := &scriptedAdapter{name: "email", script: []outcome{
		{res: &provider.Result{Success: true}},
	}}
	f := newFixture(t, adapter)
	n := seedNotification(t, f.store)
	ctx := context.Background()

	require.NoError(t, f.store.Cancel(ctx, n.ID))

	f.proc.Process(ctx, queue.ItemFor(n))

	got, err := f.store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, 0, adapter.callCount(), "provider must not be called for cancelled rows")
}

func TestTimerConfirmer_Delivers(t *testing.T) {
	st := store.NewMemoryStore()
	sched := scheduler.New(time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	n := seedNotification(t, st)
	_, err := st.MarkProcessing(ctx, n.ID)
	require.NoError(t, err)
	require.NoError(t, st.MarkSent(ctx, n.ID, "ext-1", "ok", time.Now().UTC()))

	confirmer := worker.NewTimerConfirmer(st, sched, 5*time.Millisecond, zap.NewNop())
	confirmer.ScheduleConfirm(n.ID)

	require.Eventually(t, func() bool {
		got, err := st.GetNotification(ctx, n.ID)
		return err == nil && got.Status == domain.StatusDelivered
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := st.GetNotification(ctx, n.ID)
	assert.NotNil(t, got.DeliveredAt)

	// A duplicate confirmation is a no-op.
	confirmer.ScheduleConfirm(n.ID)
	time.Sleep(20 * time.Millisecond)
	again, _ := st.GetNotification(ctx, n.ID)
	assert.Equal(t, got.DeliveredAt, again.DeliveredAt)
}
