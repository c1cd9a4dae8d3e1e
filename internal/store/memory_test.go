package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/notifyhub/dispatch/internal/domain"
	"github.com/notifyhub/dispatch/internal/store"
)

func seed(t *testing.T, st *store.MemoryStore) *domain.Notification {
	t.Helper()
	now := time.Now().UTC()
	st.AddSubscription(&domain.Subscription{
		ID: "sub-1", UserID: "user-1", Key: "key-1",
		Status:     domain.SubscriptionActive,
		ExpiresAt:  now.Add(time.Hour),
		DailyLimit: 100, MonthlyLimit: 100,
		LastResetDaily: now, LastResetMonthly: now,
		AllowSMS: true, AllowEmail: true,
	})
	n := &domain.Notification{
		ID:             "n-1",
		UserID:         "user-1",
		SubscriptionID: "sub-1",
		Type:           domain.TypeEmail,
		Status:         domain.StatusPending,
		Priority:       domain.PriorityNormal,
		Recipient:      "user@example.com",
		Body:           "hello",
		MaxRetries:     3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := st.Accept(context.Background(), n); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return n
}

// TestLifecycleGuards verifies each transition applies only from its
// expected source state, mirroring the conditional UPDATEs of the pg store.
func TestLifecycleGuards(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("claim is exclusive", func(t *testing.T) {
		st := store.NewMemoryStore()
		n := seed(t, st)

		if _, err := st.MarkProcessing(ctx, n.ID); err != nil {
			t.Fatalf("first claim: %v", err)
		}
		if _, err := st.MarkProcessing(ctx, n.ID); err != domain.ErrNotSendable {
			t.Fatalf("second claim: expected ErrNotSendable, got %v", err)
		}
	})

	t.Run("sent requires processing", func(t *testing.T) {
		st := store.NewMemoryStore()
		n := seed(t, st)

		if err := st.MarkSent(ctx, n.ID, "ext", "ok", now); err != domain.ErrNotSendable {
			t.Fatalf("expected ErrNotSendable from pending, got %v", err)
		}
		if _, err := st.MarkProcessing(ctx, n.ID); err != nil {
			t.Fatal(err)
		}
		if err := st.MarkSent(ctx, n.ID, "ext", "ok", now); err != nil {
			t.Fatalf("expected sent to apply from processing: %v", err)
		}
	})

	t.Run("delivered is idempotent", func(t *testing.T) {
		st := store.NewMemoryStore()
		n := seed(t, st)
		_, _ = st.MarkProcessing(ctx, n.ID)
		_ = st.MarkSent(ctx, n.ID, "ext", "ok", now)

		if err := st.MarkDelivered(ctx, n.ID, now); err != nil {
			t.Fatal(err)
		}
		// Second confirmation is a silent no-op, not an error.
		if err := st.MarkDelivered(ctx, n.ID, now.Add(time.Minute)); err != nil {
			t.Fatalf("duplicate confirmation errored: %v", err)
		}
		got, _ := st.GetNotification(ctx, n.ID)
		if !got.DeliveredAt.Equal(now) {
			t.Fatal("duplicate confirmation overwrote delivered_at")
		}
	})

	t.Run("requeue requires retrying", func(t *testing.T) {
		st := store.NewMemoryStore()
		n := seed(t, st)

		if err := st.RequeueRetry(ctx, n.ID); err != domain.ErrNotSendable {
			t.Fatalf("expected ErrNotSendable from pending, got %v", err)
		}
		_, _ = st.MarkProcessing(ctx, n.ID)
		_ = st.MarkRetrying(ctx, n.ID, 1, now, "boom")
		if err := st.RequeueRetry(ctx, n.ID); err != nil {
			t.Fatalf("requeue from retrying failed: %v", err)
		}
		// The timer and the recovery scan race; only one requeue wins.
		if err := st.RequeueRetry(ctx, n.ID); err != domain.ErrNotSendable {
			t.Fatalf("expected second requeue to lose, got %v", err)
		}
	})

	t.Run("queued guard fires once", func(t *testing.T) {
		st := store.NewMemoryStore()
		n := seed(t, st)

		if err := st.MarkQueued(ctx, n.ID, now); err != nil {
			t.Fatal(err)
		}
		if err := st.MarkQueued(ctx, n.ID, now); err != domain.ErrNotSendable {
			t.Fatalf("expected ErrNotSendable on double stamp, got %v", err)
		}
	})

	t.Run("cancel only from pending or retrying", func(t *testing.T) {
		st := store.NewMemoryStore()
		n := seed(t, st)
		_, _ = st.MarkProcessing(ctx, n.ID)

		if err := st.Cancel(ctx, n.ID); err != domain.ErrNotCancellable {
			t.Fatalf("expected ErrNotCancellable while processing, got %v", err)
		}
	})
}

func TestListNotificationsFiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	st.AddSubscription(&domain.Subscription{
		ID: "sub-1", UserID: "user-1", Key: "key-1",
		Status:     domain.SubscriptionActive,
		ExpiresAt:  base.AddDate(1, 0, 0),
		DailyLimit: 100, MonthlyLimit: 100,
		LastResetDaily: base, LastResetMonthly: base,
		AllowSMS: true, AllowEmail: true,
	})

	ids := []string{"n-0", "n-1", "n-2", "n-3", "n-4"}
	for i, id := range ids {
		at := base.Add(time.Duration(i) * time.Hour)
		n := &domain.Notification{
			ID:             id,
			UserID:         "user-1",
			SubscriptionID: "sub-1",
			Type:           domain.TypeEmail,
			Status:         domain.StatusPending,
			Priority:       domain.PriorityNormal,
			Recipient:      "user@example.com",
			Body:           "hello",
			MaxRetries:     3,
			CreatedAt:      at,
			UpdatedAt:      at,
		}
		if err := st.Accept(ctx, n); err != nil {
			t.Fatalf("accept %s: %v", id, err)
		}
	}

	t.Run("time window", func(t *testing.T) {
		from := base.Add(time.Hour)
		to := base.Add(3 * time.Hour)
		got, total, err := st.ListNotifications(ctx, domain.ListFilter{
			SubscriptionID: "sub-1", From: &from, To: &to,
		})
		if err != nil {
			t.Fatal(err)
		}
		if total != 3 || len(got) != 3 {
			t.Fatalf("expected 3 in window, got %d (total %d)", len(got), total)
		}
		// Newest first, like the pg query.
		if got[0].ID != "n-3" || got[2].ID != "n-1" {
			t.Fatalf("unexpected order: %s .. %s", got[0].ID, got[2].ID)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		got, total, err := st.ListNotifications(ctx, domain.ListFilter{
			SubscriptionID: "sub-1", Page: 2, Limit: 2,
		})
		if err != nil {
			t.Fatal(err)
		}
		if total != 5 {
			t.Fatalf("expected total=5 regardless of page, got %d", total)
		}
		if len(got) != 2 || got[0].ID != "n-2" || got[1].ID != "n-1" {
			t.Fatalf("expected page 2 to hold n-2, n-1; got %+v", got)
		}
	})

	t.Run("page past the end", func(t *testing.T) {
		got, total, err := st.ListNotifications(ctx, domain.ListFilter{
			SubscriptionID: "sub-1", Page: 4, Limit: 2,
		})
		if err != nil {
			t.Fatal(err)
		}
		if total != 5 || len(got) != 0 {
			t.Fatalf("expected empty page with total=5, got %d items (total %d)", len(got), total)
		}
	})
}

func TestFetchOutboxSkipsProcessed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	n := seed(t, st)

	msgs, err := st.FetchOutbox(ctx, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one accepted row, got %d (err=%v)", len(msgs), err)
	}
	if msgs[0].MessageType != domain.EventAccepted {
		t.Fatalf("expected accepted event, got %s", msgs[0].MessageType)
	}
	if msgs[0].AggregateID != n.ID {
		t.Fatalf("expected aggregate %s, got %s", n.ID, msgs[0].AggregateID)
	}

	if err := st.MarkOutboxProcessed(ctx, msgs[0].ID); err != nil {
		t.Fatal(err)
	}
	msgs, _ = st.FetchOutbox(ctx, 10)
	if len(msgs) != 0 {
		t.Fatalf("processed rows must not be refetched, got %d", len(msgs))
	}
}

func TestRecordOutboxFailureDeadLetters(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seed(t, st)

	msgs, _ := st.FetchOutbox(ctx, 10)
	id := msgs[0].ID

	for i := 0; i < 3; i++ {
		if err := st.RecordOutboxFailure(ctx, id, "down", 3); err != nil {
			t.Fatal(err)
		}
	}
	msgs, _ = st.FetchOutbox(ctx, 10)
	if len(msgs) != 0 {
		t.Fatal("expected dead-lettered row to be excluded from fetch")
	}
}
