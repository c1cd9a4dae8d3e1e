package store

import (
	"context"
	"time"

	"github.com/notifyhub/dispatch/internal/domain"
)

// Store defines all persistence operations for the dispatch core.
// The pgx implementation is in pg.go; tests use a hand-written in-memory
// implementation (memory.go).
//
// Every lifecycle transition method runs a single transaction covering the
// notification row update, the append-only log entry, and (where the state
// machine emits an event) the outbox row. Readers always observe a consistent
// (status, sent_at, external_id, retry_count) tuple.
type Store interface {
	// Subscriptions.
	GetSubscriptionByKey(ctx context.Context, key string) (*domain.Subscription, error)

	// Accept atomically inserts a pending notification, increments the
	// subscription's daily and monthly counters, appends the initial log
	// entry, and records the accepted outbox event. Window rolls happen
	// inside the same transaction, serialized on the subscription row.
	// Returns ErrQuotaExceeded without any side effects when a window is full.
	Accept(ctx context.Context, n *domain.Notification) error

	// FindByIdempotencyKey returns the notification created with the given
	// (subscription, key) pair at or after since, or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, subscriptionID, key string, since time.Time) (*domain.Notification, error)

	// Reads. Soft-deleted rows are excluded.
	GetNotification(ctx context.Context, id string) (*domain.Notification, error)
	ListNotifications(ctx context.Context, filter domain.ListFilter) ([]*domain.Notification, int, error)
	ListLogs(ctx context.Context, notificationID string) ([]*domain.NotificationLog, error)

	// Lifecycle transitions.
	// MarkProcessing claims a pending notification for a worker; it returns
	// ErrNotSendable when the row is no longer in a sendable state.
	MarkProcessing(ctx context.Context, id string) (*domain.Notification, error)
	MarkSent(ctx context.Context, id, externalID, providerResponse string, at time.Time) error
	// MarkDelivered is idempotent: it only applies while the row is sent,
	// and silently no-ops otherwise (late or duplicate confirmations).
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkRetrying(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	// MarkQueued stamps queued_at as a double-enqueue guard; it returns
	// ErrNotSendable when the row was already queued.
	MarkQueued(ctx context.Context, id string, at time.Time) error
	// RequeueRetry flips a retrying row back to pending when its timer fires.
	// Conditional on status=retrying so the in-memory scheduler and the
	// releaser's recovery scan cannot both win.
	RequeueRetry(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error

	// Background scans.
	// FindDueForQueue returns pending rows not yet stamped queued whose
	// scheduled time (if any) has passed: future-dated notifications coming
	// due, plus rows released by the stuck sweep.
	FindDueForQueue(ctx context.Context, now time.Time, limit int) ([]*domain.Notification, error)
	FindDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Notification, error)
	// FindStaleQueued returns pending rows stamped queued before olderThan.
	// After a restart the in-memory queue is empty, so these are re-enqueued;
	// duplicates are harmless because MarkProcessing claims atomically.
	FindStaleQueued(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error)
	// ReleaseStuck promotes processing rows older than olderThan back to
	// pending with retry_count+1, clearing the queued guard.
	ReleaseStuck(ctx context.Context, olderThan time.Time) (int, error)

	// Outbox.
	FetchOutbox(ctx context.Context, limit int) ([]*domain.OutboxMessage, error)
	MarkOutboxProcessed(ctx context.Context, id string) error
	// RecordOutboxFailure increments attempts; once attempts reaches
	// maxAttempts the row is dead-lettered (processed_at set, last_error kept).
	RecordOutboxFailure(ctx context.Context, id, errMsg string, maxAttempts int) error

	// Webhooks.
	WebhooksFor(ctx context.Context, subscriptionID string) ([]*domain.WebhookSubscription, error)
	RecordWebhookSuccess(ctx context.Context, id string) error
	// RecordWebhookFailure increments consecutive_failures and deactivates
	// the webhook once it reaches maxFailures.
	RecordWebhookFailure(ctx context.Context, id string, maxFailures int) error
}
