// Package intake implements the idempotent accept path: validation,
// subscription checks, quota reservation, persistence, and enqueueing.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/dispatch/internal/domain"
	"github.com/notifyhub/dispatch/internal/queue"
	"github.com/notifyhub/dispatch/internal/store"
)

// IdempotencyWindow is how long a (subscription, key) pair deduplicates.
const IdempotencyWindow = 24 * time.Hour

// Service coordinates the store and the queue for the accept path.
// HTTP handlers and workers depend on this service, not on each other.
type Service struct {
	store       store.Store
	q           *queue.PriorityQueue
	blockOnFull bool
	logger      *zap.Logger
}

func NewService(st store.Store, q *queue.PriorityQueue, blockOnFull bool, logger *zap.Logger) *Service {
	return &Service{store: st, q: q, blockOnFull: blockOnFull, logger: logger}
}

// Send validates, reserves quota, persists, and enqueues a single
// notification on behalf of the authenticated subscription.
//
// Quota is charged inside the same transaction that inserts the row; any
// error aborts the whole accept with no partial increment. An idempotency
// hit returns the original notification's response with WasIdempotent=true
// and charges nothing.
func (s *Service) Send(ctx context.Context, sub *domain.Subscription, req domain.SendRequest) (*domain.SendResponse, error) {
	now := time.Now().UTC()

	if err := req.Validate(now); err != nil {
		return nil, err
	}
	if err := sub.Usable(req.Type, now); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.FindByIdempotencyKey(ctx, sub.ID, req.IdempotencyKey, now.Add(-IdempotencyWindow))
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			return responseFor(existing, true), nil
		}
	}

	n := s.buildNotification(sub, req, now)

	// Load shedding: reject before persisting anything when the target lane
	// is full, so a 503 never charges quota. Schedules within the next second
	// count as immediate; only genuinely future work waits for the releaser.
	immediate := n.ScheduledAt == nil || !n.ScheduledAt.After(now.Add(time.Second))
	if immediate && !s.blockOnFull && s.q.Full(n.Priority) {
		return nil, domain.ErrQueueFull
	}

	if err := s.store.Accept(ctx, n); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			return nil, err
		}
		// Two requests with the same key can race past the lookup; the
		// unique index decides the winner. The loser resolves to the
		// winner's row.
		if req.IdempotencyKey != "" {
			existing, lookupErr := s.store.FindByIdempotencyKey(ctx, sub.ID, req.IdempotencyKey, now.Add(-IdempotencyWindow))
			if lookupErr == nil {
				return responseFor(existing, true), nil
			}
		}
		return nil, fmt.Errorf("persist notification: %w", err)
	}

	if immediate {
		s.enqueue(ctx, n)
	}

	return responseFor(n, false), nil
}

// SendBatch accepts up to MaxBatchSize entries. Entries are processed
// independently: each gets its own accept transaction and its own slot in
// the result vector, with the same error taxonomy as Send.
func (s *Service) SendBatch(ctx context.Context, sub *domain.Subscription, reqs []domain.SendRequest) ([]domain.BatchEntryResult, error) {
	if len(reqs) == 0 {
		return nil, domain.ErrBatchEmpty
	}
	if len(reqs) > domain.MaxBatchSize {
		return nil, domain.ErrBatchTooLarge
	}

	results := make([]domain.BatchEntryResult, len(reqs))
	for i, req := range reqs {
		resp, err := s.Send(ctx, sub, req)
		if err != nil {
			results[i] = domain.BatchEntryResult{Index: i, Accepted: false, Error: err.Error()}
			continue
		}
		results[i] = domain.BatchEntryResult{Index: i, Accepted: true, Response: resp}
	}
	return results, nil
}

// Cancel marks a notification as cancelled if it is still cancellable.
// Quota is not refunded: it is a rate limit on intake, not on delivery.
func (s *Service) Cancel(ctx context.Context, sub *domain.Subscription, id string) error {
	if _, err := s.get(ctx, sub, id); err != nil {
		return err
	}
	return s.store.Cancel(ctx, id)
}

// Get returns an owner-scoped notification.
func (s *Service) Get(ctx context.Context, sub *domain.Subscription, id string) (*domain.Notification, error) {
	return s.get(ctx, sub, id)
}

// List returns the subscription's notifications with filters and pagination.
func (s *Service) List(ctx context.Context, sub *domain.Subscription, filter domain.ListFilter) ([]*domain.Notification, int, error) {
	filter.SubscriptionID = sub.ID
	return s.store.ListNotifications(ctx, filter)
}

// Logs returns the owner-scoped transition history of a notification.
func (s *Service) Logs(ctx context.Context, sub *domain.Subscription, id string) ([]*domain.NotificationLog, error) {
	if _, err := s.get(ctx, sub, id); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, id)
}

// ---- private helpers ----

func (s *Service) get(ctx context.Context, sub *domain.Subscription, id string) (*domain.Notification, error) {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	// Cross-tenant ids are indistinguishable from missing ones.
	if n.SubscriptionID != sub.ID {
		return nil, domain.ErrNotFound
	}
	return n, nil
}

func (s *Service) buildNotification(sub *domain.Subscription, req domain.SendRequest, now time.Time) *domain.Notification {
	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}

	n := &domain.Notification{
		ID:             uuid.New().String(),
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Type:           req.Type,
		Status:         domain.StatusPending,
		Priority:       priority,
		Recipient:      req.Recipient,
		Subject:        req.Subject,
		Body:           req.Body,
		Metadata:       req.Metadata,
		CorrelationID:  req.CorrelationID,
		MaxRetries:     domain.DefaultMaxRetries,
		ScheduledAt:    req.ScheduledAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		n.IdempotencyKey = &key
	}
	return n
}

// enqueue places the accepted notification on the queue and stamps the
// queued guard. On a full lane in non-blocking mode the row stays pending
// and the releaser promotes it on a later tick.
func (s *Service) enqueue(ctx context.Context, n *domain.Notification) {
	item := queue.ItemFor(n)

	var err error
	if s.blockOnFull {
		err = s.q.Enqueue(ctx, item)
	} else {
		err = s.q.TryEnqueue(item)
	}
	if err != nil {
		s.logger.Warn("queue full: notification will remain pending",
			zap.String("notification_id", n.ID), zap.Error(err))
		return
	}

	if err := s.store.MarkQueued(ctx, n.ID, time.Now().UTC()); err != nil && !errors.Is(err, domain.ErrNotSendable) {
		s.logger.Error("failed to stamp queued",
			zap.String("notification_id", n.ID), zap.Error(err))
	}
}

func responseFor(n *domain.Notification, wasIdempotent bool) *domain.SendResponse {
	msg := "notification accepted"
	if wasIdempotent {
		msg = "duplicate request: returning original notification"
	}
	return &domain.SendResponse{
		NotificationID: n.ID,
		Status:         n.Status,
		Message:        msg,
		CreatedAt:      n.CreatedAt,
		WasIdempotent:  wasIdempotent,
	}
}
