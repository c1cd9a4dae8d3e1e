package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/dispatch/internal/domain"
)

// MemoryStore is a hand-written, in-memory implementation of Store used in
// unit tests. It mirrors the conditional-transition semantics of the pg
// implementation, including log entries and outbox rows, so lifecycle tests
// can assert on both. No mock-generation library needed.
type MemoryStore struct {
	mu            sync.RWMutex
	notifications map[string]*domain.Notification
	logs          map[string][]*domain.NotificationLog
	outbox        []*domain.OutboxMessage
	subscriptions map[string]*domain.Subscription
	webhooks      map[string]*domain.WebhookSubscription

	// Optional error overrides — set in tests to simulate failure paths.
	AcceptErr error
	GetErr    error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notifications: make(map[string]*domain.Notification),
		logs:          make(map[string][]*domain.NotificationLog),
		subscriptions: make(map[string]*domain.Subscription),
		webhooks:      make(map[string]*domain.WebhookSubscription),
	}
}

var _ Store = (*MemoryStore)(nil)

// ---- test seeding helpers ----

func (m *MemoryStore) AddSubscription(sub *domain.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *sub
	m.subscriptions[sub.ID] = &clone
}

func (m *MemoryStore) AddWebhook(w *domain.WebhookSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *w
	m.webhooks[w.ID] = &clone
}

// Subscription returns a snapshot of the stored subscription, for assertions.
func (m *MemoryStore) Subscription(id string) *domain.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subscriptions[id]; ok {
		clone := *sub
		return &clone
	}
	return nil
}

// Webhook returns a snapshot of the stored webhook, for assertions.
func (m *MemoryStore) Webhook(id string) *domain.WebhookSubscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.webhooks[id]; ok {
		clone := *w
		return &clone
	}
	return nil
}

// OutboxFor returns all outbox rows for an aggregate in insertion order.
func (m *MemoryStore) OutboxFor(aggregateID string) []*domain.OutboxMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.OutboxMessage
	for _, msg := range m.outbox {
		if msg.AggregateID == aggregateID {
			clone := *msg
			result = append(result, &clone)
		}
	}
	return result
}

// ---- subscriptions ----

func (m *MemoryStore) GetSubscriptionByKey(_ context.Context, key string) (*domain.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subscriptions {
		if sub.Key == key {
			clone := *sub
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

// ---- intake ----

func (m *MemoryStore) Accept(_ context.Context, n *domain.Notification) error {
	if m.AcceptErr != nil {
		return m.AcceptErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[n.SubscriptionID]
	if !ok {
		return domain.ErrNotFound
	}
	sub.RollWindows(n.CreatedAt)
	if !sub.HasQuota() {
		return domain.ErrQuotaExceeded
	}
	sub.DailyUsed++
	sub.MonthlyUsed++
	sub.UpdatedAt = n.CreatedAt

	clone := *n
	m.notifications[n.ID] = &clone
	m.appendLog(n.ID, domain.StatusPending, "accepted", nil)
	m.appendOutbox(domain.EventAccepted, &clone, n.CreatedAt)
	return nil
}

func (m *MemoryStore) FindByIdempotencyKey(_ context.Context, subscriptionID, key string, since time.Time) (*domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.notifications {
		if n.IsDeleted || n.SubscriptionID != subscriptionID || n.IdempotencyKey == nil {
			continue
		}
		if *n.IdempotencyKey == key && !n.CreatedAt.Before(since) {
			clone := *n
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

// ---- reads ----

func (m *MemoryStore) GetNotification(_ context.Context, id string) (*domain.Notification, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok || n.IsDeleted {
		return nil, domain.ErrNotFound
	}
	clone := *n
	return &clone, nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, f domain.ListFilter) ([]*domain.Notification, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*domain.Notification
	for _, n := range m.notifications {
		if n.IsDeleted || n.SubscriptionID != f.SubscriptionID {
			continue
		}
		if f.Status != nil && n.Status != *f.Status {
			continue
		}
		if f.Type != nil && n.Type != *f.Type {
			continue
		}
		if f.From != nil && n.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && n.CreatedAt.After(*f.To) {
			continue
		}
		clone := *n
		matched = append(matched, &clone)
	}

	// Same ordering and pagination contract as the pg query.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)

	if f.Limit > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		offset := (page - 1) * f.Limit
		if offset >= total {
			return nil, total, nil
		}
		end := offset + f.Limit
		if end > total {
			end = total
		}
		matched = matched[offset:end]
	}
	return matched, total, nil
}

func (m *MemoryStore) ListLogs(_ context.Context, notificationID string) ([]*domain.NotificationLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	logs := make([]*domain.NotificationLog, 0, len(m.logs[notificationID]))
	for _, l := range m.logs[notificationID] {
		clone := *l
		logs = append(logs, &clone)
	}
	return logs, nil
}

// ---- lifecycle transitions ----

func (m *MemoryStore) MarkProcessing(_ context.Context, id string) (*domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.IsDeleted || n.Status != domain.StatusPending {
		return nil, domain.ErrNotSendable
	}
	n.Status = domain.StatusProcessing
	n.UpdatedAt = time.Now().UTC()
	m.appendLog(id, domain.StatusProcessing, "picked up by worker", nil)
	clone := *n
	return &clone, nil
}

func (m *MemoryStore) MarkSent(_ context.Context, id, externalID, providerResponse string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.IsDeleted || n.Status != domain.StatusProcessing {
		return domain.ErrNotSendable
	}
	n.Status = domain.StatusSent
	n.SentAt = &at
	n.ExternalID = &externalID
	n.LastError = nil
	n.NextRetryAt = nil
	n.UpdatedAt = at
	m.appendLog(id, domain.StatusSent, "provider accepted", &providerResponse)
	m.appendOutbox(domain.EventSent, n, at)
	return nil
}

func (m *MemoryStore) MarkDelivered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.IsDeleted || n.Status != domain.StatusSent {
		return nil
	}
	n.Status = domain.StatusDelivered
	n.DeliveredAt = &at
	n.UpdatedAt = at
	m.appendLog(id, domain.StatusDelivered, "delivery confirmed", nil)
	m.appendOutbox(domain.EventDelivered, n, at)
	return nil
}

func (m *MemoryStore) MarkRetrying(_ context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.IsDeleted || n.Status != domain.StatusProcessing {
		return domain.ErrNotSendable
	}
	n.Status = domain.StatusRetrying
	n.RetryCount = retryCount
	n.NextRetryAt = &nextRetryAt
	n.LastError = &errMsg
	n.QueuedAt = nil
	n.UpdatedAt = time.Now().UTC()
	msg := fmt.Sprintf("send failed, retry %d scheduled for %s", retryCount, nextRetryAt.UTC().Format(time.RFC3339))
	m.appendLog(id, domain.StatusRetrying, msg, &errMsg)
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.IsDeleted {
		return domain.ErrNotSendable
	}
	if n.Status != domain.StatusProcessing && n.Status != domain.StatusSent {
		return domain.ErrNotSendable
	}
	n.Status = domain.StatusFailed
	n.LastError = &errMsg
	n.NextRetryAt = nil
	n.UpdatedAt = time.Now().UTC()
	m.appendLog(id, domain.StatusFailed, "permanently failed", &errMsg)
	m.appendOutbox(domain.EventFailed, n, n.UpdatedAt)
	return nil
}

func (m *MemoryStore) MarkQueued(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.IsDeleted || n.QueuedAt != nil {
		return domain.ErrNotSendable
	}
	n.QueuedAt = &at
	n.UpdatedAt = at
	return nil
}

func (m *MemoryStore) RequeueRetry(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.IsDeleted || n.Status != domain.StatusRetrying {
		return domain.ErrNotSendable
	}
	now := time.Now().UTC()
	n.Status = domain.StatusPending
	n.QueuedAt = &now
	n.UpdatedAt = now
	m.appendLog(id, domain.StatusPending, "retry due, requeued", nil)
	return nil
}

func (m *MemoryStore) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.IsDeleted {
		return domain.ErrNotFound
	}
	switch n.Status {
	case domain.StatusCancelled:
		return domain.ErrAlreadyCancelled
	case domain.StatusPending, domain.StatusRetrying:
	default:
		return domain.ErrNotCancellable
	}
	n.Status = domain.StatusCancelled
	n.NextRetryAt = nil
	n.UpdatedAt = time.Now().UTC()
	m.appendLog(id, domain.StatusCancelled, "cancelled by user", nil)
	return nil
}

// ---- background scans ----

func (m *MemoryStore) FindDueForQueue(_ context.Context, now time.Time, limit int) ([]*domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Notification
	for _, n := range m.notifications {
		if len(result) >= limit {
			break
		}
		if n.IsDeleted || n.Status != domain.StatusPending || n.QueuedAt != nil {
			continue
		}
		if n.ScheduledAt == nil || !n.ScheduledAt.After(now) {
			clone := *n
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (m *MemoryStore) FindStaleQueued(_ context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Notification
	for _, n := range m.notifications {
		if len(result) >= limit {
			break
		}
		if n.IsDeleted || n.Status != domain.StatusPending || n.QueuedAt == nil {
			continue
		}
		if n.QueuedAt.Before(olderThan) {
			clone := *n
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (m *MemoryStore) FindDueRetries(_ context.Context, now time.Time, limit int) ([]*domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Notification
	for _, n := range m.notifications {
		if len(result) >= limit {
			break
		}
		if n.IsDeleted || n.Status != domain.StatusRetrying || n.NextRetryAt == nil {
			continue
		}
		if !n.NextRetryAt.After(now) {
			clone := *n
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (m *MemoryStore) ReleaseStuck(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for _, n := range m.notifications {
		if n.IsDeleted || n.Status != domain.StatusProcessing || !n.UpdatedAt.Before(olderThan) {
			continue
		}
		now := time.Now().UTC()
		if n.RetryCount < n.MaxRetries {
			n.Status = domain.StatusPending
			n.RetryCount++
			n.QueuedAt = nil
			released++
			m.appendLog(n.ID, domain.StatusPending, "released after stuck processing", nil)
		} else {
			n.Status = domain.StatusFailed
			msg := "stuck in processing"
			n.LastError = &msg
			n.NextRetryAt = nil
			m.appendLog(n.ID, domain.StatusFailed, "permanently failed", &msg)
			m.appendOutbox(domain.EventFailed, n, now)
		}
		n.UpdatedAt = now
	}
	return released, nil
}

// ---- outbox ----

func (m *MemoryStore) FetchOutbox(_ context.Context, limit int) ([]*domain.OutboxMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.OutboxMessage
	for _, msg := range m.outbox {
		if msg.ProcessedAt != nil {
			continue
		}
		clone := *msg
		result = append(result, &clone)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) MarkOutboxProcessed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.outbox {
		if msg.ID == id && msg.ProcessedAt == nil {
			now := time.Now().UTC()
			msg.ProcessedAt = &now
		}
	}
	return nil
}

func (m *MemoryStore) RecordOutboxFailure(_ context.Context, id, errMsg string, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.outbox {
		if msg.ID == id && msg.ProcessedAt == nil {
			msg.Attempts++
			msg.LastError = &errMsg
			if msg.Attempts >= maxAttempts {
				now := time.Now().UTC()
				msg.ProcessedAt = &now
			}
		}
	}
	return nil
}

// ---- webhooks ----

func (m *MemoryStore) WebhooksFor(_ context.Context, subscriptionID string) ([]*domain.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hooks []*domain.WebhookSubscription
	for _, w := range m.webhooks {
		if w.SubscriptionID == subscriptionID && w.Active {
			clone := *w
			hooks = append(hooks, &clone)
		}
	}
	return hooks, nil
}

func (m *MemoryStore) RecordWebhookSuccess(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.webhooks[id]; ok {
		now := time.Now().UTC()
		w.ConsecutiveFailures = 0
		w.LastSuccessAt = &now
	}
	return nil
}

func (m *MemoryStore) RecordWebhookFailure(_ context.Context, id string, maxFailures int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.webhooks[id]; ok {
		now := time.Now().UTC()
		w.ConsecutiveFailures++
		w.LastFailureAt = &now
		if w.ConsecutiveFailures >= maxFailures {
			w.Active = false
		}
	}
	return nil
}

// ---- internal helpers (callers hold the lock) ----

func (m *MemoryStore) appendLog(notificationID string, status domain.Status, message string, providerResponse *string) {
	m.logs[notificationID] = append(m.logs[notificationID], &domain.NotificationLog{
		ID:               uuid.New().String(),
		NotificationID:   notificationID,
		Status:           status,
		Message:          message,
		ProviderResponse: providerResponse,
		CreatedAt:        time.Now().UTC(),
	})
}

func (m *MemoryStore) appendOutbox(et domain.EventType, n *domain.Notification, at time.Time) {
	m.outbox = append(m.outbox, &domain.OutboxMessage{
		ID:          uuid.New().String(),
		MessageType: et,
		AggregateID: n.ID,
		Payload:     domain.NewWebhookEvent(n, at).Marshal(),
		CreatedAt:   at,
	})
}
