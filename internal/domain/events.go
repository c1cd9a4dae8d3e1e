package domain

import (
	"encoding/json"
	"time"
)

// EventType names the domain events recorded in the outbox.
type EventType string

const (
	EventAccepted  EventType = "notification.accepted"
	EventSent      EventType = "notification.sent"
	EventDelivered EventType = "notification.delivered"
	EventFailed    EventType = "notification.failed"
)

// OutboxMessage is a transactional record of a domain event awaiting egress.
// processed_at transitions from null to a timestamp exactly once.
type OutboxMessage struct {
	ID          string     `json:"id"`
	MessageType EventType  `json:"message_type"`
	AggregateID string     `json:"aggregate_id"`
	Payload     []byte     `json:"payload"`
	Attempts    int        `json:"attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// WebhookEvent is the JSON body POSTed to tenant webhooks.
type WebhookEvent struct {
	NotificationID string `json:"notificationId"`
	Status         Status `json:"status"`
	Type           Type   `json:"type"`
	Recipient      string `json:"recipient"`
	Timestamp      string `json:"timestamp"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	ExternalID     string `json:"externalId,omitempty"`
}

// NewWebhookEvent builds the egress payload from a notification snapshot.
func NewWebhookEvent(n *Notification, at time.Time) WebhookEvent {
	e := WebhookEvent{
		NotificationID: n.ID,
		Status:         n.Status,
		Type:           n.Type,
		Recipient:      n.Recipient,
		Timestamp:      at.UTC().Format(time.RFC3339),
	}
	if n.LastError != nil {
		e.ErrorMessage = *n.LastError
	}
	if n.ExternalID != nil {
		e.ExternalID = *n.ExternalID
	}
	return e
}

// Marshal serializes the event for storage in the outbox payload column.
func (e WebhookEvent) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// WebhookSubscription is a tenant-registered endpoint for signed event POSTs.
type WebhookSubscription struct {
	ID                  string     `json:"id"`
	SubscriptionID      string     `json:"subscription_id"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"`
	Events              []Status   `json:"events"`
	Active              bool       `json:"active"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// WantsStatus reports whether the webhook subscribed to events for the given
// notification status.
func (w *WebhookSubscription) WantsStatus(s Status) bool {
	for _, ev := range w.Events {
		if ev == s {
			return true
		}
	}
	return false
}

// StatusForEvent maps an outbox event type to the notification status carried
// in its payload. Accepted events have no webhook audience and return false.
func StatusForEvent(et EventType) (Status, bool) {
	switch et {
	case EventSent:
		return StatusSent, true
	case EventDelivered:
		return StatusDelivered, true
	case EventFailed:
		return StatusFailed, true
	}
	return "", false
}
