package domain

import "time"

// Type is the delivery channel for a notification.
type Type string

const (
	TypeEmail Type = "email"
	TypeSMS   Type = "sms"
)

func (t Type) IsValid() bool {
	switch t {
	case TypeEmail, TypeSMS:
		return true
	}
	return false
}

// Priority controls queue ordering. Critical and high share the high lane.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Status tracks the lifecycle of a notification.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Field length limits enforced at intake.
const (
	MaxRecipientLen      = 256
	MaxSubjectLen        = 500
	MaxBodyLen           = 10000
	MaxSMSBodyLen        = 160
	MaxMetadataLen       = 4000
	MaxCorrelationIDLen  = 64
	MaxIdempotencyKeyLen = 64
	MaxBatchSize         = 1000
	DefaultMaxRetries    = 3
)

// Notification is the core domain entity. The store owns it; the queue only
// carries its id plus routing fields, and workers re-read before acting.
type Notification struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	SubscriptionID string     `json:"subscription_id"`
	Type           Type       `json:"type"`
	Status         Status     `json:"status"`
	Priority       Priority   `json:"priority"`
	Recipient      string     `json:"recipient"`
	Subject        string     `json:"subject"`
	Body           string     `json:"body"`
	Metadata       string     `json:"metadata,omitempty"`
	CorrelationID  string     `json:"correlation_id,omitempty"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	QueuedAt       *time.Time `json:"queued_at,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ExternalID     *string    `json:"external_id,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	IsDeleted      bool       `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SendRequest is the inbound payload for a single notification.
type SendRequest struct {
	Type           Type       `json:"type"`
	Recipient      string     `json:"recipient"`
	Subject        string     `json:"subject"`
	Body           string     `json:"body"`
	Priority       Priority   `json:"priority,omitempty"`
	ScheduledAt    *time.Time `json:"scheduledAt,omitempty"`
	Metadata       string     `json:"metadata,omitempty"`
	CorrelationID  string     `json:"correlationId,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
}

// Validate checks the request against the intake limits. now anchors the
// scheduled_at strictly-in-the-future rule.
func (r *SendRequest) Validate(now time.Time) error {
	if !r.Type.IsValid() {
		return ErrInvalidType
	}
	if r.Priority != "" && !r.Priority.IsValid() {
		return ErrInvalidPriority
	}
	if r.Recipient == "" || len(r.Recipient) > MaxRecipientLen {
		return ErrInvalidRecipient
	}
	if len(r.Subject) > MaxSubjectLen {
		return ErrInvalidSubject
	}
	maxBody := MaxBodyLen
	if r.Type == TypeSMS {
		maxBody = MaxSMSBodyLen
	}
	if r.Body == "" || len(r.Body) > maxBody {
		return ErrInvalidBody
	}
	if len(r.Metadata) > MaxMetadataLen {
		return ErrInvalidMetadata
	}
	if len(r.CorrelationID) > MaxCorrelationIDLen {
		return ErrInvalidCorrelationID
	}
	if len(r.IdempotencyKey) > MaxIdempotencyKeyLen {
		return ErrInvalidIdempotencyKey
	}
	if r.ScheduledAt != nil && !r.ScheduledAt.After(now) {
		return ErrScheduledInPast
	}
	return nil
}

// SendResponse is returned by the intake path.
type SendResponse struct {
	NotificationID string    `json:"notificationId"`
	Status         Status    `json:"status"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
	WasIdempotent  bool      `json:"wasIdempotent"`
}

// BatchRequest wraps up to MaxBatchSize send requests.
type BatchRequest struct {
	Notifications []SendRequest `json:"notifications"`
}

// BatchEntryResult records the per-entry outcome of a batch send.
// Entries are processed independently; one rejection does not fail the batch.
type BatchEntryResult struct {
	Index    int           `json:"index"`
	Accepted bool          `json:"accepted"`
	Error    string        `json:"error,omitempty"`
	Response *SendResponse `json:"response,omitempty"`
}

// ListFilter holds query parameters for paginated notification listing.
// SubscriptionID is always set by the handler: reads are owner-scoped.
type ListFilter struct {
	SubscriptionID string
	Status         *Status
	Type           *Type
	From           *time.Time
	To             *time.Time
	Page           int
	Limit          int
}

// NotificationLog is an append-only record of a single state transition.
type NotificationLog struct {
	ID               string    `json:"id"`
	NotificationID   string    `json:"notification_id"`
	Status           Status    `json:"status"`
	Message          string    `json:"message"`
	Details          *string   `json:"details,omitempty"`
	ProviderResponse *string   `json:"provider_response,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
