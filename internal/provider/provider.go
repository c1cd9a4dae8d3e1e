package provider

import (
	"context"

	"github.com/notifyhub/dispatch/internal/domain"
)

// Result is the outcome of a provider call.
//
// The error/Result split matters for the resilience pipeline: a non-nil error
// means the call itself failed (network, timeout, 5xx) and is retried in-call
// and counted by the circuit breaker; Success=false with a nil error is the
// provider's explicit verdict and is handed to the worker's state machine
// untouched. Permanent marks verdicts that must not be retried at all
// (invalid recipient, 4xx client errors).
type Result struct {
	Success          bool
	ExternalID       string
	Message          string
	ProviderResponse string
	Permanent        bool
}

// Adapter abstracts delivery through one external channel provider.
// Implementations must be safe for concurrent use; one instance per
// notification type is registered at startup.
type Adapter interface {
	Send(ctx context.Context, n *domain.Notification) (*Result, error)
	GetStatus(ctx context.Context, externalID string) (*Result, error)
	Health() bool
	Name() string
}

// sendRequest is the JSON body posted to the external provider.
type sendRequest struct {
	To      string `json:"to"`
	Channel string `json:"channel"`
	Subject string `json:"subject,omitempty"`
	Content string `json:"content"`
}

// sendResponse maps the provider's 202 Accepted response body.
type sendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}
