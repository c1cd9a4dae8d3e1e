package domain

import "errors"

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound            = errors.New("not found")
	ErrSubscriptionInvalid = errors.New("subscription invalid")
	ErrQuotaExceeded       = errors.New("send quota exceeded")
	ErrQueueFull           = errors.New("queue is at capacity, try again later")
	ErrNoProviderForType   = errors.New("no provider registered for notification type")
	ErrAlreadyCancelled    = errors.New("notification is already cancelled")
	ErrNotCancellable      = errors.New("notification cannot be cancelled in its current status")
	ErrNotSendable         = errors.New("notification is not in a sendable state")

	ErrInvalidType           = errors.New("invalid type: must be email or sms")
	ErrInvalidPriority       = errors.New("invalid priority: must be critical, high, normal, or low")
	ErrInvalidRecipient      = errors.New("recipient must be between 1 and 256 characters")
	ErrInvalidSubject        = errors.New("subject must not exceed 500 characters")
	ErrInvalidBody           = errors.New("body must be between 1 and 10000 characters (160 for sms)")
	ErrInvalidMetadata       = errors.New("metadata must not exceed 4000 characters")
	ErrInvalidCorrelationID  = errors.New("correlation id must not exceed 64 characters")
	ErrInvalidIdempotencyKey = errors.New("idempotency key must not exceed 64 characters")
	ErrScheduledInPast       = errors.New("scheduled_at must be in the future")
	ErrBatchTooLarge         = errors.New("batch exceeds maximum of 1000 notifications")
	ErrBatchEmpty            = errors.New("batch must contain at least one notification")
)

// IsValidationError reports whether err is one of the intake validation
// sentinels (surfaced as HTTP 400).
func IsValidationError(err error) bool {
	for _, sentinel := range []error{
		ErrInvalidType, ErrInvalidPriority, ErrInvalidRecipient,
		ErrInvalidSubject, ErrInvalidBody, ErrInvalidMetadata,
		ErrInvalidCorrelationID, ErrInvalidIdempotencyKey,
		ErrScheduledInPast, ErrBatchTooLarge, ErrBatchEmpty,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
