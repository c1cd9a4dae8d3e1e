package domain

import (
	"fmt"
	"time"
)

// SubscriptionStatus is the lifecycle of a tenant subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionRevoked   SubscriptionStatus = "revoked"
)

// Subscription is the tenant boundary: credentials, quotas, and channel
// permissions. Counters reset lazily on first use after a window boundary.
type Subscription struct {
	ID               string             `json:"id"`
	UserID           string             `json:"user_id"`
	Key              string             `json:"-"`
	Status           SubscriptionStatus `json:"status"`
	ExpiresAt        time.Time          `json:"expires_at"`
	DailyLimit       int                `json:"daily_limit"`
	MonthlyLimit     int                `json:"monthly_limit"`
	DailyUsed        int                `json:"daily_used"`
	MonthlyUsed      int                `json:"monthly_used"`
	LastResetDaily   time.Time          `json:"last_reset_daily"`
	LastResetMonthly time.Time          `json:"last_reset_monthly"`
	AllowSMS         bool               `json:"allow_sms"`
	AllowEmail       bool               `json:"allow_email"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Usable returns ErrSubscriptionInvalid (wrapped with a reason) unless the
// subscription is active, unexpired, and permitted to use the given channel.
func (s *Subscription) Usable(t Type, now time.Time) error {
	if s.Status != SubscriptionActive {
		return fmt.Errorf("%w: status is %s", ErrSubscriptionInvalid, s.Status)
	}
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return fmt.Errorf("%w: expired at %s", ErrSubscriptionInvalid, s.ExpiresAt.Format(time.RFC3339))
	}
	switch t {
	case TypeSMS:
		if !s.AllowSMS {
			return fmt.Errorf("%w: sms channel not permitted", ErrSubscriptionInvalid)
		}
	case TypeEmail:
		if !s.AllowEmail {
			return fmt.Errorf("%w: email channel not permitted", ErrSubscriptionInvalid)
		}
	}
	return nil
}

// RollWindows resets the daily counter if now is past midnight UTC of the day
// after the last reset, and the monthly counter if the UTC month has rolled.
// Returns true when either counter was reset. Callers must run this inside the
// same transaction that increments the counters.
func (s *Subscription) RollWindows(now time.Time) bool {
	now = now.UTC()
	changed := false

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if s.LastResetDaily.Before(dayStart) {
		s.DailyUsed = 0
		s.LastResetDaily = now
		changed = true
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if s.LastResetMonthly.Before(monthStart) {
		s.MonthlyUsed = 0
		s.LastResetMonthly = now
		changed = true
	}

	return changed
}

// HasQuota reports whether one more send fits in both windows.
func (s *Subscription) HasQuota() bool {
	return s.DailyUsed < s.DailyLimit && s.MonthlyUsed < s.MonthlyLimit
}
