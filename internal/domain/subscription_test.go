package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/notifyhub/dispatch/internal/domain"
)

func activeSubscription() *domain.Subscription {
	return &domain.Subscription{
		ID:               "sub-1",
		UserID:           "user-1",
		Status:           domain.SubscriptionActive,
		ExpiresAt:        now.Add(24 * time.Hour),
		DailyLimit:       10,
		MonthlyLimit:     100,
		LastResetDaily:   now,
		LastResetMonthly: now,
		AllowSMS:         true,
		AllowEmail:       true,
	}
}

func TestSubscription_Usable(t *testing.T) {
	t.Run("active subscription passes", func(t *testing.T) {
		if err := activeSubscription().Usable(domain.TypeEmail, now); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	})

	t.Run("suspended is rejected", func(t *testing.T) {
		s := activeSubscription()
		s.Status = domain.SubscriptionSuspended
		if err := s.Usable(domain.TypeEmail, now); !errors.Is(err, domain.ErrSubscriptionInvalid) {
			t.Fatalf("expected ErrSubscriptionInvalid, got %v", err)
		}
	})

	t.Run("expired is rejected", func(t *testing.T) {
		s := activeSubscription()
		s.ExpiresAt = now.Add(-time.Minute)
		if err := s.Usable(domain.TypeEmail, now); !errors.Is(err, domain.ErrSubscriptionInvalid) {
			t.Fatalf("expected ErrSubscriptionInvalid, got %v", err)
		}
	})

	t.Run("channel not permitted", func(t *testing.T) {
		s := activeSubscription()
		s.AllowSMS = false
		if err := s.Usable(domain.TypeSMS, now); !errors.Is(err, domain.ErrSubscriptionInvalid) {
			t.Fatalf("expected ErrSubscriptionInvalid, got %v", err)
		}
		if err := s.Usable(domain.TypeEmail, now); err != nil {
			t.Fatalf("email should still be permitted, got %v", err)
		}
	})
}

func TestSubscription_RollWindows(t *testing.T) {
	t.Run("same day: no reset", func(t *testing.T) {
		s := activeSubscription()
		s.DailyUsed = 5
		s.MonthlyUsed = 5
		if s.RollWindows(now.Add(time.Hour)) {
			t.Fatal("expected no reset within the same day")
		}
		if s.DailyUsed != 5 || s.MonthlyUsed != 5 {
			t.Fatalf("counters changed: daily=%d monthly=%d", s.DailyUsed, s.MonthlyUsed)
		}
	})

	t.Run("next day: daily resets, monthly kept", func(t *testing.T) {
		s := activeSubscription()
		s.DailyUsed = 5
		s.MonthlyUsed = 5
		nextDay := now.Add(24 * time.Hour)
		if !s.RollWindows(nextDay) {
			t.Fatal("expected a reset on the next day")
		}
		if s.DailyUsed != 0 {
			t.Fatalf("expected daily reset, got %d", s.DailyUsed)
		}
		if s.MonthlyUsed != 5 {
			t.Fatalf("expected monthly kept, got %d", s.MonthlyUsed)
		}
	})

	t.Run("next month: both reset", func(t *testing.T) {
		s := activeSubscription()
		s.DailyUsed = 5
		s.MonthlyUsed = 50
		nextMonth := time.Date(2025, 7, 1, 0, 30, 0, 0, time.UTC)
		if !s.RollWindows(nextMonth) {
			t.Fatal("expected a reset in the next month")
		}
		if s.DailyUsed != 0 || s.MonthlyUsed != 0 {
			t.Fatalf("expected both reset: daily=%d monthly=%d", s.DailyUsed, s.MonthlyUsed)
		}
	})
}

func TestSubscription_HasQuota(t *testing.T) {
	s := activeSubscription()
	if !s.HasQuota() {
		t.Fatal("fresh subscription should have quota")
	}

	s.DailyUsed = s.DailyLimit
	if s.HasQuota() {
		t.Fatal("daily limit reached: expected no quota")
	}

	s.DailyUsed = 0
	s.MonthlyUsed = s.MonthlyLimit
	if s.HasQuota() {
		t.Fatal("monthly limit reached: expected no quota")
	}
}
