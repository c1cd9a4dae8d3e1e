package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/notifyhub/dispatch/internal/domain"
)

// ChannelLimiters holds one token bucket limiter per notification type.
// Each limiter enforces a steady-state rate (e.g. 100 tokens/sec).
// Burst is set equal to the rate so no extra burst capacity is allowed
// beyond the configured per-second maximum.
type ChannelLimiters struct {
	limiters map[domain.Type]*rate.Limiter
}

// New creates a ChannelLimiters with ratePerSec tokens per second per type.
func New(ratePerSec int) *ChannelLimiters {
	r := rate.Limit(ratePerSec)
	burst := ratePerSec // burst == rate: prevents any "saved up" burst above the limit

	return &ChannelLimiters{
		limiters: map[domain.Type]*rate.Limiter{
			domain.TypeEmail: rate.NewLimiter(r, burst),
			domain.TypeSMS:   rate.NewLimiter(r, burst),
		},
	}
}

// Wait blocks until the type's limiter grants a token.
// Called by each send task immediately before invoking the provider.
// Returns a non-nil error only if ctx is cancelled while waiting.
func (cl *ChannelLimiters) Wait(ctx context.Context, t domain.Type) error {
	return cl.limiters[t].Wait(ctx)
}
