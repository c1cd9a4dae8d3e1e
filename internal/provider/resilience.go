package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/notifyhub/dispatch/internal/domain"
)

// PipelineConfig tunes the resilience stages wrapped around every adapter.
type PipelineConfig struct {
	// Retry stage: in-call retries for transport errors only.
	Retries   int
	RetryBase time.Duration

	// Circuit breaker stage.
	FailureRatio float64
	Window       time.Duration
	MinRequests  uint32
	Break        time.Duration

	// Timeout stage: hard cap per outer call, retries included.
	Timeout time.Duration
}

// resilientAdapter composes the three resilience stages in order:
// retry (innermost) -> circuit breaker -> timeout (outermost).
//
// Only transport errors are retried in-call and counted by the breaker; a
// provider's explicit Result verdict passes through untouched, since the
// worker's retry state machine owns that case.
type resilientAdapter struct {
	inner   Adapter
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	retries int
	backoff time.Duration
	logger  *zap.Logger
}

// Wrap builds the resilience pipeline around an adapter. onStateChange, when
// non-nil, observes circuit transitions (for the breaker state gauge).
func Wrap(inner Adapter, cfg PipelineConfig, logger *zap.Logger, onStateChange func(name, state string)) Adapter {
	settings := gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.Break,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if onStateChange != nil {
				onStateChange(name, to.String())
			}
		},
	}

	return &resilientAdapter{
		inner:   inner,
		cb:      gobreaker.NewCircuitBreaker(settings),
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		backoff: cfg.RetryBase,
		logger:  logger,
	}
}

func (r *resilientAdapter) Name() string { return r.inner.Name() }

// Health is false while the circuit is open.
func (r *resilientAdapter) Health() bool {
	return r.cb.State() != gobreaker.StateOpen && r.inner.Health()
}

func (r *resilientAdapter) Send(ctx context.Context, n *domain.Notification) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.cb.Execute(func() (any, error) {
		return r.sendWithRetry(ctx, n)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Rejected without touching the provider. Unavailability is a
			// verdict for the worker, not a transport error.
			return &Result{
				Success: false,
				Message: r.inner.Name() + " temporarily unavailable",
			}, nil
		}
		return nil, err
	}
	return out.(*Result), nil
}

// sendWithRetry retries transport errors with exponential backoff
// (base, 2*base, ...). Provider verdicts are never retried here.
func (r *resilientAdapter) sendWithRetry(ctx context.Context, n *domain.Notification) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.backoff << (attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		res, err := r.inner.Send(ctx, n)
		if err == nil {
			return res, nil
		}
		lastErr = err
		r.logger.Debug("provider call failed",
			zap.String("provider", r.inner.Name()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (r *resilientAdapter) GetStatus(ctx context.Context, externalID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.inner.GetStatus(ctx, externalID)
}
