package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/dispatch/internal/domain"
	"github.com/notifyhub/dispatch/internal/queue"
	"github.com/notifyhub/dispatch/internal/store"
)

const scanLimit = 500

// Releaser is the periodic reconciliation loop between the store and the
// in-memory queue. Each tick it:
//
//  1. promotes due notifications (future-dated ones whose time arrived, and
//     rows released by the stuck sweep) into the queue,
//  2. recovers due retries whose in-memory timer was lost to a restart,
//  3. re-enqueues stale queued rows that never reached a worker (the queue
//     does not survive restarts),
//  4. sweeps processing rows that have been stuck longer than stuckAfter.
//
// Double-enqueue across these paths and the intake fast path is harmless:
// MarkProcessing claims atomically and later duplicates drop out.
type Releaser struct {
	store      store.Store
	q          *queue.PriorityQueue
	interval   time.Duration
	stuckAfter time.Duration
	logger     *zap.Logger
}

func NewReleaser(st store.Store, q *queue.PriorityQueue, interval, stuckAfter time.Duration, logger *zap.Logger) *Releaser {
	return &Releaser{store: st, q: q, interval: interval, stuckAfter: stuckAfter, logger: logger}
}

// Run ticks every interval until ctx is cancelled.
func (r *Releaser) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("releaser started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("releaser stopping")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass. Exported so main can run a recovery
// pass at startup before the first tick.
func (r *Releaser) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	r.promoteDue(ctx, now)
	r.recoverRetries(ctx, now)
	r.rescueStaleQueued(ctx, now)
	r.releaseStuck(ctx, now)
}

func (r *Releaser) promoteDue(ctx context.Context, now time.Time) {
	due, err := r.store.FindDueForQueue(ctx, now, scanLimit)
	if err != nil {
		r.logger.Error("due scan failed", zap.Error(err))
		return
	}

	promoted := 0
	for _, n := range due {
		// Stamp the guard first so a concurrent tick cannot double-promote.
		if err := r.store.MarkQueued(ctx, n.ID, now); err != nil {
			if !errors.Is(err, domain.ErrNotSendable) {
				r.logger.Error("failed to stamp queued",
					zap.String("notification_id", n.ID), zap.Error(err))
			}
			continue
		}
		if err := r.q.TryEnqueue(queue.ItemFor(n)); err != nil {
			// Queue full: the stale-queued rescue retries on a later tick.
			r.logger.Warn("could not enqueue due notification",
				zap.String("notification_id", n.ID), zap.Error(err))
			continue
		}
		promoted++
	}
	if promoted > 0 {
		r.logger.Info("promoted due notifications", zap.Int("count", promoted))
	}
}

// recoverRetries re-enqueues retrying rows whose next_retry_at has passed.
// Normally the in-memory scheduler wins this race; after a restart the
// scheduler heap is empty and this path is the only one left.
func (r *Releaser) recoverRetries(ctx context.Context, now time.Time) {
	due, err := r.store.FindDueRetries(ctx, now, scanLimit)
	if err != nil {
		r.logger.Error("retry scan failed", zap.Error(err))
		return
	}

	recovered := 0
	for _, n := range due {
		if err := r.store.RequeueRetry(ctx, n.ID); err != nil {
			if !errors.Is(err, domain.ErrNotSendable) {
				r.logger.Error("failed to requeue due retry",
					zap.String("notification_id", n.ID), zap.Error(err))
			}
			continue
		}
		if err := r.q.TryEnqueue(queue.ItemFor(n)); err != nil {
			r.logger.Warn("could not enqueue recovered retry",
				zap.String("notification_id", n.ID), zap.Error(err))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		r.logger.Info("recovered due retries", zap.Int("count", recovered))
	}
}

func (r *Releaser) rescueStaleQueued(ctx context.Context, now time.Time) {
	// Anything queued two intervals ago and still pending either predates a
	// restart or fell out during a full-queue window.
	stale, err := r.store.FindStaleQueued(ctx, now.Add(-2*r.interval), scanLimit)
	if err != nil {
		r.logger.Error("stale-queued scan failed", zap.Error(err))
		return
	}

	rescued := 0
	for _, n := range stale {
		if err := r.q.TryEnqueue(queue.ItemFor(n)); err != nil {
			continue
		}
		rescued++
	}
	if rescued > 0 {
		r.logger.Info("rescued stale queued notifications", zap.Int("count", rescued))
	}
}

func (r *Releaser) releaseStuck(ctx context.Context, now time.Time) {
	released, err := r.store.ReleaseStuck(ctx, now.Add(-r.stuckAfter))
	if err != nil {
		r.logger.Error("stuck sweep failed", zap.Error(err))
		return
	}
	if released > 0 {
		r.logger.Warn("released stuck processing notifications", zap.Int("count", released))
	}
}
