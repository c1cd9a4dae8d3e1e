package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/dispatch/internal/domain"
	"github.com/notifyhub/dispatch/internal/provider"
	"github.com/notifyhub/dispatch/internal/queue"
	"github.com/notifyhub/dispatch/internal/ratelimiter"
	"github.com/notifyhub/dispatch/internal/scheduler"
	"github.com/notifyhub/dispatch/internal/store"
)

// MetricHooks carries the metric callback functions injected by main.
// Using a struct keeps the constructor signatures clean.
type MetricHooks struct {
	OnSent    func(t domain.Type, latency time.Duration)
	OnFailed  func(t domain.Type)
	OnRetried func(t domain.Type)
}

func (h *MetricHooks) fill() {
	if h.OnSent == nil {
		h.OnSent = func(domain.Type, time.Duration) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(domain.Type) {}
	}
	if h.OnRetried == nil {
		h.OnRetried = func(domain.Type) {}
	}
}

// Processor drives the lifecycle state machine for one dequeued item.
// The pool runs Process calls concurrently up to its slot ceiling.
type Processor struct {
	store     store.Store
	registry  *provider.Registry
	q         *queue.PriorityQueue
	sched     *scheduler.Scheduler
	limiter   *ratelimiter.ChannelLimiters
	confirmer Confirmer
	retryBase time.Duration
	retryMax  time.Duration
	logger    *zap.Logger
	hooks     MetricHooks
}

func NewProcessor(
	st store.Store,
	registry *provider.Registry,
	q *queue.PriorityQueue,
	sched *scheduler.Scheduler,
	limiter *ratelimiter.ChannelLimiters,
	confirmer Confirmer,
	retryBase, retryMax time.Duration,
	logger *zap.Logger,
	hooks MetricHooks,
) *Processor {
	hooks.fill()
	return &Processor{
		store:     st,
		registry:  registry,
		q:         q,
		sched:     sched,
		limiter:   limiter,
		confirmer: confirmer,
		retryBase: retryBase,
		retryMax:  retryMax,
		logger:    logger,
		hooks:     hooks,
	}
}

// Process claims the notification, calls the provider, and applies the
// resulting transition. The queue item is only a routing hint; MarkProcessing
// re-reads the row and atomically claims it, so cancellations or duplicate
// enqueues between queue time and pickup are dropped here.
func (p *Processor) Process(ctx context.Context, item queue.Item) {
	start := time.Now()
	log := p.logger.With(
		zap.String("notification_id", item.NotificationID),
		zap.String("type", string(item.Type)),
	)

	n, err := p.store.MarkProcessing(ctx, item.NotificationID)
	if errors.Is(err, domain.ErrNotSendable) {
		log.Debug("skipping: not in a sendable state")
		return
	}
	if err != nil {
		log.Error("failed to claim notification", zap.Error(err))
		return
	}

	adapter, err := p.registry.Get(n.Type)
	if err != nil {
		// Misconfiguration, not a provider hiccup: retrying cannot help.
		log.Error("no adapter for type", zap.Error(err))
		p.fail(ctx, n, err.Error())
		return
	}

	// Block here until the per-channel rate limiter grants a token.
	if err := p.limiter.Wait(ctx, n.Type); err != nil {
		// ctx cancelled while waiting — shutting down. The stuck sweep will
		// release the processing claim.
		return
	}

	res, err := adapter.Send(ctx, n)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		log.Warn("provider send failed",
			zap.Error(err),
			zap.Int("retry_count", n.RetryCount),
		)
		p.retryOrFail(ctx, n, err.Error())

	case res.Success:
		now := time.Now().UTC()
		if err := p.store.MarkSent(ctx, n.ID, res.ExternalID, res.ProviderResponse, now); err != nil {
			log.Error("failed to mark as sent", zap.Error(err))
			return
		}
		p.confirmer.ScheduleConfirm(n.ID)
		p.hooks.OnSent(n.Type, elapsed)
		log.Info("notification sent",
			zap.String("external_id", res.ExternalID),
			zap.Duration("latency", elapsed),
		)

	case res.Permanent:
		log.Warn("provider rejected permanently", zap.String("reason", res.Message))
		p.fail(ctx, n, res.Message)

	default:
		// Transient verdict: provider declined or circuit open.
		log.Warn("provider unavailable or declined",
			zap.String("reason", res.Message),
			zap.Int("retry_count", n.RetryCount),
		)
		p.retryOrFail(ctx, n, res.Message)
	}
}

// retryOrFail applies the retry policy: bump retry_count, and either schedule
// a delayed re-enqueue (base * 2^retry_count, capped) or give up.
func (p *Processor) retryOrFail(ctx context.Context, n *domain.Notification, errMsg string) {
	next := n.RetryCount + 1
	if next > n.MaxRetries {
		p.fail(ctx, n, errMsg)
		return
	}

	delay := p.retryBase << next
	if delay > p.retryMax {
		delay = p.retryMax
	}
	fireAt := time.Now().UTC().Add(delay)

	if err := p.store.MarkRetrying(ctx, n.ID, next, fireAt, errMsg); err != nil {
		p.logger.Error("failed to schedule retry",
			zap.String("notification_id", n.ID), zap.Error(err))
		return
	}
	p.hooks.OnRetried(n.Type)

	item := queue.ItemFor(n)
	p.sched.Schedule(fireAt, func(ctx context.Context) {
		p.requeue(ctx, item)
	})
}

// requeue runs when a retry timer fires. The conditional RequeueRetry keeps
// this race-free against the releaser's recovery scan and against cancels.
func (p *Processor) requeue(ctx context.Context, item queue.Item) {
	err := p.store.RequeueRetry(ctx, item.NotificationID)
	if errors.Is(err, domain.ErrNotSendable) {
		return
	}
	if err != nil {
		p.logger.Error("failed to requeue retry",
			zap.String("notification_id", item.NotificationID), zap.Error(err))
		return
	}
	if err := p.q.Enqueue(ctx, item); err != nil {
		// Row stays pending with queued_at set; the releaser's stale-queued
		// rescue will pick it up.
		p.logger.Warn("could not re-enqueue retry",
			zap.String("notification_id", item.NotificationID), zap.Error(err))
	}
}

func (p *Processor) fail(ctx context.Context, n *domain.Notification, errMsg string) {
	if err := p.store.MarkFailed(ctx, n.ID, errMsg); err != nil {
		p.logger.Error("failed to mark notification as failed",
			zap.String("notification_id", n.ID), zap.Error(err))
		return
	}
	p.hooks.OnFailed(n.Type)
}
