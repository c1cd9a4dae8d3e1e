// Package outbox delivers persisted domain events to tenant webhooks with
// at-least-once semantics.
package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/dispatch/internal/domain"
	"github.com/notifyhub/dispatch/internal/store"
)

const (
	defaultWebhookRetries   = 3
	defaultWebhookRetryBase = time.Second
)

// Config tunes the dispatcher.
type Config struct {
	Batch              int
	MaxAttempts        int
	WebhookMaxFailures int
	PollInterval       time.Duration
	Lanes              int
	Timeout            time.Duration

	// In-call delivery retries per webhook. Zero values take the defaults
	// (3 attempts, 1s base).
	Retries   int
	RetryBase time.Duration
}

// Dispatcher polls unprocessed outbox rows in FIFO order and POSTs signed
// payloads to matching webhooks.
//
// Rows are partitioned across a fixed set of lanes by hash(aggregate_id):
// each lane is a single goroutine, so events for one notification are
// delivered in insertion order while different aggregates proceed in
// parallel. An in-flight set keeps the poller from handing the same row to
// a lane twice while a slow delivery is still running.
type Dispatcher struct {
	store  store.Store
	cfg    Config
	client *http.Client
	lanes  []chan *domain.OutboxMessage
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}

	wg sync.WaitGroup

	// OnDeadLettered observes rows abandoned after max attempts (metrics).
	OnDeadLettered func(et domain.EventType)
}

func NewDispatcher(st store.Store, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 1
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultWebhookRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultWebhookRetryBase
	}
	lanes := make([]chan *domain.OutboxMessage, cfg.Lanes)
	for i := range lanes {
		lanes[i] = make(chan *domain.OutboxMessage, cfg.Batch)
	}
	return &Dispatcher{
		store:    st,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		lanes:    lanes,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Run polls until ctx is cancelled, then drains the lanes.
func (d *Dispatcher) Run(ctx context.Context) {
	for i, lane := range d.lanes {
		d.wg.Add(1)
		go func(i int, lane chan *domain.OutboxMessage) {
			defer d.wg.Done()
			for msg := range lane {
				d.process(context.WithoutCancel(ctx), msg)
				d.release(msg.ID)
			}
		}(i, lane)
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info("outbox dispatcher started",
		zap.Int("lanes", len(d.lanes)),
		zap.Duration("poll_interval", d.cfg.PollInterval),
	)

	for {
		select {
		case <-ctx.Done():
			for _, lane := range d.lanes {
				close(lane)
			}
			d.wg.Wait()
			d.logger.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// Flush synchronously dispatches every remaining unprocessed row. Called
// during shutdown after the workers have drained, so the final state events
// reach their webhooks before the process exits.
func (d *Dispatcher) Flush(ctx context.Context) {
	for {
		msgs, err := d.store.FetchOutbox(ctx, d.cfg.Batch)
		if err != nil || len(msgs) == 0 {
			return
		}
		for _, msg := range msgs {
			if ctx.Err() != nil {
				return
			}
			d.process(ctx, msg)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	msgs, err := d.store.FetchOutbox(ctx, d.cfg.Batch)
	if err != nil {
		d.logger.Error("outbox fetch failed", zap.Error(err))
		return
	}

	for _, msg := range msgs {
		if !d.claim(msg.ID) {
			continue
		}
		lane := d.lanes[laneFor(msg.AggregateID, len(d.lanes))]
		select {
		case lane <- msg:
		case <-ctx.Done():
			d.release(msg.ID)
			return
		}
	}
}

// process delivers one outbox row to every matching webhook, then marks the
// row processed or records the failure (dead-lettering after max attempts).
func (d *Dispatcher) process(ctx context.Context, msg *domain.OutboxMessage) {
	log := d.logger.With(
		zap.String("outbox_id", msg.ID),
		zap.String("aggregate_id", msg.AggregateID),
		zap.String("event", string(msg.MessageType)),
	)

	status, hasAudience := domain.StatusForEvent(msg.MessageType)
	if !hasAudience {
		// Accepted events are recorded for auditing only.
		d.markProcessed(ctx, msg, log)
		return
	}

	n, err := d.store.GetNotification(ctx, msg.AggregateID)
	if errors.Is(err, domain.ErrNotFound) {
		d.markProcessed(ctx, msg, log)
		return
	}
	if err != nil {
		log.Error("failed to resolve aggregate", zap.Error(err))
		d.recordFailure(ctx, msg, err.Error(), log)
		return
	}

	hooks, err := d.store.WebhooksFor(ctx, n.SubscriptionID)
	if err != nil {
		log.Error("failed to resolve webhooks", zap.Error(err))
		d.recordFailure(ctx, msg, err.Error(), log)
		return
	}

	allOK := true
	for _, hook := range hooks {
		if !hook.WantsStatus(status) {
			continue
		}
		if err := d.deliver(ctx, hook, msg.Payload); err != nil {
			allOK = false
			log.Warn("webhook delivery failed",
				zap.String("webhook_id", hook.ID),
				zap.String("url", hook.URL),
				zap.Error(err),
			)
			if err := d.store.RecordWebhookFailure(ctx, hook.ID, d.cfg.WebhookMaxFailures); err != nil {
				log.Error("failed to record webhook failure", zap.Error(err))
			}
			continue
		}
		if err := d.store.RecordWebhookSuccess(ctx, hook.ID); err != nil {
			log.Error("failed to record webhook success", zap.Error(err))
		}
	}

	if allOK {
		d.markProcessed(ctx, msg, log)
	} else {
		d.recordFailure(ctx, msg, "one or more webhook deliveries failed", log)
	}
}

// deliver POSTs the signed payload, retrying in-call with exponential
// backoff (base, 2*base, ...). Any 2xx response counts as delivered.
func (d *Dispatcher) deliver(ctx context.Context, hook *domain.WebhookSubscription, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt < d.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.cfg.RetryBase << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = d.post(ctx, hook, payload)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (d *Dispatcher) post(ctx context.Context, hook *domain.WebhookSubscription, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(hook.Secret, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) markProcessed(ctx context.Context, msg *domain.OutboxMessage, log *zap.Logger) {
	if err := d.store.MarkOutboxProcessed(ctx, msg.ID); err != nil {
		log.Error("failed to mark outbox row processed", zap.Error(err))
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, msg *domain.OutboxMessage, reason string, log *zap.Logger) {
	if err := d.store.RecordOutboxFailure(ctx, msg.ID, reason, d.cfg.MaxAttempts); err != nil {
		log.Error("failed to record outbox failure", zap.Error(err))
		return
	}
	if msg.Attempts+1 >= d.cfg.MaxAttempts {
		log.Error("outbox row dead-lettered", zap.Int("attempts", msg.Attempts+1))
		if d.OnDeadLettered != nil {
			d.OnDeadLettered(msg.MessageType)
		}
	}
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}

// laneFor reduces the hash in uint32 space; converting before the modulo
// would go negative where int is 32 bits wide.
func laneFor(aggregateID string, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(aggregateID))
	return int(h.Sum32() % uint32(lanes))
}
