package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/dispatch/internal/api"
	"github.com/notifyhub/dispatch/internal/config"
	"github.com/notifyhub/dispatch/internal/db"
	"github.com/notifyhub/dispatch/internal/intake"
	"github.com/notifyhub/dispatch/internal/metrics"
	"github.com/notifyhub/dispatch/internal/outbox"
	"github.com/notifyhub/dispatch/internal/provider"
	"github.com/notifyhub/dispatch/internal/queue"
	"github.com/notifyhub/dispatch/internal/ratelimiter"
	"github.com/notifyhub/dispatch/internal/scheduler"
	"github.com/notifyhub/dispatch/internal/store"
	"github.com/notifyhub/dispatch/internal/worker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- database ----
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	st := store.NewPgStore(pool)
	q := queue.New(cfg.QueueCapacity)
	sched := scheduler.New(cfg.SchedulerTick, logger)
	limiter := ratelimiter.New(cfg.RateLimit)

	pipeline := provider.PipelineConfig{
		Retries:      cfg.SendRetries,
		RetryBase:    cfg.SendRetryBase,
		FailureRatio: cfg.CircuitFailureRatio,
		Window:       cfg.CircuitWindow,
		MinRequests:  cfg.CircuitMinRequests,
		Break:        cfg.CircuitBreak,
		Timeout:      cfg.ProviderTimeout,
	}
	circuitHook := m.CircuitHook()
	registry := provider.NewRegistry()
	registry.Register("email", provider.Wrap(
		provider.NewEmailAdapter(cfg.EmailProviderURL, nil), pipeline, logger, circuitHook))
	registry.Register("sms", provider.Wrap(
		provider.NewSMSAdapter(cfg.SMSProviderURL, nil), pipeline, logger, circuitHook))

	svc := intake.NewService(st, q, cfg.QueueBlockOnFull, logger)

	// ---- background goroutines ----
	// Context for everything that runs until shutdown; cancelled on signal.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var bg sync.WaitGroup
	run := func(fn func(context.Context)) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			fn(workerCtx)
		}()
	}

	run(sched.Run)

	confirmer := worker.NewTimerConfirmer(st, sched, cfg.DeliveryConfirmDelay, logger)
	proc := worker.NewProcessor(st, registry, q, sched, limiter, confirmer,
		cfg.RetryBase, cfg.RetryMaxDelay, logger, m.WorkerHooks())
	workerPool := worker.NewPool(proc, q, cfg.MaxConcurrentSends, logger)
	run(workerPool.Run)

	releaser := worker.NewReleaser(st, q, cfg.ReleaserInterval, cfg.StuckAfter, logger)
	// Recovery pass before serving: the queue and the retry heap are empty
	// after a restart, so promote whatever the previous process left behind.
	releaser.Sweep(workerCtx)
	run(releaser.Run)

	dispatcher := outbox.NewDispatcher(st, outbox.Config{
		Batch:              cfg.OutboxBatch,
		MaxAttempts:        cfg.OutboxMaxAttempts,
		WebhookMaxFailures: cfg.WebhookMaxFailures,
		PollInterval:       cfg.OutboxPollInterval,
		Lanes:              cfg.OutboxLanes,
		Timeout:            cfg.WebhookTimeout,
	}, logger)
	dispatcher.OnDeadLettered = m.OutboxHook()
	run(dispatcher.Run)

	// Queue depth gauges are sampled rather than event-driven.
	run(func(ctx context.Context) {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ObserveQueueDepths(q.Depths())
			}
		}
	})

	// ---- HTTP server ----
	router := api.NewRouter(svc, st, q, registry, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Signal the background loops to stop. The pool finishes in-flight
	// sends (bounded by the provider timeout) before returning.
	cancelWorkers()
	bg.Wait()

	// 3. Final outbox drain so terminal-state events reach their webhooks.
	dispatcher.Flush(shutdownCtx)

	logger.Info("server stopped cleanly")
}
