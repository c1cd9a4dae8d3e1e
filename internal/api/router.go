package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/dispatch/internal/api/handler"
	apimw "github.com/notifyhub/dispatch/internal/api/middleware"
	"github.com/notifyhub/dispatch/internal/intake"
	"github.com/notifyhub/dispatch/internal/provider"
	"github.com/notifyhub/dispatch/internal/queue"
	"github.com/notifyhub/dispatch/internal/store"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	svc *intake.Service,
	st store.Store,
	q *queue.PriorityQueue,
	registry *provider.Registry,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)           // recover panics, return 500
	r.Use(chimw.RealIP)              // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1<<20))  // 1 MB max request body
	r.Use(apimw.CorrelationID)       // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	nh := handler.NewNotificationHandler(svc, logger)
	bh := handler.NewBatchHandler(svc, logger)
	mh := handler.NewMetricsHandler(q)
	hh := handler.NewHealthHandler(registry)

	// --- routes ---
	r.Get("/health", hh.Health)

	// Raw Prometheus scrape endpoint (for Prometheus server / Grafana)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		// Tenant-facing endpoints require a resolvable subscription key.
		r.Group(func(r chi.Router) {
			r.Use(apimw.SubscriptionAuth(st, logger))

			// Note: /batch must be registered before /{id} so chi does not
			// treat the literal string "batch" as an ID.
			r.Post("/notifications/batch", bh.CreateBatch)
			r.Post("/notifications", nh.Create)
			r.Get("/notifications", nh.List)
			r.Get("/notifications/{id}", nh.GetByID)
			r.Get("/notifications/{id}/logs", nh.Logs)
			r.Post("/notifications/{id}/cancel", nh.Cancel)
		})

		// JSON metrics snapshot
		r.Get("/metrics", mh.GetMetrics)
	})

	return r
}
