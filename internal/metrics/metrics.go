package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/dispatch/internal/domain"
	"github.com/notifyhub/dispatch/internal/worker"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	NotificationsSent    *prometheus.CounterVec
	NotificationsFailed  *prometheus.CounterVec
	NotificationsRetried *prometheus.CounterVec
	NotificationLatency  *prometheus.HistogramVec
	QueueDepthHigh       prometheus.Gauge
	QueueDepthNormal     prometheus.Gauge
	QueueDepthLow        prometheus.Gauge
	CircuitState         *prometheus.GaugeVec
	OutboxDeadLettered   *prometheus.CounterVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of notifications accepted by a provider.",
		}, []string{"type"}),

		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Total number of permanently failed notifications (retries exhausted or rejected).",
		}, []string{"type"}),

		NotificationsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_retried_total",
			Help: "Total number of retry attempts scheduled after transient failures.",
		}, []string{"type"}),

		NotificationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_processing_seconds",
			Help:    "End-to-end processing latency from dequeue to provider ack.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),

		QueueDepthHigh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth_high",
			Help: "Current number of items in the high-priority lane.",
		}),
		QueueDepthNormal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth_normal",
			Help: "Current number of items in the normal-priority lane.",
		}),
		QueueDepthLow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth_low",
			Help: "Current number of items in the low-priority lane.",
		}),

		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "provider_circuit_state",
			Help: "Circuit breaker state per provider: 0=closed, 1=half-open, 2=open.",
		}, []string{"provider"}),

		OutboxDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_dead_lettered_total",
			Help: "Total number of outbox rows abandoned after max delivery attempts.",
		}, []string{"event"}),
	}

	reg.MustRegister(
		m.NotificationsSent,
		m.NotificationsFailed,
		m.NotificationsRetried,
		m.NotificationLatency,
		m.QueueDepthHigh,
		m.QueueDepthNormal,
		m.QueueDepthLow,
		m.CircuitState,
		m.OutboxDeadLettered,
	)

	return m
}

// WorkerHooks returns the metric callbacks expected by worker.MetricHooks.
// Centralises the prometheus observation calls so the worker package stays
// free of metrics imports.
func (m *Metrics) WorkerHooks() worker.MetricHooks {
	return worker.MetricHooks{
		OnSent: func(t domain.Type, latency time.Duration) {
			m.NotificationsSent.WithLabelValues(string(t)).Inc()
			m.NotificationLatency.WithLabelValues(string(t)).Observe(latency.Seconds())
		},
		OnFailed: func(t domain.Type) {
			m.NotificationsFailed.WithLabelValues(string(t)).Inc()
		},
		OnRetried: func(t domain.Type) {
			m.NotificationsRetried.WithLabelValues(string(t)).Inc()
		},
	}
}

// CircuitHook returns the state-change callback wired into the provider
// resilience pipeline. State strings follow gobreaker's State.String().
func (m *Metrics) CircuitHook() func(name, state string) {
	return func(name, state string) {
		var v float64
		switch state {
		case "half-open":
			v = 1
		case "open":
			v = 2
		}
		m.CircuitState.WithLabelValues(name).Set(v)
	}
}

// OutboxHook returns the dead-letter callback for the outbox dispatcher.
func (m *Metrics) OutboxHook() func(et domain.EventType) {
	return func(et domain.EventType) {
		m.OutboxDeadLettered.WithLabelValues(string(et)).Inc()
	}
}

// ObserveQueueDepths updates the lane depth gauges from a snapshot.
func (m *Metrics) ObserveQueueDepths(high, normal, low int) {
	m.QueueDepthHigh.Set(float64(high))
	m.QueueDepthNormal.Set(float64(normal))
	m.QueueDepthLow.Set(float64(low))
}
