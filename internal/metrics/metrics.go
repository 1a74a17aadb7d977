// Package metrics exposes Prometheus metrics for the delivery engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for Mailtide.
type Metrics struct {
	// Queue job counters, labeled by owner kind.
	JobsEnqueuedTotal  *prometheus.CounterVec
	JobsCompletedTotal *prometheus.CounterVec
	JobsRetriedTotal   *prometheus.CounterVec
	JobsDeadTotal      *prometheus.CounterVec

	// Queue depth by job state.
	QueueDepth *prometheus.GaugeVec

	// Delivery
	SendsTotal          *prometheus.CounterVec
	SendDurationSeconds prometheus.Histogram
	WorkersBusy         prometheus.Gauge

	// Credentials
	TokenRefreshesTotal *prometheus.CounterVec

	// Pacing
	RateLimitWaitsTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered on its own
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		JobsEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtide_jobs_enqueued_total",
				Help: "Total number of delivery jobs enqueued",
			},
			[]string{"owner_kind"},
		),
		JobsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtide_jobs_completed_total",
				Help: "Total number of delivery jobs completed",
			},
			[]string{"owner_kind"},
		),
		JobsRetriedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtide_jobs_retried_total",
				Help: "Total number of delivery attempts scheduled for retry",
			},
			[]string{"owner_kind"},
		),
		JobsDeadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtide_jobs_dead_total",
				Help: "Total number of jobs moved to the dead set",
			},
			[]string{"owner_kind"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailtide_queue_depth",
				Help: "Number of jobs in the queue by state",
			},
			[]string{"state"},
		),

		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtide_sends_total",
				Help: "Total send attempts by outcome",
			},
			[]string{"outcome"},
		),
		SendDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailtide_send_duration_seconds",
				Help:    "Time spent submitting a message to the provider",
				Buckets: prometheus.DefBuckets,
			},
		),
		WorkersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailtide_workers_busy",
				Help: "Number of delivery workers currently processing a job",
			},
		),

		TokenRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtide_token_refreshes_total",
				Help: "OAuth token refreshes by outcome",
			},
			[]string{"outcome"},
		),

		RateLimitWaitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailtide_rate_limit_waits_total",
				Help: "Number of sends that waited on the global rate limiter",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.JobsEnqueuedTotal,
		m.JobsCompletedTotal,
		m.JobsRetriedTotal,
		m.JobsDeadTotal,
		m.QueueDepth,
		m.SendsTotal,
		m.SendDurationSeconds,
		m.WorkersBusy,
		m.TokenRefreshesTotal,
		m.RateLimitWaitsTotal,
	)

	return m
}

// Registry returns the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
