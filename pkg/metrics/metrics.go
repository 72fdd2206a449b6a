// Package metrics exposes Prometheus instrumentation for the trust fabric.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the fabric's Prometheus collectors behind a dedicated
// registry so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	EventsPublished *prometheus.CounterVec
	EventsHandled   *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	Errors          *prometheus.CounterVec

	HandlerDuration *prometheus.HistogramVec
	QueueDepth      prometheus.Gauge

	BreakerTransitions *prometheus.CounterVec
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	RetryAttempts      *prometheus.CounterVec

	LedgerTransactions *prometheus.CounterVec
	TierChanges        *prometheus.CounterVec

	WorkflowsStarted  *prometheus.CounterVec
	WorkflowsFinished *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
}

// New creates a Metrics instance with its own registry, including the
// standard Go runtime collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustfabric",
				Subsystem: "bus",
				Name:      "events_published_total",
				Help:      "Total events accepted by publish, by source and type.",
			},
			[]string{"source", "type"},
		),
		EventsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustfabric",
				Subsystem: "bus",
				Name:      "events_handled_total",
				Help:      "Handler invocations by target and outcome.",
			},
			[]string{"target", "outcome"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "trustfabric",
				Subsystem: "bus",
				Name:      "events_dropped_total",
				Help:      "Events dropped because the queue was saturated.",
			},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustfabric",
				Subsystem: "bus",
				Name:      "errors_total",
				Help:      "Errors by kind (schema, duplicate, storage, subscriber, circuit_open, transient, step_timeout, ...).",
			},
			[]string{"kind"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "trustfabric",
				Subsystem: "bus",
				Name:      "handler_duration_seconds",
				Help:      "Wall time from envelope timestamp to handler completion.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"target"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "trustfabric",
				Subsystem: "bus",
				Name:      "queue_depth",
				Help:      "Current processing queue depth.",
			},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustfabric",
				Subsystem: "resilience",
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions by target and new state.",
			},
			[]string{"target", "state"},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "trustfabric",
				Subsystem: "resilience",
				Name:      "cache_hits_total",
				Help:      "Dispatch cache hits.",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "trustfabric",
				Subsystem: "resilience",
				Name:      "cache_misses_total",
				Help:      "Dispatch cache misses.",
			},
		),
		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustfabric",
				Subsystem: "resilience",
				Name:      "retry_attempts_total",
				Help:      "Retry attempts by target.",
			},
			[]string{"target"},
		),
		LedgerTransactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustfabric",
				Subsystem: "trust",
				Name:      "transactions_total",
				Help:      "Ledger transactions by category.",
			},
			[]string{"category"},
		),
		TierChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustfabric",
				Subsystem: "trust",
				Name:      "tier_changes_total",
				Help:      "Tier transitions by new tier.",
			},
			[]string{"tier"},
		),
		WorkflowsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustfabric",
				Subsystem: "workflow",
				Name:      "started_total",
				Help:      "Workflow executions started by kind.",
			},
			[]string{"kind"},
		),
		WorkflowsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustfabric",
				Subsystem: "workflow",
				Name:      "finished_total",
				Help:      "Workflow executions finished by kind and status.",
			},
			[]string{"kind", "status"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "trustfabric",
				Subsystem: "workflow",
				Name:      "step_duration_seconds",
				Help:      "Workflow step durations by component and action.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"component", "action"},
		),
	}

	registry.MustRegister(
		m.EventsPublished,
		m.EventsHandled,
		m.EventsDropped,
		m.Errors,
		m.HandlerDuration,
		m.QueueDepth,
		m.BreakerTransitions,
		m.CacheHits,
		m.CacheMisses,
		m.RetryAttempts,
		m.LedgerTransactions,
		m.TierChanges,
		m.WorkflowsStarted,
		m.WorkflowsFinished,
		m.StepDuration,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ErrorKind increments the error counter for kind.
func (m *Metrics) ErrorKind(kind string) {
	m.Errors.WithLabelValues(kind).Inc()
}
