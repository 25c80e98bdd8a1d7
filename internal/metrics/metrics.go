// Package metrics exposes Prometheus collectors for the resolution
// layer. The Observer feeds them from bus events; the ops server
// serves them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolvesTotal tracks resolve decisions per provider and degraded flag
	ResolvesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coquette_resolves_total",
			Help: "Total number of resolve decisions",
		},
		[]string{"provider", "degraded"},
	)

	// FallbacksTotal tracks resolves that landed on a fallback provider
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coquette_fallbacks_total",
			Help: "Total number of resolves that fell back from the current provider",
		},
		[]string{"provider"},
	)

	// TransitionsTotal tracks availability transitions per provider
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coquette_availability_transitions_total",
			Help: "Total number of provider availability transitions",
		},
		[]string{"provider", "event", "cause"},
	)

	// EnqueuedTotal tracks requests accepted by the queue per priority
	EnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coquette_enqueued_total",
			Help: "Total number of requests accepted by the queue",
		},
		[]string{"priority"},
	)

	// DispatchesTotal tracks completed dispatches per provider and outcome
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coquette_dispatches_total",
			Help: "Total number of completed dispatches",
		},
		[]string{"provider", "outcome"},
	)

	// DispatchDuration tracks provider generation latency.
	// Buckets run past the Prometheus defaults because generation
	// regularly takes tens of seconds.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coquette_dispatch_duration_seconds",
			Help:    "Dispatch latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	// QueueWait tracks time between enqueue and worker pickup
	QueueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coquette_queue_wait_seconds",
			Help:    "Time requests spent waiting in the queue",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"priority"},
	)

	// QueueDepth tracks requests currently waiting in the queue
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coquette_queue_depth",
			Help: "Requests currently waiting in the queue",
		},
	)

	// TokensTotal tracks tokens exchanged with providers
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coquette_tokens_total",
			Help: "Total tokens exchanged with providers",
		},
		[]string{"provider", "direction"},
	)

	// RecoveriesTotal tracks recovery negotiations by disposition
	RecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coquette_recoveries_total",
			Help: "Total number of recovery negotiations",
		},
		[]string{"disposition"},
	)
)
