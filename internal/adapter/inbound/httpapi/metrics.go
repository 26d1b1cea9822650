// Package httpapi provides the HTTP transport for the decision API and
// the policy administration surface.
package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the decision API.
type Metrics struct {
	EvaluationsTotal *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	SinkFailures     prometheus.Counter
	PoliciesLoaded   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		EvaluationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aegis",
				Name:      "evaluations_total",
				Help:      "Total agent invocations by agent and outcome",
			},
			[]string{"agent", "outcome"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "aegis",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		CacheHitsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "aegis",
				Name:      "decision_cache_hits_total",
				Help:      "Decision cache hits",
			},
		),
		CacheMissesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "aegis",
				Name:      "decision_cache_misses_total",
				Help:      "Decision cache misses",
			},
		),
		SinkFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "aegis",
				Name:      "sink_failures_total",
				Help:      "Record and telemetry sink write failures",
			},
		),
		PoliciesLoaded: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "aegis",
				Name:      "policies_loaded",
				Help:      "Policies in the active snapshot",
			},
		),
	}
}
