// Package metrics provides Prometheus instrumentation for the ensemble service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnsembleLatency tracks end-to-end ensemble latency in seconds.
	EnsembleLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ensemble_latency_seconds",
			Help:    "End-to-end ensemble request latency in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"mode"},
	)

	// EnsembleRequestsTotal tracks ensemble requests by mode and outcome.
	EnsembleRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ensemble_requests_total",
			Help: "Total number of ensemble requests by mode and status.",
		},
		[]string{"mode", "status"}, // status: "success", "fallback", "empty"
	)

	// JudgeOutcomesTotal tracks how committee winners were selected.
	JudgeOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ensemble_judge_outcomes_total",
			Help: "Committee selections by outcome.",
		},
		[]string{"outcome"}, // "picked", "judge_failed", "guardrail"
	)

	// InvocationLatency tracks single model invocation latency in seconds.
	InvocationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_invocation_latency_seconds",
			Help:    "Latency of a single model invocation in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "model", "cache_status"},
	)

	// InvocationsTotal tracks model invocations by outcome.
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_invocations_total",
			Help: "Total number of model invocations by outcome.",
		},
		[]string{"provider", "model", "status"}, // status: "success" or an error kind
	)

	// TokenUsageTotal tracks the total number of tokens consumed.
	TokenUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_usage_total",
			Help: "Total number of tokens consumed.",
		},
		[]string{"provider", "model", "direction"}, // direction: "input" or "output"
	)

	// CacheLookupsTotal tracks invocation cache lookups per tier.
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Total number of invocation cache lookups.",
		},
		[]string{"tier"}, // "memo" or "redis"
	)

	// CacheHitsTotal tracks invocation cache hits per tier.
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of invocation cache hits.",
		},
		[]string{"tier"},
	)

	// CircuitBreakerState tracks the current state of each circuit breaker.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state: 0=closed, 1=open, 2=half-open.",
		},
		[]string{"provider"},
	)

	// ActiveRequests tracks the number of currently in-flight ensemble requests.
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_requests",
			Help: "Number of currently in-flight ensemble requests.",
		},
	)
)

// RecordCacheLookup records a lookup against tier and whether it hit.
func RecordCacheLookup(tier string, hit bool) {
	CacheLookupsTotal.WithLabelValues(tier).Inc()
	if hit {
		CacheHitsTotal.WithLabelValues(tier).Inc()
	}
}
