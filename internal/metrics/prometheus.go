// Package metrics provides Prometheus metrics collection for the dispatch
// gateway. It tracks attempt counts, latencies, token usage, spend, quota
// rejections, and provider health.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/learnloop/aidispatch/pkg/types"
)

const namespace = "aidispatch"

// LatencyBuckets defines histogram buckets for latency metrics (seconds).
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

var (
	// AttemptsTotal counts provider attempts by provider, model, and outcome.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total number of provider attempts",
		},
		[]string{"provider", "model", "outcome"}, // outcome: success, failure, cost_rejected
	)

	// AttemptLatency tracks per-attempt latency distribution.
	AttemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_latency_seconds",
			Help:      "Provider attempt latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "model"},
	)

	// TokensTotal tracks token consumption by direction.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total token usage",
		},
		[]string{"provider", "model", "direction"}, // direction: input, output
	)

	// SpendTotal tracks accumulated spend in USD.
	SpendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_usd_total",
			Help:      "Total spend in USD",
		},
		[]string{"provider", "tenant"},
	)

	// FallbacksTotal counts responses served by a non-first provider.
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Total requests served after at least one fallback",
		},
		[]string{"use_case"},
	)

	// AdmissionRejections counts admission-time rejections by reason.
	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Requests rejected before any provider call",
		},
		[]string{"reason"}, // reason: no_providers_allowed, quota_exceeded, budget_exceeded, validation
	)

	// RateLimitSkips counts providers skipped by the rate limiter.
	RateLimitSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_skips_total",
			Help:      "Providers skipped during selection because their window was exhausted",
		},
		[]string{"provider"},
	)

	// BudgetRemaining tracks remaining budget per scope.
	BudgetRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_remaining_usd",
			Help:      "Remaining budget in USD per scope",
		},
		[]string{"scope", "period"},
	)

	// ProviderHealth tracks provider health (0=healthy, 1=degraded, 2=unhealthy).
	ProviderHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_health",
			Help:      "Provider health status (0=healthy, 1=degraded, 2=unhealthy)",
		},
		[]string{"provider"},
	)

	// ExperimentAssignments counts A/B variant assignments.
	ExperimentAssignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiment_assignments_total",
			Help:      "Total experiment variant assignments",
		},
		[]string{"experiment", "variant"},
	)
)

// RecordAttempt records metrics for one provider attempt.
func RecordAttempt(providerID, modelID, outcome string, latency time.Duration) {
	AttemptsTotal.WithLabelValues(providerID, modelID, outcome).Inc()
	AttemptLatency.WithLabelValues(providerID, modelID).Observe(latency.Seconds())
}

// RecordUsage records token and spend counters for a successful attempt.
func RecordUsage(providerID, modelID, tenantID string, inputTokens, outputTokens int, cost float64) {
	TokensTotal.WithLabelValues(providerID, modelID, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(providerID, modelID, "output").Add(float64(outputTokens))
	SpendTotal.WithLabelValues(providerID, tenantID).Add(cost)
}

// RecordHealth records the probed health status of a provider.
func RecordHealth(providerID string, status types.HealthStatus) {
	var v float64
	switch status {
	case types.HealthDegraded:
		v = 1
	case types.HealthUnhealthy:
		v = 2
	}
	ProviderHealth.WithLabelValues(providerID).Set(v)
}

// statusLabel formats an HTTP status code as a metric label.
func statusLabel(code int) string {
	return strconv.Itoa(code)
}
