// Package metrics holds the Prometheus series exported by the sync engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for SyncProviderRuns
const (
	OutcomeSuccess     = "success"
	OutcomeRateLimited = "rate_limited"
	OutcomeFailure     = "failure"
	OutcomeCancelled   = "cancelled"
)

var (
	SyncProviderRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_provider_runs_total",
			Help: "Per-provider sync attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	SyncProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_provider_duration_seconds",
			Help:    "Time spent fetching, normalizing and writing one provider",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	SyncDataPoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_data_points_total",
			Help: "Normalized health points handed to the record writer",
		},
		[]string{"provider", "category"},
	)

	SyncRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_rate_limited_total",
			Help: "Provider syncs deferred by the local rate limiter",
		},
		[]string{"provider"},
	)

	// CircuitBreakerState is 0=closed, 1=half-open, 2=open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_circuit_breaker_state",
			Help: "Provider API circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordAPIRequest records an API request metric
func RecordAPIRequest(method, endpoint string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
