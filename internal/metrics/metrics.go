package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Token Refresh Metrics
var (
	// RefreshAttemptsTotal tracks refresh attempts by provider and outcome
	// (success, revoked, transient_failure).
	RefreshAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refresh_attempts_total",
			Help: "Token refresh attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// RefreshDuration tracks the latency of provider token exchanges.
	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "token_refresh_duration_seconds",
			Help:    "Provider token exchange duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"provider"},
	)

	// RefreshWaiters tracks callers currently blocked on an in-flight refresh.
	RefreshWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "token_refresh_waiters",
			Help: "Callers currently waiting on an in-flight token refresh",
		},
	)
)

// Crypto Metrics
var (
	// CryptoOperationsTotal tracks encrypt/decrypt operations by status.
	CryptoOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crypto_operations_total",
			Help: "Encrypt/decrypt operations by operation and status",
		},
		[]string{"operation", "status"},
	)
)

// Circuit Breaker Metrics
var (
	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Audit Metrics
var (
	// AuditPublishFailures tracks refresh events that could not be published.
	AuditPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_publish_failures_total",
			Help: "Refresh audit events that failed to publish",
		},
	)
)
