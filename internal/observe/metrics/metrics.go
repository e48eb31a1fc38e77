package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal counts execution attempts per provider and outcome
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_attempts_total",
			Help: "Total number of operation attempts",
		},
		[]string{"provider", "tenant", "outcome"},
	)

	// RetriesTotal counts retried attempts per provider and error category
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_retries_total",
			Help: "Total number of retried attempts",
		},
		[]string{"provider", "category"},
	)

	// AttemptLatency tracks per-attempt latency
	AttemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastion_attempt_latency_seconds",
			Help:    "Operation attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// CircuitTransitionsTotal counts breaker state transitions
	CircuitTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_circuit_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// CircuitState reports the current state per circuit key (0=closed, 1=half-open, 2=open)
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_circuit_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"key"},
	)

	// HealthScore reports the derived provider health score
	HealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_health_score",
			Help: "Derived provider health score (0-100)",
		},
		[]string{"provider", "tenant"},
	)

	// DLQEnqueuedTotal counts dead-letter enqueues per provider and category
	DLQEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_dlq_enqueued_total",
			Help: "Total number of operations sent to the dead-letter queue",
		},
		[]string{"provider", "category"},
	)

	// DLQReplayedTotal counts replayed dead-letter entries by result
	DLQReplayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_dlq_replayed_total",
			Help: "Total number of replayed dead-letter entries",
		},
		[]string{"result"},
	)

	// AnomaliesTotal counts anomaly log writes per type
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_anomalies_total",
			Help: "Total number of anomalies recorded",
		},
		[]string{"type", "provider"},
	)

	// BudgetExhaustedTotal counts executions refused for lack of retry budget
	BudgetExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_budget_exhausted_total",
			Help: "Total number of executions refused because the tenant retry budget was exhausted",
		},
		[]string{"tenant"},
	)

	// FallbacksTotal counts fallback provider selections
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_fallbacks_total",
			Help: "Total number of executions served by a fallback provider",
		},
		[]string{"primary", "fallback"},
	)
)

// StateValue maps a circuit state string to its gauge value.
func StateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
