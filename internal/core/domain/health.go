package domain

// HealthStatus bands the 0-100 score.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// RecommendedAction is what the caller should do about the current score.
type RecommendedAction string

const (
	ActionNone     RecommendedAction = "none"
	ActionThrottle RecommendedAction = "throttle"
	ActionFallback RecommendedAction = "fallback"
	ActionBlock    RecommendedAction = "block"
)

// HealthMetrics are derived from the sliding window of recent samples.
type HealthMetrics struct {
	SuccessRate  float64 `json:"success_rate"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	P99LatencyMs float64 `json:"p99_latency_ms"`
	SampleCount  int     `json:"sample_count"`
}

// ProviderHealthScore is recomputed on every outcome; it is advisory and never
// the source of truth for open/closed decisions.
type ProviderHealthScore struct {
	Provider          string            `json:"provider"`
	TenantID          string            `json:"tenant_id"`
	Region            string            `json:"region,omitempty"`
	Score             float64           `json:"score"`
	Status            HealthStatus      `json:"status"`
	Metrics           HealthMetrics     `json:"metrics"`
	RecommendedAction RecommendedAction `json:"recommended_action"`
}

// DegradationForecast is the predictive-degradation output.
type DegradationForecast struct {
	WillDegrade     bool    `json:"will_degrade"`
	Confidence      float64 `json:"confidence"`
	Trend           float64 `json:"trend"`
	TimeToFailureMs int64   `json:"time_to_failure_ms"`
	SampleCount     int     `json:"sample_count"`
}
