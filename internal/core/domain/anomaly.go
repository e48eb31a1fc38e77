package domain

import "time"

// AnomalyType classifies what the anomaly log records.
type AnomalyType string

const (
	AnomalyDrift          AnomalyType = "drift"
	AnomalySpike          AnomalyType = "spike"
	AnomalyDegradation    AnomalyType = "degradation"
	AnomalySchemaMismatch AnomalyType = "schema_mismatch"
	AnomalyAuthFailure    AnomalyType = "auth_failure"
)

// AnomalyLog is an append-only record written when a circuit opens on a
// critical error or a degradation forecast crosses the confidence threshold.
type AnomalyLog struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	Provider   string            `json:"provider"`
	Type       AnomalyType       `json:"type"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	DetectedAt time.Time         `json:"detected_at"`
}
