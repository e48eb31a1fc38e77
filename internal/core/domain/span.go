package domain

import "time"

// SpanStatus is the terminal status of a resilience span.
type SpanStatus string

const (
	SpanOK     SpanStatus = "ok"
	SpanFailed SpanStatus = "failed"
)

// Span records one top-level execute call. The manager owns it exclusively;
// other components report facts back via return values.
type Span struct {
	TraceID      string       `json:"trace_id"`
	SpanID       string       `json:"span_id"`
	Operation    string       `json:"operation"`
	Provider     string       `json:"provider"`
	TenantID     string       `json:"tenant_id"`
	StartedAt    time.Time    `json:"started_at"`
	EndedAt      time.Time    `json:"ended_at"`
	Status       SpanStatus   `json:"status"`
	Retries      int          `json:"retries"`
	CircuitState CircuitState `json:"circuit_state"`
	ErrorCode    string       `json:"error_code,omitempty"`
	FromFallback bool         `json:"from_fallback"`
}
