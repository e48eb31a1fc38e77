package domain

import "time"

// EventKind tags the closed set of published event variants.
type EventKind string

const (
	EventCircuitTransition EventKind = "circuit_transition"
	EventHealthChanged     EventKind = "health_changed"
	EventDLQEnqueued       EventKind = "dlq_enqueued"
	EventAnomalyDetected   EventKind = "anomaly_detected"
	EventRetryAttempt      EventKind = "retry_attempt"
	EventSpanCompleted     EventKind = "span_completed"
)

// Event is one of the tagged variants below. Consumers switch on Kind().
type Event interface {
	Kind() EventKind
	OccurredAt() time.Time
}

// CircuitTransitionEvent is published on every breaker state change.
type CircuitTransitionEvent struct {
	Key      string       `json:"key"`
	From     CircuitState `json:"from"`
	To       CircuitState `json:"to"`
	Failures int          `json:"failures"`
	At       time.Time    `json:"at"`
}

func (e CircuitTransitionEvent) Kind() EventKind       { return EventCircuitTransition }
func (e CircuitTransitionEvent) OccurredAt() time.Time { return e.At }

// HealthChangedEvent is published when a provider's status leaves healthy.
type HealthChangedEvent struct {
	Score ProviderHealthScore `json:"score"`
	At    time.Time           `json:"at"`
}

func (e HealthChangedEvent) Kind() EventKind       { return EventHealthChanged }
func (e HealthChangedEvent) OccurredAt() time.Time { return e.At }

// DLQEnqueuedEvent is published when an operation is abandoned to the DLQ.
type DLQEnqueuedEvent struct {
	Entry *DLQEntry `json:"entry"`
	At    time.Time `json:"at"`
}

func (e DLQEnqueuedEvent) Kind() EventKind       { return EventDLQEnqueued }
func (e DLQEnqueuedEvent) OccurredAt() time.Time { return e.At }

// AnomalyDetectedEvent mirrors an anomaly log write.
type AnomalyDetectedEvent struct {
	Anomaly *AnomalyLog `json:"anomaly"`
	At      time.Time   `json:"at"`
}

func (e AnomalyDetectedEvent) Kind() EventKind       { return EventAnomalyDetected }
func (e AnomalyDetectedEvent) OccurredAt() time.Time { return e.At }

// RetryAttemptEvent is published per failed attempt that will be retried.
type RetryAttemptEvent struct {
	Key     string           `json:"key"`
	Attempt int              `json:"attempt"`
	DelayMs int64            `json:"delay_ms"`
	Error   *NormalizedError `json:"error"`
	At      time.Time        `json:"at"`
}

func (e RetryAttemptEvent) Kind() EventKind       { return EventRetryAttempt }
func (e RetryAttemptEvent) OccurredAt() time.Time { return e.At }

// SpanCompletedEvent closes out one top-level execute call.
type SpanCompletedEvent struct {
	Span *Span     `json:"span"`
	At   time.Time `json:"at"`
}

func (e SpanCompletedEvent) Kind() EventKind       { return EventSpanCompleted }
func (e SpanCompletedEvent) OccurredAt() time.Time { return e.At }
