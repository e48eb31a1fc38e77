package domain

import "time"

// RetryContext lives for the duration of one execute call and records every
// attempt's classified error for DLQ lineage.
type RetryContext struct {
	Attempt      int                `json:"attempt"`
	MaxAttempts  int                `json:"max_attempts"`
	TotalDelayMs int64              `json:"total_delay_ms"`
	Errors       []*NormalizedError `json:"errors,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
}
