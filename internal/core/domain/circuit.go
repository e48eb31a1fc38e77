package domain

import (
	"strings"
	"time"
)

// CircuitState is the breaker state machine position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitKey identifies one breaker. Optional dimensions collapse to "default".
type CircuitKey struct {
	Provider string
	Region   string
	Engine   string
	TenantID string
	Resource string
}

// String serializes the key as provider:region:engine:tenant:resource.
func (k CircuitKey) String() string {
	return strings.Join([]string{
		k.Provider,
		orDefault(k.Region),
		orDefault(k.Engine),
		k.TenantID,
		orDefault(k.Resource),
	}, ":")
}

func orDefault(s string) string {
	if s == "" {
		return "default"
	}
	return s
}

// CircuitBreakerState is the persisted per-key breaker record.
// Version increases on every persisted mutation and backs optimistic locking.
type CircuitBreakerState struct {
	State          CircuitState `json:"state"`
	Failures       int          `json:"failures"`
	Successes      int          `json:"successes"`
	LastFailure    time.Time    `json:"last_failure,omitempty"`
	LastSuccess    time.Time    `json:"last_success,omitempty"`
	OpenedAt       time.Time    `json:"opened_at,omitempty"`
	HalfOpenAt     time.Time    `json:"half_open_at,omitempty"`
	CooldownEndsAt time.Time    `json:"cooldown_ends_at,omitempty"`
	Version        int64        `json:"version"`
}

// NewCircuitBreakerState returns the initial closed state.
func NewCircuitBreakerState() *CircuitBreakerState {
	return &CircuitBreakerState{State: CircuitClosed}
}
