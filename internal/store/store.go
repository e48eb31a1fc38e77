// Package store defines the persistence contract for resilience state.
//
// Backends must make every per-key mutation atomic: circuit state is mutated
// through UpdateCircuitState (read-modify-write under a per-key guard or a
// version CAS), budgets through atomic increments clamped at zero. Cross-key
// operations carry no ordering requirement.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/bastion/internal/core/domain"
)

var (
	// ErrNotFound is returned when a keyed record doesn't exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when an optimistic write loses the race.
	ErrVersionConflict = errors.New("version conflict")
)

// Store is the abstract persistence layer. Memory, Redis and Postgres
// implementations are interchangeable.
type Store interface {
	CircuitRepository
	HealthRepository
	BudgetRepository
	DLQRepository
	AnomalyRepository
}

// CircuitRepository persists per-key breaker state.
type CircuitRepository interface {
	// GetCircuitState returns the state for a key, or nil when absent.
	GetCircuitState(ctx context.Context, key string) (*domain.CircuitBreakerState, error)

	// SetCircuitState unconditionally replaces the state, bumping its version.
	SetCircuitState(ctx context.Context, key string, st *domain.CircuitBreakerState) error

	// UpdateCircuitState applies fn to the current state (initial closed state
	// when absent) and persists the result atomically with respect to other
	// writers of the same key. The persisted version strictly increases.
	UpdateCircuitState(ctx context.Context, key string, fn func(st *domain.CircuitBreakerState) error) (*domain.CircuitBreakerState, error)
}

// HealthRepository caches the derived health score per provider/tenant.
type HealthRepository interface {
	GetHealthScore(ctx context.Context, provider, tenantID string) (*domain.ProviderHealthScore, error)
	SetHealthScore(ctx context.Context, score *domain.ProviderHealthScore) error
}

// BudgetRepository tracks per-tenant retry budgets.
type BudgetRepository interface {
	// GetRetryBudget returns the remaining budget, seeding absent tenants
	// with the configured cap.
	GetRetryBudget(ctx context.Context, tenantID string) (int, error)

	// IncrementRetryBudget atomically adds delta (negative to consume) and
	// returns the new value, clamped at zero.
	IncrementRetryBudget(ctx context.Context, tenantID string, delta int) (int, error)

	// ReplenishBudgets resets every known tenant's budget to the cap.
	ReplenishBudgets(ctx context.Context) error
}

// DLQRepository stores abandoned operations for later replay.
type DLQRepository interface {
	EnqueueDLQ(ctx context.Context, entry *domain.DLQEntry) error

	// DequeueDLQ returns the oldest pending entry for a tenant and marks it
	// retrying, or nil when the queue is empty.
	DequeueDLQ(ctx context.Context, tenantID string) (*domain.DLQEntry, error)

	// ListDLQ returns up to limit entries for a tenant, oldest first.
	// An empty status matches all statuses.
	ListDLQ(ctx context.Context, tenantID string, status domain.DLQStatus, limit int) ([]*domain.DLQEntry, error)

	UpdateDLQStatus(ctx context.Context, id string, status domain.DLQStatus) error

	// ExpireDLQ marks pending entries whose TTL elapsed before the cutoff as
	// expired and returns how many were affected.
	ExpireDLQ(ctx context.Context, cutoff time.Time) (int, error)
}

// AnomalyRepository is an append-only anomaly journal.
type AnomalyRepository interface {
	LogAnomaly(ctx context.Context, a *domain.AnomalyLog) error
	GetAnomalies(ctx context.Context, tenantID string, since time.Time) ([]*domain.AnomalyLog, error)
}
