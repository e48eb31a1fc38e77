// Package memory provides the in-process reference store.
//
// Mutations are serialized with a store-wide mutex, so it is safe for
// concurrent use inside a single process. It holds no durable state and
// cannot coordinate multiple processes; production deployments use the
// Redis or Postgres backends.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/bastion/internal/core/domain"
	"github.com/vietddude/bastion/internal/store"
)

type MemoryStore struct {
	mu        sync.RWMutex
	circuits  map[string]*domain.CircuitBreakerState
	health    map[string]*domain.ProviderHealthScore
	budgets   map[string]int
	budgetCap int
	dlq       map[string]*domain.DLQEntry
	dlqOrder  []string
	anomalies []*domain.AnomalyLog
}

// New creates an empty store. budgetCap seeds unseen tenants.
func New(budgetCap int) *MemoryStore {
	if budgetCap <= 0 {
		budgetCap = 100
	}
	return &MemoryStore{
		circuits:  make(map[string]*domain.CircuitBreakerState),
		health:    make(map[string]*domain.ProviderHealthScore),
		budgets:   make(map[string]int),
		budgetCap: budgetCap,
		dlq:       make(map[string]*domain.DLQEntry),
	}
}

var _ store.Store = (*MemoryStore)(nil)

// -----------------------------------------------------------------------------
// Circuit state
// -----------------------------------------------------------------------------

func (s *MemoryStore) GetCircuitState(ctx context.Context, key string) (*domain.CircuitBreakerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.circuits[key]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) SetCircuitState(ctx context.Context, key string, st *domain.CircuitBreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	if prev, ok := s.circuits[key]; ok {
		cp.Version = prev.Version + 1
	} else {
		cp.Version = 1
	}
	s.circuits[key] = &cp
	return nil
}

func (s *MemoryStore) UpdateCircuitState(ctx context.Context, key string, fn func(st *domain.CircuitBreakerState) error) (*domain.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.circuits[key]
	var work domain.CircuitBreakerState
	if ok {
		work = *cur
	} else {
		work = *domain.NewCircuitBreakerState()
	}

	if err := fn(&work); err != nil {
		return nil, err
	}

	work.Version++
	s.circuits[key] = &work
	cp := work
	return &cp, nil
}

// -----------------------------------------------------------------------------
// Health scores
// -----------------------------------------------------------------------------

func healthKey(provider, tenantID string) string {
	return provider + ":" + tenantID
}

func (s *MemoryStore) GetHealthScore(ctx context.Context, provider, tenantID string) (*domain.ProviderHealthScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.health[healthKey(provider, tenantID)]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) SetHealthScore(ctx context.Context, score *domain.ProviderHealthScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *score
	s.health[healthKey(score.Provider, score.TenantID)] = &cp
	return nil
}

// -----------------------------------------------------------------------------
// Retry budgets
// -----------------------------------------------------------------------------

func (s *MemoryStore) GetRetryBudget(ctx context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[tenantID]
	if !ok {
		s.budgets[tenantID] = s.budgetCap
		return s.budgetCap, nil
	}
	return b, nil
}

func (s *MemoryStore) IncrementRetryBudget(ctx context.Context, tenantID string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[tenantID]
	if !ok {
		b = s.budgetCap
	}
	b += delta
	if b < 0 {
		b = 0
	}
	s.budgets[tenantID] = b
	return b, nil
}

func (s *MemoryStore) ReplenishBudgets(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tenant := range s.budgets {
		s.budgets[tenant] = s.budgetCap
	}
	return nil
}

// -----------------------------------------------------------------------------
// Dead-letter queue
// -----------------------------------------------------------------------------

func (s *MemoryStore) EnqueueDLQ(ctx context.Context, entry *domain.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.dlq[cp.ID] = &cp
	s.dlqOrder = append(s.dlqOrder, cp.ID)
	return nil
}

func (s *MemoryStore) DequeueDLQ(ctx context.Context, tenantID string) (*domain.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.dlqOrder {
		e, ok := s.dlq[id]
		if !ok || e.TenantID != tenantID || e.Status != domain.DLQPending {
			continue
		}
		e.Status = domain.DLQRetrying
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListDLQ(ctx context.Context, tenantID string, status domain.DLQStatus, limit int) ([]*domain.DLQEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.DLQEntry
	for _, id := range s.dlqOrder {
		e, ok := s.dlq[id]
		if !ok || e.TenantID != tenantID {
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateDLQStatus(ctx context.Context, id string, status domain.DLQStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dlq[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = status
	return nil
}

func (s *MemoryStore) ExpireDLQ(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, e := range s.dlq {
		if e.Status == domain.DLQPending && e.ExpiresAt.Before(cutoff) {
			e.Status = domain.DLQExpired
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Anomaly journal
// -----------------------------------------------------------------------------

func (s *MemoryStore) LogAnomaly(ctx context.Context, a *domain.AnomalyLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.anomalies = append(s.anomalies, &cp)
	return nil
}

func (s *MemoryStore) GetAnomalies(ctx context.Context, tenantID string, since time.Time) ([]*domain.AnomalyLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AnomalyLog
	for _, a := range s.anomalies {
		if a.TenantID != tenantID || a.DetectedAt.Before(since) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}
