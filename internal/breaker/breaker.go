// Package breaker implements the per-key circuit breaker with sliding-window
// health scoring and predictive degradation.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/bastion/internal/core/domain"
	"github.com/vietddude/bastion/internal/events"
	"github.com/vietddude/bastion/internal/observe/metrics"
	"github.com/vietddude/bastion/internal/store"
)

var (
	// ErrOpen is returned when the circuit refuses execution.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyProbes is returned when half-open probe slots are taken.
	ErrTooManyProbes = errors.New("half-open attempt limit reached")
)

// Config tunes one circuit. Zero values fall back to defaults.
type Config struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	SuccessThreshold    int           `yaml:"success_threshold"`
	OpenDuration        time.Duration `yaml:"open_duration"`
	HalfOpenMaxAttempts int           `yaml:"half_open_max_attempts"`
	SlidingWindow       time.Duration `yaml:"sliding_window"`
}

// DefaultConfig provides the stock breaker tuning.
var DefaultConfig = Config{
	FailureThreshold:    5,
	SuccessThreshold:    3,
	OpenDuration:        30 * time.Second,
	HalfOpenMaxAttempts: 3,
	SlidingWindow:       60 * time.Second,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.FailureThreshold > 0 {
		d.FailureThreshold = c.FailureThreshold
	}
	if c.SuccessThreshold > 0 {
		d.SuccessThreshold = c.SuccessThreshold
	}
	if c.OpenDuration > 0 {
		d.OpenDuration = c.OpenDuration
	}
	if c.HalfOpenMaxAttempts > 0 {
		d.HalfOpenMaxAttempts = c.HalfOpenMaxAttempts
	}
	if c.SlidingWindow > 0 {
		d.SlidingWindow = c.SlidingWindow
	}
	return d
}

// Decision is the outcome of a CanExecute gate check.
type Decision struct {
	Allowed bool
	State   domain.CircuitState
	Reason  string
}

// Breaker drives the closed/open/half-open machine for every circuit key.
// Persisted state lives in the store; the sliding window and half-open probe
// slots are in-process.
type Breaker struct {
	circuits  store.CircuitRepository
	health    store.HealthRepository
	anomalies store.AnomalyRepository
	bus       *events.Bus
	defaults  Config

	mu        sync.Mutex
	overrides map[string]Config
	windows   map[string]*window
	probes    map[string]*int32
}

// New creates a Breaker on top of the given store.
func New(s store.Store, bus *events.Bus, defaults Config) *Breaker {
	return &Breaker{
		circuits:  s,
		health:    s,
		anomalies: s,
		bus:       bus,
		defaults:  defaults.withDefaults(),
		overrides: make(map[string]Config),
		windows:   make(map[string]*window),
		probes:    make(map[string]*int32),
	}
}

// Configure overrides the breaker tuning for one circuit key.
func (b *Breaker) Configure(key domain.CircuitKey, cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrides[key.String()] = cfg.withDefaults()
}

func (b *Breaker) config(key string) Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg, ok := b.overrides[key]; ok {
		return cfg
	}
	return b.defaults
}

func (b *Breaker) window(key domain.CircuitKey) *window {
	id := key.Provider + ":" + key.TenantID + ":" + orBlank(key.Region)
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.windows[id]
	if !ok {
		w = newWindow(b.defaults.SlidingWindow)
		b.windows[id] = w
	}
	return w
}

func orBlank(s string) string {
	if s == "" {
		return "default"
	}
	return s
}

func (b *Breaker) probeSlot(key string) *int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.probes[key]
	if !ok {
		p = new(int32)
		b.probes[key] = p
	}
	return p
}

// CanExecute gates one attempt. Open circuits lazily move to half-open once
// the cooldown elapsed; half-open circuits admit a bounded number of
// concurrent probes.
func (b *Breaker) CanExecute(ctx context.Context, key domain.CircuitKey) (Decision, error) {
	k := key.String()
	cfg := b.config(k)
	now := time.Now()

	var from, to domain.CircuitState
	st, err := b.circuits.UpdateCircuitState(ctx, k, func(st *domain.CircuitBreakerState) error {
		from, to = st.State, st.State
		if st.State == domain.CircuitOpen && !now.Before(st.CooldownEndsAt) {
			st.State = domain.CircuitHalfOpen
			st.HalfOpenAt = now
			st.Failures = 0
			st.Successes = 0
			to = domain.CircuitHalfOpen
		}
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("circuit gate for %s: %w", k, err)
	}
	if from != to {
		// Probes that finished while the circuit was open never released
		// their slots, so each half-open round starts from zero.
		atomic.StoreInt32(b.probeSlot(k), 0)
		b.published(k, from, to, st.Failures)
	}

	switch st.State {
	case domain.CircuitOpen:
		return Decision{
			Allowed: false,
			State:   domain.CircuitOpen,
			Reason:  fmt.Sprintf("circuit open until %s", st.CooldownEndsAt.Format(time.RFC3339)),
		}, nil
	case domain.CircuitHalfOpen:
		slot := b.probeSlot(k)
		if atomic.AddInt32(slot, 1) > int32(cfg.HalfOpenMaxAttempts) {
			atomic.AddInt32(slot, -1)
			return Decision{
				Allowed: false,
				State:   domain.CircuitHalfOpen,
				Reason:  ErrTooManyProbes.Error(),
			}, nil
		}
		return Decision{Allowed: true, State: domain.CircuitHalfOpen}, nil
	default:
		return Decision{Allowed: true, State: domain.CircuitClosed}, nil
	}
}

// RecordSuccess reports a successful attempt. In closed state it decays the
// failure counter by one instead of resetting, so isolated failures fade.
func (b *Breaker) RecordSuccess(ctx context.Context, key domain.CircuitKey, latency time.Duration) error {
	k := key.String()
	cfg := b.config(k)
	now := time.Now()

	var from, to domain.CircuitState
	var wasHalfOpen bool
	st, err := b.circuits.UpdateCircuitState(ctx, k, func(st *domain.CircuitBreakerState) error {
		from, to = st.State, st.State
		st.LastSuccess = now
		switch st.State {
		case domain.CircuitClosed:
			if st.Failures > 0 {
				st.Failures--
			}
		case domain.CircuitHalfOpen:
			wasHalfOpen = true
			st.Successes++
			if st.Successes >= cfg.SuccessThreshold {
				st.State = domain.CircuitClosed
				st.Failures = 0
				st.Successes = 0
				to = domain.CircuitClosed
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record success for %s: %w", k, err)
	}
	if wasHalfOpen {
		b.releaseProbe(k)
	}
	if from != to {
		b.published(k, from, to, st.Failures)
	}

	b.window(key).add(true, latency)
	b.refreshHealth(ctx, key)
	return nil
}

// RecordFailure reports a failed attempt. Any failure in half-open reopens the
// circuit with no partial credit; reaching the failure threshold in closed
// opens it. Opening on a critical error also writes an anomaly log.
func (b *Breaker) RecordFailure(ctx context.Context, key domain.CircuitKey, nerr *domain.NormalizedError, latency time.Duration) error {
	k := key.String()
	cfg := b.config(k)
	now := time.Now()

	var from, to domain.CircuitState
	var wasHalfOpen bool
	st, err := b.circuits.UpdateCircuitState(ctx, k, func(st *domain.CircuitBreakerState) error {
		from, to = st.State, st.State
		st.LastFailure = now
		switch st.State {
		case domain.CircuitClosed:
			st.Failures++
			if st.Failures >= cfg.FailureThreshold {
				open(st, now, cfg.OpenDuration)
				to = domain.CircuitOpen
			}
		case domain.CircuitHalfOpen:
			wasHalfOpen = true
			open(st, now, cfg.OpenDuration)
			to = domain.CircuitOpen
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", k, err)
	}
	if wasHalfOpen {
		b.releaseProbe(k)
	}
	if from != to {
		b.published(k, from, to, st.Failures)
		if to == domain.CircuitOpen && nerr != nil && nerr.IsCritical() {
			b.logAnomaly(ctx, key, nerr)
		}
	}

	b.window(key).add(false, latency)
	b.refreshHealth(ctx, key)
	return nil
}

func open(st *domain.CircuitBreakerState, now time.Time, cooldown time.Duration) {
	st.State = domain.CircuitOpen
	st.OpenedAt = now
	st.CooldownEndsAt = now.Add(cooldown)
	st.Failures = 0
	st.Successes = 0
}

func (b *Breaker) releaseProbe(key string) {
	slot := b.probeSlot(key)
	if atomic.AddInt32(slot, -1) < 0 {
		atomic.StoreInt32(slot, 0)
	}
}

// State returns the persisted breaker state, or the initial closed state when
// the key has never been seen.
func (b *Breaker) State(ctx context.Context, key domain.CircuitKey) (*domain.CircuitBreakerState, error) {
	st, err := b.circuits.GetCircuitState(ctx, key.String())
	if err != nil {
		return nil, err
	}
	if st == nil {
		return domain.NewCircuitBreakerState(), nil
	}
	return st, nil
}

// Reset forces a circuit back to closed. Operator escape hatch.
func (b *Breaker) Reset(ctx context.Context, key domain.CircuitKey) error {
	k := key.String()
	var from domain.CircuitState
	st, err := b.circuits.UpdateCircuitState(ctx, k, func(st *domain.CircuitBreakerState) error {
		from = st.State
		st.State = domain.CircuitClosed
		st.Failures = 0
		st.Successes = 0
		st.OpenedAt = time.Time{}
		st.HalfOpenAt = time.Time{}
		st.CooldownEndsAt = time.Time{}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset circuit %s: %w", k, err)
	}
	if from != domain.CircuitClosed {
		b.published(k, from, domain.CircuitClosed, st.Failures)
	}
	b.mu.Lock()
	if p, ok := b.probes[k]; ok {
		atomic.StoreInt32(p, 0)
	}
	b.mu.Unlock()
	return nil
}

// Health recomputes the provider health score from the sliding window.
func (b *Breaker) Health(key domain.CircuitKey) *domain.ProviderHealthScore {
	m := b.window(key).metrics()
	score := &domain.ProviderHealthScore{
		Provider: key.Provider,
		TenantID: key.TenantID,
		Region:   key.Region,
		Metrics:  m,
	}
	if m.SampleCount == 0 {
		score.Status = domain.HealthUnknown
		score.Score = 100
		score.RecommendedAction = domain.ActionNone
		return score
	}
	score.Score = scoreOf(m)
	score.Status, score.RecommendedAction = bandOf(score.Score)
	return score
}

func (b *Breaker) refreshHealth(ctx context.Context, key domain.CircuitKey) {
	score := b.Health(key)
	metrics.HealthScore.WithLabelValues(key.Provider, key.TenantID).Set(score.Score)
	if err := b.health.SetHealthScore(ctx, score); err != nil {
		slog.Warn("failed to persist health score", "provider", key.Provider, "error", err)
	}
	if score.Status != domain.HealthHealthy && score.Status != domain.HealthUnknown {
		b.bus.Publish(domain.HealthChangedEvent{Score: *score, At: time.Now()})
	}
}

func (b *Breaker) published(key string, from, to domain.CircuitState, failures int) {
	metrics.CircuitTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	metrics.CircuitState.WithLabelValues(key).Set(metrics.StateValue(string(to)))
	slog.Info("circuit transition", "key", key, "from", from, "to", to)
	b.bus.Publish(domain.CircuitTransitionEvent{
		Key:      key,
		From:     from,
		To:       to,
		Failures: failures,
		At:       time.Now(),
	})
}

func (b *Breaker) logAnomaly(ctx context.Context, key domain.CircuitKey, nerr *domain.NormalizedError) {
	a := &domain.AnomalyLog{
		ID:       uuid.NewString(),
		TenantID: key.TenantID,
		Provider: key.Provider,
		Type:     anomalyType(nerr.Category),
		Severity: nerr.Severity,
		Message:  fmt.Sprintf("circuit %s opened on critical error: %s", key.String(), nerr.Message),
		Metadata: map[string]string{
			"fingerprint": nerr.Fingerprint,
			"category":    string(nerr.Category),
			"code":        nerr.Code,
		},
		DetectedAt: time.Now(),
	}
	if err := b.anomalies.LogAnomaly(ctx, a); err != nil {
		slog.Warn("failed to write anomaly log", "provider", key.Provider, "error", err)
		return
	}
	metrics.AnomaliesTotal.WithLabelValues(string(a.Type), a.Provider).Inc()
	b.bus.Publish(domain.AnomalyDetectedEvent{Anomaly: a, At: a.DetectedAt})
}

func anomalyType(c domain.Category) domain.AnomalyType {
	switch c {
	case domain.CategorySchemaMismatch:
		return domain.AnomalySchemaMismatch
	case domain.CategoryAuth, domain.CategoryPermission:
		return domain.AnomalyAuthFailure
	default:
		return domain.AnomalySpike
	}
}
