// Package manager is the top-level orchestrator: it builds circuit keys,
// consults predictive degradation, drives the retry engine, performs provider
// fallback and closes one resilience span per call.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vietddude/bastion/internal/breaker"
	"github.com/vietddude/bastion/internal/core/domain"
	"github.com/vietddude/bastion/internal/events"
	"github.com/vietddude/bastion/internal/observe/metrics"
	"github.com/vietddude/bastion/internal/retry"
	"github.com/vietddude/bastion/internal/store"
)

// preemptConfidence is the forecast confidence above which the manager routes
// around a degrading primary without attempting it.
const preemptConfidence = 0.7

// ExecutionOptions configure one top-level Execute call.
type ExecutionOptions struct {
	TenantID           string
	Provider           string
	Region             string
	Engine             string
	Operation          string
	Resource           string
	Timeout            time.Duration
	Retry              retry.Config
	FallbackProviders  []string
	SkipCircuitBreaker bool
}

// ExecutionMetrics summarize what one call cost.
type ExecutionMetrics struct {
	Attempts        int                 `json:"attempts"`
	TotalDurationMs int64               `json:"total_duration_ms"`
	ProviderUsed    string              `json:"provider_used"`
	CircuitState    domain.CircuitState `json:"circuit_state"`
	FromFallback    bool                `json:"from_fallback"`
	ProvidersTried  int                 `json:"providers_tried"`
}

// ExecutionResult is the only thing that crosses the boundary back to the
// caller, success or failure.
type ExecutionResult struct {
	Success bool                    `json:"success"`
	Data    any                     `json:"data,omitempty"`
	Error   *domain.NormalizedError `json:"error,omitempty"`
	Metrics ExecutionMetrics        `json:"metrics"`
}

// Manager orchestrates resilient execution across providers.
type Manager struct {
	breaker *breaker.Breaker
	engine  *retry.Engine
	store   store.Store
	bus     *events.Bus
	tracer  trace.Tracer
}

// New wires a Manager.
func New(b *breaker.Breaker, e *retry.Engine, s store.Store, bus *events.Bus) *Manager {
	return &Manager{
		breaker: b,
		engine:  e,
		store:   s,
		bus:     bus,
		tracer:  otel.Tracer("bastion/manager"),
	}
}

func (m *Manager) key(opts ExecutionOptions, provider string) domain.CircuitKey {
	return domain.CircuitKey{
		Provider: provider,
		Region:   opts.Region,
		Engine:   opts.Engine,
		TenantID: opts.TenantID,
		Resource: opts.Resource,
	}
}

// Execute runs op against the primary provider, falling back across
// FallbackProviders when the primary is open, blocked or forecast to degrade.
// Exactly one span event is published per call.
func (m *Manager) Execute(ctx context.Context, op retry.Operation, opts ExecutionOptions, payload []byte) ExecutionResult {
	start := time.Now()
	span := &domain.Span{
		TraceID:   uuid.NewString(),
		SpanID:    uuid.NewString(),
		Operation: opts.Operation,
		Provider:  opts.Provider,
		TenantID:  opts.TenantID,
		StartedAt: start,
	}

	ctx, otelSpan := m.tracer.Start(ctx, "bastion.execute", trace.WithAttributes(
		attribute.String("bastion.tenant", opts.TenantID),
		attribute.String("bastion.provider", opts.Provider),
		attribute.String("bastion.operation", opts.Operation),
	))
	defer otelSpan.End()

	skipPrimary := false
	if !opts.SkipCircuitBreaker && len(opts.FallbackProviders) > 0 {
		forecast, err := m.breaker.Forecast(ctx, m.key(opts, opts.Provider))
		if err != nil {
			slog.Warn("degradation forecast failed", "provider", opts.Provider, "error", err)
		} else if forecast.WillDegrade && forecast.Confidence > preemptConfidence {
			skipPrimary = true
			m.logDegradation(ctx, opts, forecast)
		}
	}

	candidates := append([]string{opts.Provider}, opts.FallbackProviders...)
	result := m.executeFallback(ctx, op, opts, payload, candidates, skipPrimary)
	result.Metrics.TotalDurationMs = time.Since(start).Milliseconds()

	span.EndedAt = time.Now()
	span.Retries = result.Metrics.Attempts
	span.CircuitState = result.Metrics.CircuitState
	span.FromFallback = result.Metrics.FromFallback
	if result.Success {
		span.Status = domain.SpanOK
	} else {
		span.Status = domain.SpanFailed
		if result.Error != nil {
			span.ErrorCode = result.Error.Code
		}
	}
	otelSpan.SetAttributes(
		attribute.Int("bastion.attempts", result.Metrics.Attempts),
		attribute.Bool("bastion.from_fallback", result.Metrics.FromFallback),
		attribute.String("bastion.circuit_state", string(result.Metrics.CircuitState)),
	)
	m.bus.Publish(domain.SpanCompletedEvent{Span: span, At: span.EndedAt})

	return result
}

// executeFallback walks the candidate providers in order, skipping any whose
// circuit refuses execution or whose health recommends blocking. The first
// provider that succeeds wins.
func (m *Manager) executeFallback(ctx context.Context, op retry.Operation, opts ExecutionOptions, payload []byte, candidates []string, skipPrimary bool) ExecutionResult {
	var lastErr *domain.NormalizedError
	var lastContext *domain.RetryContext
	tried := 0

	for i, provider := range candidates {
		isPrimary := i == 0
		if isPrimary && skipPrimary {
			continue
		}

		key := m.key(opts, provider)
		// With fallbacks available, providers mid-cooldown or health-blocked
		// are skipped. Without fallbacks the primary is attempted anyway so
		// the refusal lands in the DLQ.
		if !opts.SkipCircuitBreaker && len(candidates) > 1 {
			if !m.viable(ctx, key) {
				continue
			}
		}

		tried++
		res := m.engine.Execute(ctx, op, retry.Options{
			Key:       key,
			Timeout:   opts.Timeout,
			Retry:     opts.Retry,
			Operation: opts.Operation,
			Resource:  opts.Resource,
		}, payload)

		state := m.circuitStateOf(ctx, key)
		if res.Success {
			fromFallback := provider != opts.Provider
			if fromFallback {
				metrics.FallbacksTotal.WithLabelValues(opts.Provider, provider).Inc()
			}
			return ExecutionResult{
				Success: true,
				Data:    res.Value,
				Metrics: ExecutionMetrics{
					Attempts:       res.Context.Attempt,
					ProviderUsed:   provider,
					CircuitState:   state,
					FromFallback:   fromFallback,
					ProvidersTried: tried,
				},
			}
		}

		lastErr = res.Err
		lastContext = res.Context
		// Critical failures are surfaced immediately rather than burned
		// through every fallback.
		if lastErr != nil && lastErr.IsCritical() {
			break
		}
	}

	attempts := 0
	if lastContext != nil {
		attempts = lastContext.Attempt
	}
	if lastErr == nil {
		lastErr = &domain.NormalizedError{
			Code:     "no_viable_provider",
			Message:  fmt.Sprintf("all %d providers refused execution", len(candidates)),
			Category: domain.CategoryServer,
			Severity: domain.SeverityHigh,
			Provider: opts.Provider,
			TenantID: opts.TenantID,
		}
	}
	if tried == 0 {
		// Nothing was attempted, so the engine never saw the payload.
		m.engine.DeadLetter(ctx, retry.Options{
			Key:       m.key(opts, opts.Provider),
			Operation: opts.Operation,
			Resource:  opts.Resource,
		}, lastErr, &domain.RetryContext{StartedAt: time.Now()}, payload)
	}
	return ExecutionResult{
		Success: false,
		Error:   lastErr,
		Metrics: ExecutionMetrics{
			Attempts:       attempts,
			ProviderUsed:   opts.Provider,
			CircuitState:   m.circuitStateOf(ctx, m.key(opts, opts.Provider)),
			ProvidersTried: tried,
		},
	}
}

// viable checks whether a fallback candidate is worth attempting: its circuit
// must not be open mid-cooldown and its health must not recommend blocking.
func (m *Manager) viable(ctx context.Context, key domain.CircuitKey) bool {
	st, err := m.breaker.State(ctx, key)
	if err != nil {
		slog.Warn("failed to read circuit state", "key", key.String(), "error", err)
		return true
	}
	if st.State == domain.CircuitOpen && time.Now().Before(st.CooldownEndsAt) {
		return false
	}
	return m.breaker.Health(key).RecommendedAction != domain.ActionBlock
}

func (m *Manager) circuitStateOf(ctx context.Context, key domain.CircuitKey) domain.CircuitState {
	st, err := m.breaker.State(ctx, key)
	if err != nil {
		return domain.CircuitClosed
	}
	return st.State
}

func (m *Manager) logDegradation(ctx context.Context, opts ExecutionOptions, f domain.DegradationForecast) {
	a := &domain.AnomalyLog{
		ID:       uuid.NewString(),
		TenantID: opts.TenantID,
		Provider: opts.Provider,
		Type:     domain.AnomalyDegradation,
		Severity: domain.SeverityMedium,
		Message: fmt.Sprintf("provider %s forecast to degrade (confidence %.2f), routing to fallback",
			opts.Provider, f.Confidence),
		Metadata: map[string]string{
			"trend":              fmt.Sprintf("%.3f", f.Trend),
			"time_to_failure_ms": fmt.Sprintf("%d", f.TimeToFailureMs),
		},
		DetectedAt: time.Now(),
	}
	if err := m.store.LogAnomaly(ctx, a); err != nil {
		slog.Warn("failed to log degradation anomaly", "provider", opts.Provider, "error", err)
		return
	}
	metrics.AnomaliesTotal.WithLabelValues(string(a.Type), a.Provider).Inc()
	m.bus.Publish(domain.AnomalyDetectedEvent{Anomaly: a, At: a.DetectedAt})
}

// GetCircuitState exposes circuit introspection to operators.
func (m *Manager) GetCircuitState(ctx context.Context, key domain.CircuitKey) (*domain.CircuitBreakerState, error) {
	return m.breaker.State(ctx, key)
}

// ResetCircuit forces a circuit back to closed.
func (m *Manager) ResetCircuit(ctx context.Context, key domain.CircuitKey) error {
	return m.breaker.Reset(ctx, key)
}

// GetProviderHealth returns the current derived health score.
func (m *Manager) GetProviderHealth(key domain.CircuitKey) *domain.ProviderHealthScore {
	return m.breaker.Health(key)
}

// GetAnomalies returns anomaly logs for a tenant since the given time.
func (m *Manager) GetAnomalies(ctx context.Context, tenantID string, since time.Time) ([]*domain.AnomalyLog, error) {
	return m.store.GetAnomalies(ctx, tenantID, since)
}
