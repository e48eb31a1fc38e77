// Package retry executes operations with bounded retries, backoff with
// jitter, tenant budgets, circuit-breaker gating and dead-letter capture.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/bastion/internal/breaker"
	"github.com/vietddude/bastion/internal/classify"
	"github.com/vietddude/bastion/internal/core/domain"
	"github.com/vietddude/bastion/internal/events"
	"github.com/vietddude/bastion/internal/observe/metrics"
	"github.com/vietddude/bastion/internal/store"
)

// ErrBudgetExhausted is returned when a tenant has no retry budget left.
var ErrBudgetExhausted = errors.New("tenant retry budget exhausted")

// Operation is the caller-supplied callable. It should honor ctx; operations
// that ignore cancellation keep running after a timeout is reported, so they
// must be idempotent.
type Operation func(ctx context.Context) (any, error)

// Config tunes the retry schedule. Zero values fall back to defaults.
type Config struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	JitterFactor      float64       `yaml:"jitter_factor"`
}

// DefaultConfig provides the stock retry tuning.
var DefaultConfig = Config{
	MaxAttempts:       3,
	BaseDelay:         time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2.0,
	JitterFactor:      0.2,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.MaxAttempts > 0 {
		d.MaxAttempts = c.MaxAttempts
	}
	if c.BaseDelay > 0 {
		d.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		d.MaxDelay = c.MaxDelay
	}
	if c.BackoffMultiplier > 0 {
		d.BackoffMultiplier = c.BackoffMultiplier
	}
	if c.JitterFactor > 0 {
		d.JitterFactor = c.JitterFactor
	}
	return d
}

// DefaultTimeout bounds a single attempt.
const DefaultTimeout = 30 * time.Second

// retryableCategories are retried by default when the classified error itself
// is retryable.
var retryableCategories = map[domain.Category]bool{
	domain.CategoryNetwork:     true,
	domain.CategoryTimeout:     true,
	domain.CategoryServer:      true,
	domain.CategoryRateLimit:   true,
	domain.CategoryThrottling:  true,
	domain.CategoryConflict:    true,
	domain.CategoryOfflineSync: true,
}

// Options configures one Execute call.
type Options struct {
	Key     domain.CircuitKey
	Timeout time.Duration
	Retry   Config
	// Operation and Engine annotate classification and DLQ lineage.
	Operation string
	Resource  string
}

// Result is the outcome of one Execute call.
type Result struct {
	Success bool
	Value   any
	Err     *domain.NormalizedError
	Context *domain.RetryContext
}

// Engine runs operations through the circuit breaker with budgeted retries.
type Engine struct {
	classifier *classify.Classifier
	breaker    *breaker.Breaker
	budgets    store.BudgetRepository
	dlq        store.DLQRepository
	bus        *events.Bus
	defaults   Config
}

// NewEngine wires the retry engine.
func NewEngine(c *classify.Classifier, b *breaker.Breaker, s store.Store, bus *events.Bus, defaults Config) *Engine {
	return &Engine{
		classifier: c,
		breaker:    b,
		budgets:    s,
		dlq:        s,
		bus:        bus,
		defaults:   defaults.withDefaults(),
	}
}

// Execute runs op with bounded retries. A non-nil payload is preserved in the
// DLQ when the operation is abandoned.
func (e *Engine) Execute(ctx context.Context, op Operation, opts Options, payload []byte) Result {
	cfg := mergeDefaults(opts.Retry, e.defaults)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	key := opts.Key
	cctx := classify.Context{
		Provider:  key.Provider,
		TenantID:  key.TenantID,
		Engine:    key.Engine,
		Operation: opts.Operation,
		Resource:  opts.Resource,
	}
	rctx := &domain.RetryContext{
		MaxAttempts: cfg.MaxAttempts,
		StartedAt:   time.Now(),
	}

	// No budget, no attempt: nothing is charged.
	budget, err := e.budgets.GetRetryBudget(ctx, key.TenantID)
	if err != nil {
		return e.fail(rctx, e.classifier.Classify(err, cctx))
	}
	if budget <= 0 {
		metrics.BudgetExhaustedTotal.WithLabelValues(key.TenantID).Inc()
		nerr := e.classifier.Classify(ErrBudgetExhausted, cctx)
		nerr.Category = domain.CategoryThrottling
		nerr.Retryable = false
		nerr.Code = "retry_budget_exhausted"
		return e.fail(rctx, nerr)
	}

	for {
		rctx.Attempt++

		decision, gateErr := e.breaker.CanExecute(ctx, key)
		if gateErr != nil {
			return e.fail(rctx, e.classifier.Classify(gateErr, cctx))
		}
		if !decision.Allowed {
			nerr := e.classifier.Classify(errors.New(decision.Reason), cctx)
			nerr.Category = domain.CategoryServer
			nerr.Retryable = false
			nerr.Code = "circuit_" + string(decision.State)
			rctx.Errors = append(rctx.Errors, nerr)
			e.DeadLetter(ctx, opts, nerr, rctx, payload)
			return e.fail(rctx, nerr)
		}

		start := time.Now()
		value, attemptErr := runWithTimeout(ctx, op, timeout)
		latency := time.Since(start)
		metrics.AttemptLatency.WithLabelValues(key.Provider, opts.Operation).Observe(latency.Seconds())

		if attemptErr == nil {
			metrics.AttemptsTotal.WithLabelValues(key.Provider, key.TenantID, "success").Inc()
			if err := e.breaker.RecordSuccess(ctx, key, latency); err != nil {
				slog.Warn("failed to record success", "key", key.String(), "error", err)
			}
			return Result{Success: true, Value: value, Context: rctx}
		}

		nerr := e.classifier.Classify(attemptErr, cctx)
		rctx.Errors = append(rctx.Errors, nerr)
		metrics.AttemptsTotal.WithLabelValues(key.Provider, key.TenantID, "failure").Inc()
		if err := e.breaker.RecordFailure(ctx, key, nerr, latency); err != nil {
			slog.Warn("failed to record failure", "key", key.String(), "error", err)
		}
		if _, err := e.budgets.IncrementRetryBudget(ctx, key.TenantID, -1); err != nil {
			slog.Warn("failed to charge retry budget", "tenant", key.TenantID, "error", err)
		}

		retryable := rctx.Attempt < cfg.MaxAttempts &&
			nerr.Retryable &&
			retryableCategories[nerr.Category] &&
			!nerr.IsCritical()

		health := e.breaker.Health(key)
		if !retryable || health.RecommendedAction == domain.ActionBlock {
			e.DeadLetter(ctx, opts, nerr, rctx, payload)
			return e.fail(rctx, nerr)
		}

		delay := Backoff(rctx.Attempt, cfg, nerr, nil)
		if health.RecommendedAction == domain.ActionThrottle {
			delay *= 2
		}
		rctx.TotalDelayMs += delay.Milliseconds()

		metrics.RetriesTotal.WithLabelValues(key.Provider, string(nerr.Category)).Inc()
		e.bus.Publish(domain.RetryAttemptEvent{
			Key:     key.String(),
			Attempt: rctx.Attempt,
			DelayMs: delay.Milliseconds(),
			Error:   nerr,
			At:      time.Now(),
		})
		slog.Debug("retrying operation",
			"key", key.String(),
			"attempt", rctx.Attempt,
			"delay", delay,
			"category", nerr.Category,
		)

		select {
		case <-ctx.Done():
			nerr := e.classifier.Classify(ctx.Err(), cctx)
			rctx.Errors = append(rctx.Errors, nerr)
			return e.fail(rctx, nerr)
		case <-time.After(delay):
		}
	}
}

func (e *Engine) fail(rctx *domain.RetryContext, nerr *domain.NormalizedError) Result {
	return Result{Success: false, Err: nerr, Context: rctx}
}

// runWithTimeout races op against the attempt timeout. Operations that ignore
// cancellation may keep running in the background after a timeout.
func runWithTimeout(ctx context.Context, op Operation, timeout time.Duration) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := op(attemptCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("operation timed out after %s", timeout)
		}
		return nil, attemptCtx.Err()
	}
}

// DeadLetter preserves a payload whose operation was refused or abandoned.
// A nil payload is a no-op.
func (e *Engine) DeadLetter(ctx context.Context, opts Options, nerr *domain.NormalizedError, rctx *domain.RetryContext, payload []byte) {
	if payload == nil {
		return
	}
	now := time.Now()
	entry := &domain.DLQEntry{
		ID:           uuid.NewString(),
		TenantID:     opts.Key.TenantID,
		Provider:     opts.Key.Provider,
		Engine:       opts.Key.Engine,
		Operation:    opts.Operation,
		Resource:     opts.Resource,
		Payload:      payload,
		Error:        nerr,
		RetryContext: rctx,
		CreatedAt:    now,
		ExpiresAt:    now.Add(domain.DLQRetention),
		Status:       domain.DLQPending,
	}
	entry.PayloadChecksum = Checksum(payload)

	if err := e.dlq.EnqueueDLQ(ctx, entry); err != nil {
		slog.Error("failed to enqueue dead letter", "tenant", entry.TenantID, "error", err)
		return
	}
	metrics.DLQEnqueuedTotal.WithLabelValues(entry.Provider, string(nerr.Category)).Inc()
	e.bus.Publish(domain.DLQEnqueuedEvent{Entry: entry, At: now})
}

// Checksum is the short payload digest stored on DLQ entries.
func Checksum(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])[:16]
}

func mergeDefaults(c, d Config) Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.JitterFactor == 0 {
		c.JitterFactor = d.JitterFactor
	}
	return c
}
