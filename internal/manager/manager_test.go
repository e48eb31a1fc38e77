package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/bastion/internal/breaker"
	"github.com/vietddude/bastion/internal/classify"
	"github.com/vietddude/bastion/internal/core/domain"
	"github.com/vietddude/bastion/internal/events"
	"github.com/vietddude/bastion/internal/retry"
	"github.com/vietddude/bastion/internal/store/memory"
)

func newTestManager(bcfg breaker.Config) (*Manager, *memory.MemoryStore, *events.Bus) {
	s := memory.New(100)
	bus := events.NewBus(64)
	b := breaker.New(s, bus, bcfg)
	e := retry.NewEngine(classify.New(), b, s, bus, retry.Config{})
	return New(b, e, s, bus), s, bus
}

func fastOpts(tenant string) ExecutionOptions {
	return ExecutionOptions{
		TenantID:  tenant,
		Provider:  "airtable",
		Operation: "list_records",
		Retry: retry.Config{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
		},
	}
}

func TestExecuteSuccessOnPrimary(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(breaker.Config{})

	op := func(ctx context.Context) (any, error) { return 42, nil }
	res := m.Execute(ctx, op, fastOpts("tenant-1"), nil)

	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Error)
	}
	if res.Data != 42 {
		t.Errorf("Expected data 42, got %v", res.Data)
	}
	if res.Metrics.ProviderUsed != "airtable" {
		t.Errorf("Expected primary provider, got %s", res.Metrics.ProviderUsed)
	}
	if res.Metrics.FromFallback {
		t.Error("Primary success must not be marked as fallback")
	}
	if res.Metrics.ProvidersTried != 1 {
		t.Errorf("Expected 1 provider tried, got %d", res.Metrics.ProvidersTried)
	}
}

func TestExecuteFallsBackWhenPrimaryOpen(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(breaker.Config{FailureThreshold: 1, OpenDuration: time.Minute})

	// Trip the primary circuit.
	failing := func(ctx context.Context) (any, error) {
		return nil, errors.New("connection refused")
	}
	res := m.Execute(ctx, failing, fastOpts("tenant-1"), nil)
	if res.Success {
		t.Fatal("Expected initial failure")
	}

	// The open primary is skipped and the fallback serves the call.
	opts := fastOpts("tenant-1")
	opts.FallbackProviders = []string{"notion"}
	ok := func(ctx context.Context) (any, error) { return "from-backup", nil }

	res = m.Execute(ctx, ok, opts, nil)
	if !res.Success {
		t.Fatalf("Expected fallback success, got %v", res.Error)
	}
	if res.Metrics.ProviderUsed != "notion" {
		t.Errorf("Expected fallback provider notion, got %s", res.Metrics.ProviderUsed)
	}
	if !res.Metrics.FromFallback {
		t.Error("Expected FromFallback=true")
	}
	if res.Metrics.ProvidersTried != 1 {
		t.Errorf("Expected only the fallback tried, got %d", res.Metrics.ProvidersTried)
	}
}

func TestExecuteNoViableProvider(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(breaker.Config{FailureThreshold: 1, OpenDuration: time.Minute})

	failing := func(ctx context.Context) (any, error) {
		return nil, errors.New("connection refused")
	}

	// Trip both providers.
	m.Execute(ctx, failing, fastOpts("tenant-1"), nil)
	backupOpts := fastOpts("tenant-1")
	backupOpts.Provider = "notion"
	m.Execute(ctx, failing, backupOpts, nil)

	opts := fastOpts("tenant-1")
	opts.FallbackProviders = []string{"notion"}
	res := m.Execute(ctx, failing, opts, nil)
	if res.Success {
		t.Fatal("Expected failure with all circuits open")
	}
	if res.Error.Code != "no_viable_provider" {
		t.Errorf("Expected no_viable_provider, got %q", res.Error.Code)
	}
	if res.Metrics.ProvidersTried != 0 {
		t.Errorf("Expected 0 providers tried, got %d", res.Metrics.ProvidersTried)
	}
}

func TestExecuteNoViableProviderDeadLettersPayload(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestManager(breaker.Config{FailureThreshold: 1, OpenDuration: time.Minute})

	failing := func(ctx context.Context) (any, error) {
		return nil, errors.New("connection refused")
	}

	// Trip both providers.
	m.Execute(ctx, failing, fastOpts("tenant-1"), nil)
	backupOpts := fastOpts("tenant-1")
	backupOpts.Provider = "notion"
	m.Execute(ctx, failing, backupOpts, nil)

	opts := fastOpts("tenant-1")
	opts.FallbackProviders = []string{"notion"}
	payload := []byte(`{"record":"r1"}`)
	res := m.Execute(ctx, failing, opts, payload)
	if res.Success {
		t.Fatal("Expected failure with all circuits open")
	}

	// The payload must survive even though nothing was attempted.
	entries, err := s.ListDLQ(ctx, "tenant-1", domain.DLQPending, 10)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 DLQ entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Error == nil || entry.Error.Code != "no_viable_provider" {
		t.Errorf("Expected no_viable_provider on the entry, got %+v", entry.Error)
	}
	if string(entry.Payload) != string(payload) {
		t.Errorf("Expected payload preserved, got %q", entry.Payload)
	}
	if entry.Provider != "airtable" {
		t.Errorf("Expected primary provider on the entry, got %s", entry.Provider)
	}
	if entry.PayloadChecksum != retry.Checksum(payload) {
		t.Errorf("Checksum mismatch: %s", entry.PayloadChecksum)
	}
}

func TestExecuteCriticalStopsFallbackChain(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(breaker.Config{})

	calls := 0
	critical := func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("governance policy violation")
	}
	opts := fastOpts("tenant-1")
	opts.FallbackProviders = []string{"notion", "baserow"}

	res := m.Execute(ctx, critical, opts, nil)
	if res.Success {
		t.Fatal("Expected failure")
	}
	if calls != 1 {
		t.Errorf("Critical errors must not burn through fallbacks, got %d calls", calls)
	}
	if res.Error.Category != domain.CategoryGovernance {
		t.Errorf("Expected governance error surfaced, got %s", res.Error.Category)
	}
}

func TestExecutePublishesOneSpan(t *testing.T) {
	ctx := context.Background()
	m, _, bus := newTestManager(breaker.Config{})

	ch, cancel := bus.Subscribe()
	defer cancel()

	op := func(ctx context.Context) (any, error) { return "ok", nil }
	m.Execute(ctx, op, fastOpts("tenant-1"), nil)

	spans := 0
	var span *domain.Span
	for len(ch) > 0 {
		ev := <-ch
		if se, ok := ev.(domain.SpanCompletedEvent); ok {
			spans++
			span = se.Span
		}
	}
	if spans != 1 {
		t.Fatalf("Expected exactly 1 span event, got %d", spans)
	}
	if span.Status != domain.SpanOK {
		t.Errorf("Expected span status ok, got %s", span.Status)
	}
	if span.TraceID == "" || span.SpanID == "" {
		t.Error("Expected trace and span IDs")
	}
	if span.EndedAt.Before(span.StartedAt) {
		t.Error("Span must end after it starts")
	}
}

func TestExecuteSpanRecordsFailure(t *testing.T) {
	ctx := context.Background()
	m, _, bus := newTestManager(breaker.Config{})

	ch, cancel := bus.Subscribe()
	defer cancel()

	op := func(ctx context.Context) (any, error) {
		return nil, errors.New(`{"status": 404, "message": "record not found"}`)
	}
	res := m.Execute(ctx, op, fastOpts("tenant-1"), nil)
	if res.Success {
		t.Fatal("Expected failure")
	}

	var span *domain.Span
	for len(ch) > 0 {
		ev := <-ch
		if se, ok := ev.(domain.SpanCompletedEvent); ok {
			span = se.Span
		}
	}
	if span == nil {
		t.Fatal("Expected a span event")
	}
	if span.Status != domain.SpanFailed {
		t.Errorf("Expected failed span, got %s", span.Status)
	}
	if span.ErrorCode == "" {
		t.Error("Expected error code on failed span")
	}
}

func TestExecutePreemptsForecastDegradation(t *testing.T) {
	ctx := context.Background()
	s := memory.New(100)
	bus := events.NewBus(64)
	b := breaker.New(s, bus, breaker.Config{FailureThreshold: 100})
	e := retry.NewEngine(classify.New(), b, s, bus, retry.Config{})
	m := New(b, e, s, bus)

	// Feed the primary's window a hard degradation trend without tripping
	// the circuit.
	opts := fastOpts("tenant-1")
	key := m.key(opts, opts.Provider)
	for i := 0; i < 5; i++ {
		b.RecordSuccess(ctx, key, time.Millisecond)
	}
	nerr := &domain.NormalizedError{Category: domain.CategoryServer, Severity: domain.SeverityHigh, Message: "server error"}
	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx, key, nerr, time.Millisecond)
	}

	opts.FallbackProviders = []string{"notion"}
	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	}

	res := m.Execute(ctx, op, opts, nil)
	if !res.Success {
		t.Fatalf("Expected fallback success, got %v", res.Error)
	}
	if res.Metrics.ProviderUsed != "notion" {
		t.Errorf("Expected preemptive routing to notion, got %s", res.Metrics.ProviderUsed)
	}
	if !res.Metrics.FromFallback {
		t.Error("Expected FromFallback=true on preemption")
	}

	// Preemption writes a degradation anomaly.
	logs, err := m.GetAnomalies(ctx, "tenant-1", time.Time{})
	if err != nil {
		t.Fatalf("GetAnomalies: %v", err)
	}
	found := false
	for _, a := range logs {
		if a.Type == domain.AnomalyDegradation {
			found = true
		}
	}
	if !found {
		t.Error("Expected a degradation anomaly log")
	}
}

func TestManagerCircuitOps(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(breaker.Config{FailureThreshold: 1, OpenDuration: time.Minute})

	failing := func(ctx context.Context) (any, error) {
		return nil, errors.New("connection refused")
	}
	m.Execute(ctx, failing, fastOpts("tenant-1"), nil)

	key := domain.CircuitKey{Provider: "airtable", TenantID: "tenant-1"}
	st, err := m.GetCircuitState(ctx, key)
	if err != nil {
		t.Fatalf("GetCircuitState: %v", err)
	}
	if st.State != domain.CircuitOpen {
		t.Fatalf("Expected open circuit, got %s", st.State)
	}

	if err := m.ResetCircuit(ctx, key); err != nil {
		t.Fatalf("ResetCircuit: %v", err)
	}
	st, _ = m.GetCircuitState(ctx, key)
	if st.State != domain.CircuitClosed {
		t.Errorf("Expected closed after reset, got %s", st.State)
	}

	health := m.GetProviderHealth(key)
	if health == nil {
		t.Fatal("Expected a health score")
	}
}
