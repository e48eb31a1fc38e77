package worker

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/bastion/internal/core/domain"
	"github.com/vietddude/bastion/internal/store/memory"
)

func TestExpirerSweepsOnStart(t *testing.T) {
	s := memory.New(100)
	old := time.Now().Add(-8 * 24 * time.Hour)
	s.EnqueueDLQ(context.Background(), &domain.DLQEntry{
		ID:        "stale",
		TenantID:  "tenant-1",
		Provider:  "airtable",
		Status:    domain.DLQPending,
		CreatedAt: old,
		ExpiresAt: old.Add(domain.DLQRetention),
	})

	ctx, cancel := context.WithCancel(context.Background())
	e := NewExpirer(s, time.Hour)

	done := make(chan struct{})
	go func() {
		e.Start(ctx)
		close(done)
	}()

	// The initial sweep runs before the first tick.
	deadline := time.After(time.Second)
	for {
		expired, _ := s.ListDLQ(context.Background(), "tenant-1", domain.DLQExpired, 1)
		if len(expired) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Initial sweep did not expire the stale entry")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expirer did not stop on cancellation")
	}
}

func TestReplenisherRestoresBudgets(t *testing.T) {
	s := memory.New(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.GetRetryBudget(ctx, "tenant-1")
	s.IncrementRetryBudget(ctx, "tenant-1", -7)

	r := NewReplenisher(s, 10*time.Millisecond)
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		b, _ := s.GetRetryBudget(ctx, "tenant-1")
		if b == 10 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Budget not replenished, still %d", b)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Replenisher did not stop on cancellation")
	}
}

func TestWorkerIntervalDefaults(t *testing.T) {
	e := NewExpirer(memory.New(100), 0)
	if e.interval != time.Hour {
		t.Errorf("Expected 1h default, got %s", e.interval)
	}
	r := NewReplenisher(memory.New(100), -time.Second)
	if r.interval != time.Minute {
		t.Errorf("Expected 1m default, got %s", r.interval)
	}
}
