package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/vietddude/bastion/internal/breaker"
	"github.com/vietddude/bastion/internal/classify"
	"github.com/vietddude/bastion/internal/core/domain"
	"github.com/vietddude/bastion/internal/events"
	"github.com/vietddude/bastion/internal/manager"
	"github.com/vietddude/bastion/internal/retry"
	"github.com/vietddude/bastion/internal/store/memory"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found")
	}

	ctx := context.Background()

	// 1. Wire the stack on the in-memory store
	s := memory.New(100)
	bus := events.NewBus(64)
	b := breaker.New(s, bus, breaker.Config{
		FailureThreshold: 3,
		OpenDuration:     5 * time.Second,
	})
	engine := retry.NewEngine(classify.New(), b, s, bus, retry.Config{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
	})
	m := manager.New(b, engine, s, bus)

	// 2. Watch circuit transitions as they happen
	ch, cancel := bus.Subscribe()
	defer cancel()
	go func() {
		for ev := range ch {
			if tr, ok := ev.(domain.CircuitTransitionEvent); ok {
				fmt.Printf("🔄 Circuit %s: %s -> %s\n", tr.Key, tr.From, tr.To)
			}
		}
	}()

	// 3. Simulate a primary provider that degrades, with a healthy fallback
	calls := 0
	flaky := func(ctx context.Context) (any, error) {
		calls++
		if calls > 2 {
			return nil, errors.New("503 service unavailable")
		}
		return fmt.Sprintf("record-%d", calls), nil
	}

	opts := manager.ExecutionOptions{
		TenantID:          "demo-tenant",
		Provider:          "airtable",
		Operation:         "list_records",
		FallbackProviders: []string{"notion"},
		Retry:             retry.Config{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond},
	}

	fmt.Println("=== Executing through the resilience layer ===")
	for i := 0; i < 6; i++ {
		res := m.Execute(ctx, flaky, opts, []byte(fmt.Sprintf(`{"call":%d}`, i+1)))
		if res.Success {
			fmt.Printf("Call %d: ok via %s (attempts=%d, fallback=%v)\n",
				i+1, res.Metrics.ProviderUsed, res.Metrics.Attempts, res.Metrics.FromFallback)
		} else {
			fmt.Printf("Call %d: failed [%s] %s\n", i+1, res.Error.Category, res.Error.Message)
		}
		time.Sleep(100 * time.Millisecond)
	}

	// 4. Inspect the derived health score
	fmt.Println()
	fmt.Println("=== Provider health ===")
	key := domain.CircuitKey{Provider: "airtable", TenantID: "demo-tenant"}
	health := m.GetProviderHealth(key)
	fmt.Printf("airtable: score=%.1f status=%s action=%s (samples=%d)\n",
		health.Score, health.Status, health.RecommendedAction, health.Metrics.SampleCount)

	// 5. Show what landed in the dead-letter queue
	stats, err := m.GetDLQStats(ctx, "demo-tenant")
	if err != nil {
		log.Fatalf("dlq stats: %v", err)
	}
	fmt.Printf("DLQ: %d entries, by status %v\n", stats.Total, stats.ByStatus)
}
