package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/bastion/internal/store"
)

// Replenisher restores every tenant's retry budget to the cap on a fixed
// schedule.
type Replenisher struct {
	budgets  store.BudgetRepository
	interval time.Duration
}

// NewReplenisher creates a Replenisher; interval defaults to one minute.
func NewReplenisher(budgets store.BudgetRepository, interval time.Duration) *Replenisher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Replenisher{budgets: budgets, interval: interval}
}

// Start runs the replenish loop until ctx is cancelled.
func (r *Replenisher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.budgets.ReplenishBudgets(ctx); err != nil {
				slog.Error("budget replenish failed", "error", err)
			}
		}
	}
}
