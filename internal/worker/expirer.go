// Package worker holds the background loops: dead-letter expiry and retry
// budget replenishment.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/bastion/internal/store"
)

// Expirer marks dead-letter entries past their TTL as expired.
type Expirer struct {
	dlq      store.DLQRepository
	interval time.Duration
}

// NewExpirer creates an Expirer; interval defaults to one hour.
func NewExpirer(dlq store.DLQRepository, interval time.Duration) *Expirer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Expirer{dlq: dlq, interval: interval}
}

// Start runs the expiry loop until ctx is cancelled.
func (e *Expirer) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Expirer) sweep(ctx context.Context) {
	n, err := e.dlq.ExpireDLQ(ctx, time.Now())
	if err != nil {
		slog.Error("dlq expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("expired dlq entries", "count", n)
	}
}
