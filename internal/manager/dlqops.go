package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/bastion/internal/core/domain"
	"github.com/vietddude/bastion/internal/observe/metrics"
)

// ReplayExecutor re-runs one dead-lettered operation. Supplied by the caller;
// it receives the stored payload and lineage.
type ReplayExecutor func(ctx context.Context, entry *domain.DLQEntry) error

// ListDLQ returns up to limit entries for a tenant, oldest first.
func (m *Manager) ListDLQ(ctx context.Context, tenantID string, status domain.DLQStatus, limit int) ([]*domain.DLQEntry, error) {
	return m.store.ListDLQ(ctx, tenantID, status, limit)
}

// GetDLQStats summarizes a tenant's dead-letter queue.
func (m *Manager) GetDLQStats(ctx context.Context, tenantID string) (*domain.DLQStats, error) {
	entries, err := m.store.ListDLQ(ctx, tenantID, "", 0)
	if err != nil {
		return nil, fmt.Errorf("list dlq for %s: %w", tenantID, err)
	}

	stats := &domain.DLQStats{
		TenantID:   tenantID,
		Total:      len(entries),
		ByStatus:   make(map[domain.DLQStatus]int),
		ByProvider: make(map[string]int),
	}
	for _, e := range entries {
		stats.ByStatus[e.Status]++
		stats.ByProvider[e.Provider]++
		if stats.OldestAt.IsZero() || e.CreatedAt.Before(stats.OldestAt) {
			stats.OldestAt = e.CreatedAt
		}
	}
	return stats, nil
}

// RetryDLQ replays up to n pending entries for a tenant through exec.
// Successful replays are marked resolved; failures return to pending for a
// later pass. Returns how many entries were resolved.
func (m *Manager) RetryDLQ(ctx context.Context, tenantID string, n int, exec ReplayExecutor) (int, error) {
	if n <= 0 {
		n = 10
	}

	resolved := 0
	for i := 0; i < n; i++ {
		entry, err := m.store.DequeueDLQ(ctx, tenantID)
		if err != nil {
			return resolved, fmt.Errorf("dequeue dlq for %s: %w", tenantID, err)
		}
		if entry == nil {
			break
		}

		if time.Now().After(entry.ExpiresAt) {
			if err := m.store.UpdateDLQStatus(ctx, entry.ID, domain.DLQExpired); err != nil {
				slog.Warn("failed to expire dlq entry", "id", entry.ID, "error", err)
			}
			continue
		}

		if err := exec(ctx, entry); err != nil {
			slog.Info("dlq replay failed", "id", entry.ID, "tenant", tenantID, "error", err)
			metrics.DLQReplayedTotal.WithLabelValues("failed").Inc()
			if uerr := m.store.UpdateDLQStatus(ctx, entry.ID, domain.DLQPending); uerr != nil {
				slog.Warn("failed to return dlq entry to pending", "id", entry.ID, "error", uerr)
			}
			continue
		}

		if err := m.store.UpdateDLQStatus(ctx, entry.ID, domain.DLQResolved); err != nil {
			slog.Warn("failed to mark dlq entry resolved", "id", entry.ID, "error", err)
			continue
		}
		metrics.DLQReplayedTotal.WithLabelValues("resolved").Inc()
		resolved++
	}
	return resolved, nil
}

// DiscardDLQ marks one entry discarded.
func (m *Manager) DiscardDLQ(ctx context.Context, id string) error {
	return m.store.UpdateDLQStatus(ctx, id, domain.DLQDiscarded)
}
