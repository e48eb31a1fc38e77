package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/bastion/internal/core/domain"
	"github.com/vietddude/bastion/internal/store"
)

// PostgresStore implements store.Store on PostgreSQL.
type PostgresStore struct {
	db        *DB
	budgetCap int
}

// NewStore creates a Postgres-backed store. budgetCap seeds unseen tenants.
func NewStore(db *DB, budgetCap int) *PostgresStore {
	if budgetCap <= 0 {
		budgetCap = 100
	}
	return &PostgresStore{db: db, budgetCap: budgetCap}
}

var _ store.Store = (*PostgresStore)(nil)

// -----------------------------------------------------------------------------
// Circuit state
// -----------------------------------------------------------------------------

type circuitRow struct {
	Key            string       `db:"key"`
	State          string       `db:"state"`
	Failures       int          `db:"failures"`
	Successes      int          `db:"successes"`
	LastFailure    sql.NullTime `db:"last_failure"`
	LastSuccess    sql.NullTime `db:"last_success"`
	OpenedAt       sql.NullTime `db:"opened_at"`
	HalfOpenAt     sql.NullTime `db:"half_open_at"`
	CooldownEndsAt sql.NullTime `db:"cooldown_ends_at"`
	Version        int64        `db:"version"`
}

func (r circuitRow) toDomain() *domain.CircuitBreakerState {
	return &domain.CircuitBreakerState{
		State:          domain.CircuitState(r.State),
		Failures:       r.Failures,
		Successes:      r.Successes,
		LastFailure:    r.LastFailure.Time,
		LastSuccess:    r.LastSuccess.Time,
		OpenedAt:       r.OpenedAt.Time,
		HalfOpenAt:     r.HalfOpenAt.Time,
		CooldownEndsAt: r.CooldownEndsAt.Time,
		Version:        r.Version,
	}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *PostgresStore) GetCircuitState(ctx context.Context, key string) (*domain.CircuitBreakerState, error) {
	var row circuitRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM circuit_states WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get circuit state: %w", err)
	}
	return row.toDomain(), nil
}

func (s *PostgresStore) SetCircuitState(ctx context.Context, key string, st *domain.CircuitBreakerState) error {
	_, err := s.UpdateCircuitState(ctx, key, func(cur *domain.CircuitBreakerState) error {
		v := cur.Version
		*cur = *st
		cur.Version = v
		return nil
	})
	return err
}

// casRetries bounds the optimistic-lock retry loop on circuit writes.
const casRetries = 8

func (s *PostgresStore) UpdateCircuitState(ctx context.Context, key string, fn func(st *domain.CircuitBreakerState) error) (*domain.CircuitBreakerState, error) {
	for i := 0; i < casRetries; i++ {
		cur, err := s.GetCircuitState(ctx, key)
		if err != nil {
			return nil, err
		}

		var work domain.CircuitBreakerState
		var expected int64
		if cur != nil {
			work = *cur
			expected = cur.Version
		} else {
			work = *domain.NewCircuitBreakerState()
		}

		if err := fn(&work); err != nil {
			return nil, err
		}
		work.Version = expected + 1

		var res sql.Result
		if cur == nil {
			res, err = s.db.ExecContext(ctx, `
				INSERT INTO circuit_states
					(key, state, failures, successes, last_failure, last_success, opened_at, half_open_at, cooldown_ends_at, version)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (key) DO NOTHING`,
				key, work.State, work.Failures, work.Successes,
				nullTime(work.LastFailure), nullTime(work.LastSuccess),
				nullTime(work.OpenedAt), nullTime(work.HalfOpenAt), nullTime(work.CooldownEndsAt),
				work.Version,
			)
		} else {
			res, err = s.db.ExecContext(ctx, `
				UPDATE circuit_states SET
					state = $2, failures = $3, successes = $4,
					last_failure = $5, last_success = $6,
					opened_at = $7, half_open_at = $8, cooldown_ends_at = $9,
					version = $10
				WHERE key = $1 AND version = $11`,
				key, work.State, work.Failures, work.Successes,
				nullTime(work.LastFailure), nullTime(work.LastSuccess),
				nullTime(work.OpenedAt), nullTime(work.HalfOpenAt), nullTime(work.CooldownEndsAt),
				work.Version, expected,
			)
		}
		if err != nil {
			return nil, fmt.Errorf("write circuit state: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if affected == 1 {
			return &work, nil
		}
		// Lost the race; reread and retry.
	}
	return nil, fmt.Errorf("update circuit state %s: %w", key, store.ErrVersionConflict)
}

// -----------------------------------------------------------------------------
// Health scores
// -----------------------------------------------------------------------------

func (s *PostgresStore) GetHealthScore(ctx context.Context, provider, tenantID string) (*domain.ProviderHealthScore, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data,
		`SELECT score FROM health_scores WHERE provider = $1 AND tenant_id = $2`, provider, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get health score: %w", err)
	}
	var h domain.ProviderHealthScore
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("unmarshal health score: %w", err)
	}
	return &h, nil
}

func (s *PostgresStore) SetHealthScore(ctx context.Context, score *domain.ProviderHealthScore) error {
	data, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("marshal health score: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO health_scores (provider, tenant_id, score, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (provider, tenant_id) DO UPDATE SET score = $3, updated_at = NOW()`,
		score.Provider, score.TenantID, data,
	)
	if err != nil {
		return fmt.Errorf("set health score: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Retry budgets
// -----------------------------------------------------------------------------

func (s *PostgresStore) GetRetryBudget(ctx context.Context, tenantID string) (int, error) {
	return s.IncrementRetryBudget(ctx, tenantID, 0)
}

func (s *PostgresStore) IncrementRetryBudget(ctx context.Context, tenantID string, delta int) (int, error) {
	var remaining int
	err := s.db.GetContext(ctx, &remaining, `
		INSERT INTO retry_budgets (tenant_id, remaining)
		VALUES ($1, GREATEST(0, $2 + $3))
		ON CONFLICT (tenant_id) DO UPDATE SET
			remaining = GREATEST(0, retry_budgets.remaining + $3),
			updated_at = NOW()
		RETURNING remaining`,
		tenantID, s.budgetCap, delta,
	)
	if err != nil {
		return 0, fmt.Errorf("adjust retry budget: %w", err)
	}
	return remaining, nil
}

func (s *PostgresStore) ReplenishBudgets(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE retry_budgets SET remaining = $1, updated_at = NOW()`, s.budgetCap)
	if err != nil {
		return fmt.Errorf("replenish budgets: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Dead-letter queue
// -----------------------------------------------------------------------------

type dlqRow struct {
	ID              string         `db:"id"`
	TenantID        string         `db:"tenant_id"`
	Provider        string         `db:"provider"`
	Engine          sql.NullString `db:"engine"`
	Operation       string         `db:"operation"`
	Resource        sql.NullString `db:"resource"`
	Payload         []byte         `db:"payload"`
	PayloadChecksum sql.NullString `db:"payload_checksum"`
	Error           []byte         `db:"error"`
	RetryContext    []byte         `db:"retry_context"`
	CreatedAt       time.Time      `db:"created_at"`
	ExpiresAt       time.Time      `db:"expires_at"`
	Status          string         `db:"status"`
}

func (r dlqRow) toDomain() (*domain.DLQEntry, error) {
	entry := &domain.DLQEntry{
		ID:              r.ID,
		TenantID:        r.TenantID,
		Provider:        r.Provider,
		Engine:          r.Engine.String,
		Operation:       r.Operation,
		Resource:        r.Resource.String,
		Payload:         r.Payload,
		PayloadChecksum: r.PayloadChecksum.String,
		CreatedAt:       r.CreatedAt,
		ExpiresAt:       r.ExpiresAt,
		Status:          domain.DLQStatus(r.Status),
	}
	if len(r.Error) > 0 {
		if err := json.Unmarshal(r.Error, &entry.Error); err != nil {
			return nil, fmt.Errorf("unmarshal dlq error: %w", err)
		}
	}
	if len(r.RetryContext) > 0 {
		if err := json.Unmarshal(r.RetryContext, &entry.RetryContext); err != nil {
			return nil, fmt.Errorf("unmarshal dlq retry context: %w", err)
		}
	}
	return entry, nil
}

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry *domain.DLQEntry) error {
	errJSON, err := json.Marshal(entry.Error)
	if err != nil {
		return fmt.Errorf("marshal dlq error: %w", err)
	}
	var rctxJSON []byte
	if entry.RetryContext != nil {
		rctxJSON, err = json.Marshal(entry.RetryContext)
		if err != nil {
			return fmt.Errorf("marshal dlq retry context: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dlq_entries
			(id, tenant_id, provider, engine, operation, resource, payload, payload_checksum, error, retry_context, created_at, expires_at, status)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9, $10, $11, $12, $13)`,
		entry.ID, entry.TenantID, entry.Provider, entry.Engine, entry.Operation, entry.Resource,
		entry.Payload, entry.PayloadChecksum, errJSON, rctxJSON,
		entry.CreatedAt, entry.ExpiresAt, entry.Status,
	)
	if err != nil {
		return fmt.Errorf("enqueue dlq entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, tenantID string) (*domain.DLQEntry, error) {
	var row dlqRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE dlq_entries SET status = 'retrying'
		WHERE id = (
			SELECT id FROM dlq_entries
			WHERE tenant_id = $1 AND status = 'pending'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue dlq entry: %w", err)
	}
	return row.toDomain()
}

func (s *PostgresStore) ListDLQ(ctx context.Context, tenantID string, status domain.DLQStatus, limit int) ([]*domain.DLQEntry, error) {
	query := `SELECT * FROM dlq_entries WHERE tenant_id = $1`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	var rows []dlqRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list dlq entries: %w", err)
	}

	out := make([]*domain.DLQEntry, 0, len(rows))
	for _, r := range rows {
		entry, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *PostgresStore) UpdateDLQStatus(ctx context.Context, id string, status domain.DLQStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dlq_entries SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update dlq status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ExpireDLQ(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dlq_entries SET status = 'expired' WHERE status = 'pending' AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire dlq entries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

// -----------------------------------------------------------------------------
// Anomaly journal
// -----------------------------------------------------------------------------

func (s *PostgresStore) LogAnomaly(ctx context.Context, a *domain.AnomalyLog) error {
	var metadata []byte
	if a.Metadata != nil {
		var err error
		metadata, err = json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("marshal anomaly metadata: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomaly_logs (id, tenant_id, provider, type, severity, message, metadata, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.TenantID, a.Provider, a.Type, a.Severity, a.Message, metadata, a.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("log anomaly: %w", err)
	}
	return nil
}

type anomalyRow struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	Provider   string    `db:"provider"`
	Type       string    `db:"type"`
	Severity   string    `db:"severity"`
	Message    string    `db:"message"`
	Metadata   []byte    `db:"metadata"`
	DetectedAt time.Time `db:"detected_at"`
}

func (s *PostgresStore) GetAnomalies(ctx context.Context, tenantID string, since time.Time) ([]*domain.AnomalyLog, error) {
	var rows []anomalyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM anomaly_logs
		WHERE tenant_id = $1 AND detected_at >= $2
		ORDER BY detected_at ASC`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("get anomalies: %w", err)
	}

	out := make([]*domain.AnomalyLog, 0, len(rows))
	for _, r := range rows {
		a := &domain.AnomalyLog{
			ID:         r.ID,
			TenantID:   r.TenantID,
			Provider:   r.Provider,
			Type:       domain.AnomalyType(r.Type),
			Severity:   domain.Severity(r.Severity),
			Message:    r.Message,
			DetectedAt: r.DetectedAt,
		}
		if len(r.Metadata) > 0 {
			if err := json.Unmarshal(r.Metadata, &a.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal anomaly metadata: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, nil
}
