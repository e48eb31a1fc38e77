package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/bastion/internal/core/domain"
	"github.com/vietddude/bastion/internal/store"
)

// casRetries bounds the optimistic-lock retry loop on circuit writes.
const casRetries = 8

// RedisStore implements store.Store on Redis.
type RedisStore struct {
	rdb       *redis.Client
	budgetCap int
}

// NewStore creates a Redis-backed store. budgetCap seeds unseen tenants.
func NewStore(client *Client, budgetCap int) *RedisStore {
	if budgetCap <= 0 {
		budgetCap = 100
	}
	return &RedisStore{rdb: client.rdb, budgetCap: budgetCap}
}

var _ store.Store = (*RedisStore)(nil)

// Key helpers
func circuitKey(key string) string       { return "bastion:circuit:" + key }
func healthKey(p, t string) string       { return "bastion:health:" + p + ":" + t }
func budgetKey(tenant string) string     { return "bastion:budget:" + tenant }
func dlqKey(id string) string            { return "bastion:dlq:" + id }
func dlqIndexKey(tenant string) string   { return "bastion:dlq_index:" + tenant }
func dlqPendingKey(tenant string) string { return "bastion:dlq_pending:" + tenant }
func anomalyKey(tenant string) string    { return "bastion:anomaly:" + tenant }

const (
	budgetTenantsKey = "bastion:budget_tenants"
	dlqExpiryKey     = "bastion:dlq_expiry"
)

// -----------------------------------------------------------------------------
// Circuit state
// -----------------------------------------------------------------------------

func (s *RedisStore) GetCircuitState(ctx context.Context, key string) (*domain.CircuitBreakerState, error) {
	data, err := s.rdb.Get(ctx, circuitKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get circuit state: %w", err)
	}
	var st domain.CircuitBreakerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal circuit state: %w", err)
	}
	return &st, nil
}

func (s *RedisStore) SetCircuitState(ctx context.Context, key string, st *domain.CircuitBreakerState) error {
	_, err := s.UpdateCircuitState(ctx, key, func(cur *domain.CircuitBreakerState) error {
		v := cur.Version
		*cur = *st
		cur.Version = v
		return nil
	})
	return err
}

func (s *RedisStore) UpdateCircuitState(ctx context.Context, key string, fn func(st *domain.CircuitBreakerState) error) (*domain.CircuitBreakerState, error) {
	rkey := circuitKey(key)
	var out *domain.CircuitBreakerState

	txn := func(tx *redis.Tx) error {
		var work domain.CircuitBreakerState
		data, err := tx.Get(ctx, rkey).Bytes()
		switch {
		case err == redis.Nil:
			work = *domain.NewCircuitBreakerState()
		case err != nil:
			return fmt.Errorf("get circuit state: %w", err)
		default:
			if err := json.Unmarshal(data, &work); err != nil {
				return fmt.Errorf("unmarshal circuit state: %w", err)
			}
		}

		if err := fn(&work); err != nil {
			return err
		}
		work.Version++

		next, err := json.Marshal(&work)
		if err != nil {
			return fmt.Errorf("marshal circuit state: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, next, 0)
			return nil
		})
		if err != nil {
			return err
		}
		out = &work
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := s.rdb.Watch(ctx, txn, rkey)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update circuit state %s: %w", key, store.ErrVersionConflict)
}

// -----------------------------------------------------------------------------
// Health scores
// -----------------------------------------------------------------------------

func (s *RedisStore) GetHealthScore(ctx context.Context, provider, tenantID string) (*domain.ProviderHealthScore, error) {
	data, err := s.rdb.Get(ctx, healthKey(provider, tenantID)).Bytes()
	if err == redis.Nil {
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

func (s *RedisStore) SetHealthScore(ctx context.Context, score *domain.ProviderHealthScore) error {
	data, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("marshal health score: %w", err)
	}
	// Scores are derived; a short TTL keeps stale providers from lingering.
	if err := s.rdb.Set(ctx, healthKey(score.Provider, score.TenantID), data, 10*time.Minute).Err(); err != nil {
		return fmt.Errorf("set health score: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Retry budgets
// -----------------------------------------------------------------------------

// budgetScript seeds absent tenants with the cap, applies the delta and
// clamps at zero, all atomically.
var budgetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('SET', KEYS[1], ARGV[2])
end
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if v < 0 then
  redis.call('SET', KEYS[1], 0)
  v = 0
end
return v
`)

func (s *RedisStore) GetRetryBudget(ctx context.Context, tenantID string) (int, error) {
	n, err := s.IncrementRetryBudget(ctx, tenantID, 0)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *RedisStore) IncrementRetryBudget(ctx context.Context, tenantID string, delta int) (int, error) {
	if err := s.rdb.SAdd(ctx, budgetTenantsKey, tenantID).Err(); err != nil {
		return 0, fmt.Errorf("track budget tenant: %w", err)
	}
	v, err := budgetScript.Run(ctx, s.rdb, []string{budgetKey(tenantID)}, delta, s.budgetCap).Int()
	if err != nil {
		return 0, fmt.Errorf("adjust retry budget: %w", err)
	}
	return v, nil
}

func (s *RedisStore) ReplenishBudgets(ctx context.Context) error {
	tenants, err := s.rdb.SMembers(ctx, budgetTenantsKey).Result()
	if err != nil {
		return fmt.Errorf("list budget tenants: %w", err)
	}
	for _, tenant := range tenants {
		if err := s.rdb.Set(ctx, budgetKey(tenant), s.budgetCap, 0).Err(); err != nil {
			return fmt.Errorf("replenish budget for %s: %w", tenant, err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Dead-letter queue
// -----------------------------------------------------------------------------

func (s *RedisStore) EnqueueDLQ(ctx context.Context, entry *domain.DLQEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	ttl := time.Until(entry.ExpiresAt) + 24*time.Hour
	if err := s.rdb.Set(ctx, dlqKey(entry.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set dlq entry: %w", err)
	}

	score := float64(entry.CreatedAt.UnixMilli())
	if err := s.rdb.ZAdd(ctx, dlqIndexKey(entry.TenantID), redis.Z{Score: score, Member: entry.ID}).Err(); err != nil {
		return fmt.Errorf("index dlq entry: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, dlqPendingKey(entry.TenantID), redis.Z{Score: score, Member: entry.ID}).Err(); err != nil {
		return fmt.Errorf("index pending dlq entry: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, dlqExpiryKey, redis.Z{
		Score:  float64(entry.ExpiresAt.Unix()),
		Member: entry.TenantID + "|" + entry.ID,
	}).Err(); err != nil {
		return fmt.Errorf("index dlq expiry: %w", err)
	}
	return nil
}

func (s *RedisStore) DequeueDLQ(ctx context.Context, tenantID string) (*domain.DLQEntry, error) {
	ids, err := s.rdb.ZRange(ctx, dlqPendingKey(tenantID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange pending dlq: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	id := ids[0]

	entry, err := s.getDLQ(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		// Entry expired out from under its index.
		s.rdb.ZRem(ctx, dlqPendingKey(tenantID), id)
		return nil, nil
	}

	entry.Status = domain.DLQRetrying
	if err := s.putDLQ(ctx, entry); err != nil {
		return nil, err
	}
	if err := s.rdb.ZRem(ctx, dlqPendingKey(tenantID), id).Err(); err != nil {
		return nil, fmt.Errorf("zrem pending dlq: %w", err)
	}
	return entry, nil
}

func (s *RedisStore) ListDLQ(ctx context.Context, tenantID string, status domain.DLQStatus, limit int) ([]*domain.DLQEntry, error) {
	ids, err := s.rdb.ZRange(ctx, dlqIndexKey(tenantID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange dlq index: %w", err)
	}

	entries := make([]*domain.DLQEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.getDLQ(ctx, id)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			s.rdb.ZRem(ctx, dlqIndexKey(tenantID), id)
			continue
		}
		if status != "" && entry.Status != status {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func (s *RedisStore) UpdateDLQStatus(ctx context.Context, id string, status domain.DLQStatus) error {
	entry, err := s.getDLQ(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return store.ErrNotFound
	}

	entry.Status = status
	if err := s.putDLQ(ctx, entry); err != nil {
		return err
	}

	pending := dlqPendingKey(entry.TenantID)
	score := float64(entry.CreatedAt.UnixMilli())
	if status == domain.DLQPending {
		return s.rdb.ZAdd(ctx, pending, redis.Z{Score: score, Member: id}).Err()
	}
	return s.rdb.ZRem(ctx, pending, id).Err()
}

func (s *RedisStore) ExpireDLQ(ctx context.Context, cutoff time.Time) (int, error) {
	members, err := s.rdb.ZRangeByScore(ctx, dlqExpiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore dlq expiry: %w", err)
	}

	var n int
	for _, member := range members {
		tenantID, id, ok := splitExpiryMember(member)
		if !ok {
			s.rdb.ZRem(ctx, dlqExpiryKey, member)
			continue
		}
		entry, err := s.getDLQ(ctx, id)
		if err != nil {
			return n, err
		}
		if entry != nil && entry.Status == domain.DLQPending {
			entry.Status = domain.DLQExpired
			if err := s.putDLQ(ctx, entry); err != nil {
				return n, err
			}
			n++
		}
		s.rdb.ZRem(ctx, dlqPendingKey(tenantID), id)
		s.rdb.ZRem(ctx, dlqExpiryKey, member)
	}
	return n, nil
}

func (s *RedisStore) getDLQ(ctx context.Context, id string) (*domain.DLQEntry, error) {
	data, err := s.rdb.Get(ctx, dlqKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dlq entry: %w", err)
	}
	var entry domain.DLQEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal dlq entry: %w", err)
	}
	return &entry, nil
}

func (s *RedisStore) putDLQ(ctx context.Context, entry *domain.DLQEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	ttl := time.Until(entry.ExpiresAt) + 24*time.Hour
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := s.rdb.Set(ctx, dlqKey(entry.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set dlq entry: %w", err)
	}
	return nil
}

func splitExpiryMember(member string) (tenantID, id string, ok bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == '|' {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}

// -----------------------------------------------------------------------------
// Anomaly journal
// -----------------------------------------------------------------------------

func (s *RedisStore) LogAnomaly(ctx context.Context, a *domain.AnomalyLog) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal anomaly: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, anomalyKey(a.TenantID), redis.Z{
		Score:  float64(a.DetectedAt.UnixMilli()),
		Member: data,
	}).Err(); err != nil {
		return fmt.Errorf("zadd anomaly: %w", err)
	}
	return nil
}

func (s *RedisStore) GetAnomalies(ctx context.Context, tenantID string, since time.Time) ([]*domain.AnomalyLog, error) {
	members, err := s.rdb.ZRangeByScore(ctx, anomalyKey(tenantID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore anomalies: %w", err)
	}

	out := make([]*domain.AnomalyLog, 0, len(members))
	for _, m := range members {
		var a domain.AnomalyLog
		if err := json.Unmarshal([]byte(m), &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}
