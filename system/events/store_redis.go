package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	fabricerrors "github.com/veritasec/trustfabric/infrastructure/errors"
)

// redisIndexKey is the sorted-set index of storage keys scored by envelope
// timestamp, used to answer history queries in order.
const redisIndexKey = "trustfabric:events:index"

// RedisStoreConfig configures the broker-backed event store.
type RedisStoreConfig struct {
	Client     redis.UniversalClient
	DefaultTTL time.Duration
	MaxEvents  int
}

// RedisStore persists envelopes under {source}:event:{event_id} keys with
// per-key TTL, plus a timestamp index for replay queries.
type RedisStore struct {
	client     redis.UniversalClient
	defaultTTL time.Duration
	maxEvents  int
}

// NewRedisStore creates a store over an existing Redis client.
func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 10000
	}
	return &RedisStore{
		client:     cfg.Client,
		defaultTTL: cfg.DefaultTTL,
		maxEvents:  cfg.MaxEvents,
	}
}

// Persist stores the envelope and indexes it by timestamp. The oldest index
// entries beyond the cap are trimmed.
func (s *RedisStore) Persist(ctx context.Context, e *Envelope, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fabricerrors.StorageFailed("persist", err)
	}

	key := StorageKey(e.Source, e.EventID)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, raw, ttl)
	pipe.ZAdd(ctx, redisIndexKey, redis.Z{
		Score:  float64(e.Timestamp.UnixNano()),
		Member: key,
	})
	// Keep the index bounded: drop the oldest entries beyond the cap.
	pipe.ZRemRangeByRank(ctx, redisIndexKey, 0, int64(-s.maxEvents-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fabricerrors.StorageFailed("persist", err)
	}
	return nil
}

// History reads the index in timestamp order and resolves live keys. Keys
// whose TTL has expired are pruned from the index as they are encountered.
func (s *RedisStore) History(ctx context.Context, f HistoryFilter) ([]*Envelope, error) {
	min, max := "-inf", "+inf"
	if !f.From.IsZero() {
		min = formatScore(f.From)
	}
	if !f.To.IsZero() {
		max = formatScore(f.To)
	}

	keys, err := s.client.ZRangeByScore(ctx, redisIndexKey, &redis.ZRangeBy{
		Min: min,
		Max: max,
	}).Result()
	if err != nil {
		return nil, fabricerrors.StorageFailed("history", err)
	}
	if len(keys) == 0 {
		return []*Envelope{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fabricerrors.StorageFailed("history", err)
	}

	limit := f.limit()
	out := make([]*Envelope, 0, len(values))
	var stale []interface{}

	for i, v := range values {
		if v == nil {
			stale = append(stale, keys[i])
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e Envelope
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if !f.matches(&e) {
			continue
		}
		out = append(out, &e)
		if len(out) >= limit {
			break
		}
	}

	if len(stale) > 0 {
		s.client.ZRem(ctx, redisIndexKey, stale...)
	}

	return out, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

// Compile-time interface check
var _ EventStore = (*RedisStore)(nil)
