package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "dispatch"
	maxTxRetries     = 5
	getAllChunk      = 200
)

// RedisOption customises a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisClock overrides the clock used for timestamps and pruning.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithKeyPrefix namespaces every key written by the store.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

// RedisStore persists records as JSON strings and indexes them in a sorted
// set scored by LastAttemptAt so pruning never scans the keyspace.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("tracking: redis client is nil")
	}
	s := &RedisStore{
		client: client,
		prefix: defaultKeyPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *RedisStore) recordKey(id string) string { return s.prefix + ":record:" + id }
func (s *RedisStore) indexKey() string           { return s.prefix + ":records" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// Create stores a new record.
func (s *RedisStore) Create(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("tracking: record id is required")
	}
	rec = prepare(rec, s.now())
	if !rec.Status.Valid() {
		return fmt.Errorf("tracking: unknown status %q", rec.Status)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("tracking: encode record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.recordKey(rec.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("tracking: redis setnx: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.ID)
	}
	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: score(rec.LastAttemptAt), Member: rec.ID}).Err(); err != nil {
		return fmt.Errorf("tracking: redis zadd: %w", err)
	}
	return nil
}

// Update applies u inside an optimistic WATCH transaction, retrying when a
// concurrent writer touched the same key.
func (s *RedisStore) Update(ctx context.Context, id string, u Update) (Record, error) {
	key := s.recordKey(id)
	var out Record

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("tracking: redis get: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("tracking: decode record %s: %w", id, err)
		}
		if err := u.Apply(&rec, s.now()); err != nil {
			return err
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("tracking: encode record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: score(rec.LastAttemptAt), Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Record{}, err
	}
	return Record{}, fmt.Errorf("tracking: update %s: too much contention", id)
}

// Get loads one record.
func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	raw, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("tracking: redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("tracking: decode record %s: %w", id, err)
	}
	return rec, nil
}

// GetAll returns every indexed record. Index entries whose key has vanished
// are skipped.
func (s *RedisStore) GetAll(ctx context.Context) ([]Record, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("tracking: redis zrange: %w", err)
	}

	out := make([]Record, 0, len(ids))
	for start := 0; start < len(ids); start += getAllChunk {
		end := start + getAllChunk
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, s.recordKey(id))
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("tracking: redis mget: %w", err)
		}
		for i, v := range values {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var rec Record
			if err := json.Unmarshal([]byte(str), &rec); err != nil {
				return nil, fmt.Errorf("tracking: decode record %s: %w", ids[start+i], err)
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// Prune deletes records whose last attempt predates now-olderThan.
func (s *RedisStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("tracking: redis zrangebyscore: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(ids))
	members := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.recordKey(id))
		members = append(members, id)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.indexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("tracking: redis prune: %w", err)
	}
	return len(ids), nil
}
