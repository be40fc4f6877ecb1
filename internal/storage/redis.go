package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/surveysync/internal/config"
	"github.com/pitabwire/surveysync/model"
)

// putScript assigns the next seq and moves the entry to the tail.
// KEYS: seq counter, order zset, items hash. ARGV: queue key, data.
var putScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('ZADD', KEYS[2], seq, ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
return seq
`)

// removeScript deletes the entry only while its seq still matches.
// KEYS: order zset, items hash. ARGV: queue key, seq.
var removeScript = redis.NewScript(`
local s = redis.call('ZSCORE', KEYS[1], ARGV[1])
if s and tonumber(s) == tonumber(ARGV[2]) then
  redis.call('ZREM', KEYS[1], ARGV[1])
  redis.call('HDEL', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// RedisStore keeps drafts as JSON strings and the queue as a sorted set of
// keys scored by seq with a companion hash of payloads.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr string, cfg config.StorageConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		DB:              cfg.DB,
		PoolSize:        cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("storage: ping redis %s: %w", addr, err)
	}
	s := NewRedisStore(client, cfg.KeyPrefix)
	s.owned = true
	return s, nil
}

// NewRedisStore wraps an existing client. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "surveysync"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) draftKey(surveyType, clientID string) string {
	return fmt.Sprintf("%s:draft:%s:%s", s.prefix, surveyType, clientID)
}

func (s *RedisStore) seqKey() string   { return s.prefix + ":queue:seq" }
func (s *RedisStore) orderKey() string { return s.prefix + ":queue:order" }
func (s *RedisStore) itemsKey() string { return s.prefix + ":queue:items" }

// SaveDraft stores the draft as JSON.
func (s *RedisStore) SaveDraft(ctx context.Context, surveyType, clientID string, d model.Draft) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	key := s.draftKey(surveyType, clientID)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// LoadDraft reads the draft.
func (s *RedisStore) LoadDraft(ctx context.Context, surveyType, clientID string) (model.Draft, bool, error) {
	key := s.draftKey(surveyType, clientID)
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Draft{}, false, nil
	}
	if err != nil {
		return model.Draft{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	var d model.Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return model.Draft{}, false, fmt.Errorf("unmarshal draft %q: %w", key, err)
	}
	return d, true, nil
}

// DeleteDraft removes the draft.
func (s *RedisStore) DeleteDraft(ctx context.Context, surveyType, clientID string) error {
	key := s.draftKey(surveyType, clientID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Put appends w, replacing any entry with the same key.
func (s *RedisStore) Put(ctx context.Context, w model.QueuedWrite) (model.QueuedWrite, error) {
	w.Seq = 0
	data, err := json.Marshal(w)
	if err != nil {
		return w, fmt.Errorf("marshal queued write: %w", err)
	}
	seq, err := putScript.Run(ctx, s.client,
		[]string{s.seqKey(), s.orderKey(), s.itemsKey()},
		w.QueueKey(), string(data),
	).Int64()
	if err != nil {
		return w, fmt.Errorf("redis queue put: %w", err)
	}
	w.Seq = seq
	return w, nil
}

// List returns the queue in seq order.
func (s *RedisStore) List(ctx context.Context) ([]model.QueuedWrite, error) {
	entries, err := s.client.ZRangeWithScores(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis queue order: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	keys := make([]string, len(entries))
	for i, z := range entries {
		keys[i], _ = z.Member.(string)
	}
	items, err := s.client.HMGet(ctx, s.itemsKey(), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis queue items: %w", err)
	}

	out := make([]model.QueuedWrite, 0, len(entries))
	for i, item := range items {
		raw, ok := item.(string)
		if !ok {
			continue
		}
		var w model.QueuedWrite
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("unmarshal queued write %q: %w", keys[i], err)
		}
		w.Seq = int64(entries[i].Score)
		out = append(out, w)
	}
	return out, nil
}

// Remove deletes key if its seq matches.
func (s *RedisStore) Remove(ctx context.Context, key string, seq int64) (bool, error) {
	n, err := removeScript.Run(ctx, s.client,
		[]string{s.orderKey(), s.itemsKey()},
		key, seq,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis queue remove %q: %w", key, err)
	}
	return n == 1, nil
}

// Len counts queued entries.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.orderKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue len: %w", err)
	}
	return int(n), nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client when the store opened it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
