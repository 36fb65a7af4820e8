package metastore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lapig-ufg/tiles/internal/observability"
)

// incrBucketScript implements a refilling token bucket entirely in Lua so
// the read-refill-withdraw-write sequence is one atomic round trip: two
// separate Redis calls here would let two concurrent requests both read the
// same starting balance and both be admitted.
//
// KEYS[1] = bucket key
// ARGV[1] = cost, ARGV[2] = capacity, ARGV[3] = rate (tokens/sec), ARGV[4] = now (unix ms)
// returns {allowed (0/1), remaining tokens (floor), reset_at (unix ms)}
const incrBucketScript = `
local key = KEYS[1]
local cost = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
	tokens = capacity
	ts = now
end

local elapsed = now - ts
if elapsed < 0 then
	elapsed = 0
end
if rate > 0 then
	tokens = math.min(capacity, tokens + (elapsed / 1000.0) * rate)
end

local allowed = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)

local ttl_ms = 3600000
if rate > 0 then
	ttl_ms = math.floor((capacity / rate) * 1000) + 1000
end
redis.call("PEXPIRE", key, ttl_ms)

local deficit = cost - tokens
local wait_ms = 0
if deficit > 0 then
	if rate > 0 then
		wait_ms = math.ceil((deficit / rate) * 1000)
	else
		wait_ms = ttl_ms
	end
end

return {allowed, math.floor(tokens), now + wait_ms}
`

// RedisOption configures the underlying redis.Options before the client is
// constructed.
type RedisOption func(*redis.Options)

func WithPoolSize(n int) RedisOption {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithMinIdleConns(n int) RedisOption {
	return func(o *redis.Options) { o.MinIdleConns = n }
}

func WithDialTimeout(d time.Duration) RedisOption {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) RedisOption {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) RedisOption {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

// RedisStore is the Redis-backed Store implementation.
type RedisStore struct {
	rdb  *redis.Client
	incr *redis.Script
}

// NewRedis dials addr and verifies connectivity before returning.
func NewRedis(ctx context.Context, addr string, opts ...RedisOption) (*RedisStore, error) {
	if addr == "" {
		return nil, fmt.Errorf("metastore: redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, &ErrUnavailable{Cause: fmt.Errorf("redis ping: %w", err)}
	}
	return &RedisStore{rdb: rdb, incr: redis.NewScript(incrBucketScript)}, nil
}

// NewRedisFromClient wraps an already-constructed *redis.Client without
// pinging it.
func NewRedisFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, incr: redis.NewScript(incrBucketScript)}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	val, err := s.rdb.Get(ctx, key).Bytes()
	observability.ObserveUpstreamLatency("metastore.get", time.Since(start).Seconds())
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &ErrUnavailable{Cause: err}
	}
	return val, true, nil
}

func (s *RedisStore) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, &ErrUnavailable{Cause: err}
	}
	out := make(map[string][]byte, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			out[keys[i]] = []byte(t)
		case []byte:
			out[keys[i]] = t
		}
	}
	return out, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return &ErrUnavailable{Cause: fmt.Errorf("SET %q: %w", key, err)}
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	won, err := s.rdb.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return false, &ErrUnavailable{Cause: fmt.Errorf("SETNX %q: %w", key, err)}
	}
	return won, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return &ErrUnavailable{Cause: fmt.Errorf("DEL %d keys: %w", len(keys), err)}
	}
	return nil
}

func (s *RedisStore) IncrBucket(ctx context.Context, key string, cost, capacity int, rate float64, now time.Time) (bool, int, time.Time, error) {
	res, err := s.incr.Run(ctx, s.rdb, []string{key}, cost, capacity, rate, now.UnixMilli()).Result()
	if err != nil {
		return false, 0, time.Time{}, &ErrUnavailable{Cause: fmt.Errorf("IncrBucket %q: %w", key, err)}
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("metastore: unexpected IncrBucket result shape %T", res)
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	resetMs, _ := vals[2].(int64)
	return allowed == 1, int(remaining), time.UnixMilli(resetMs), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return &ErrUnavailable{Cause: err}
	}
	return nil
}

func (s *RedisStore) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("metastore: close: %w", err)
	}
	return nil
}
