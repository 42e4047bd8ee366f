package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter keeps one bucket hash and one block key per (route, addr) in
// Redis so every serving instance observes the same limiter.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	cfg    Config
}

func NewRedisLimiter(client *redis.Client, prefix string, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, cfg: cfg.withDefaults()}
}

// Token bucket with continuous refill and a block state.
// KEYS[1] = bucket hash, KEYS[2] = block key
// ARGV[1] = capacity (per minute), ARGV[2] = block seconds,
// ARGV[3] = now (ms), ARGV[4] = bucket ttl seconds
// Returns {allowed, retry_after_seconds}
const bucketScript = `
local bucket_key = KEYS[1]
local block_key = KEYS[2]
local capacity = tonumber(ARGV[1])
local block_secs = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local blocked = redis.call('TTL', block_key)
if blocked > 0 then
  return {0, blocked}
end
local bucket = redis.call('HMGET', bucket_key, 'tokens', 'last')
local tokens = tonumber(bucket[1])
local last = tonumber(bucket[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end
local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed / 60000 * capacity)
if tokens >= 1 then
  tokens = tokens - 1
  redis.call('HMSET', bucket_key, 'tokens', tokens, 'last', now)
  redis.call('EXPIRE', bucket_key, ttl)
  return {1, 0}
end
redis.call('HMSET', bucket_key, 'tokens', tokens, 'last', now)
redis.call('EXPIRE', bucket_key, ttl)
redis.call('SET', block_key, '1', 'EX', block_secs)
return {0, block_secs}
`

func (l *RedisLimiter) Allow(route, addr string) (Decision, error) {
	key := l.prefix + ":bucket:" + route + ":" + addr
	blockKey := l.prefix + ":block:" + route + ":" + addr
	now := time.Now().UnixMilli()
	// Bucket TTL: block duration plus two refill intervals.
	ttl := int(l.cfg.BlockFor/time.Second) + 120

	res, err := l.client.Eval(context.Background(), bucketScript,
		[]string{key, blockKey},
		l.cfg.CapacityPerMinute, int(l.cfg.BlockFor/time.Second), now, ttl,
	).Result()
	if err != nil {
		slog.Error("rate limiter redis eval failed", "key", key, "error", err)
		return Decision{}, err
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		slog.Error("rate limiter unexpected redis reply", "key", key)
		return Decision{Allowed: false, RetryAfter: time.Second}, nil
	}
	allowed, _ := vals[0].(int64)
	retry, _ := vals[1].(int64)
	return Decision{Allowed: allowed == 1, RetryAfter: time.Duration(retry) * time.Second}, nil
}
