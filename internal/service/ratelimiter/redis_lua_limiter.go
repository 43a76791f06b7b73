// Package ratelimiter provides a Redis token bucket shared by every process
// that draws from the same key pool.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter admits or defers one unit of work for a logical key.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// BucketConfig sizes one token bucket.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64 // tokens per second
}

// NewBucketConfigFromWindow sizes a bucket that admits quota calls per window.
func NewBucketConfigFromWindow(quota int, window time.Duration) BucketConfig {
	if quota <= 0 || window <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(quota),
		RefillRate: float64(quota) / window.Seconds(),
	}
}

// RedisLuaLimiter evaluates a token bucket atomically in Redis. Keys without a
// configured bucket use the default bucket; a zero default admits everything.
type RedisLuaLimiter struct {
	redis         *redis.Client
	prefix        string
	defaultBucket BucketConfig
	buckets       map[string]BucketConfig
	script        *redis.Script
	mu            sync.RWMutex
}

// NewRedisLuaLimiter returns nil when rdb is nil; a nil limiter admits everything.
func NewRedisLuaLimiter(rdb *redis.Client, prefix string, defaultBucket BucketConfig) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	if prefix == "" {
		prefix = "keyrouter:rate:"
	}
	return &RedisLuaLimiter{
		redis:         rdb,
		prefix:        prefix,
		defaultBucket: defaultBucket,
		buckets:       map[string]BucketConfig{},
		script:        redis.NewScript(luaTokenBucketScript),
	}
}

// NewClientFromURL parses a redis:// URL and pings the server.
func NewClientFromURL(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=ratelimiter.NewClientFromURL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("op=ratelimiter.NewClientFromURL: ping: %w", err)
	}
	return rdb, nil
}

// Tokens are returned as a string so fractional state survives the Lua to
// Redis integer conversion; retry_after is in whole milliseconds.
const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl_ms = ARGV[5]

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)

local allowed = 0
local retry_after_ms = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry_after_ms = math.ceil((cost - tokens) / refill_rate * 1000)
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(now))
redis.call("PEXPIRE", key, ttl_ms)

return { allowed, tostring(tokens), retry_after_ms }
`

// Allow takes cost tokens from the bucket of key. Redis failures admit the
// call; the upstream's own 429 handling still applies.
func (l *RedisLuaLimiter) Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	cfg := l.bucketFor(key)
	if cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	nowSec := float64(time.Now().UnixNano()) / 1e9
	// idle buckets expire after two full refills
	ttlMs := int64(math.Ceil(float64(cfg.Capacity) / cfg.RefillRate * 2000))
	res, err := l.script.Run(ctx, l.redis, []string{l.prefix + key}, cfg.Capacity, cfg.RefillRate, nowSec, cost, strconv.FormatInt(ttlMs, 10)).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("key", key), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		slog.Error("redis rate limiter unexpected script result", slog.String("key", key), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toInt64(vals[2])) * time.Millisecond
	if !allowed {
		slog.Debug("redis rate limiter deferred call",
			slog.String("key", key),
			slog.Float64("tokens", toFloat64(vals[1])),
			slog.Duration("retry_after", retryAfter))
	}
	return allowed, retryAfter, nil
}

// SetBucketConfig overrides the bucket for one key. Safe for concurrent use.
func (l *RedisLuaLimiter) SetBucketConfig(key string, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buckets == nil {
		l.buckets = map[string]BucketConfig{}
	}
	l.buckets[key] = cfg
}

func (l *RedisLuaLimiter) bucketFor(key string) BucketConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cfg, ok := l.buckets[key]; ok {
		return cfg
	}
	return l.defaultBucket
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}
