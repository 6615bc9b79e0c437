package ratelimit

import (
	"context"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// tokenBucket refills KEYS[1] at ARGV[1] tokens/s up to ARGV[2] and takes one
// token at time ARGV[3] (ms). Returns 1 when allowed.
var tokenBucket = backend.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
	tokens = burst
	ts = now
end
local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(burst, tokens + elapsed * rate)
local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(now))
redis.call("PEXPIRE", KEYS[1], math.ceil(burst / rate * 1000) + 1000)
return allowed
`)

// Redis is a Limiter whose buckets live in Redis so every replica shares
// them.
type Redis struct {
	client *backend.Client
	prefix string
	rps    float64
	burst  int
	now    func() time.Time
}

// NewRedis returns a shared limiter storing buckets under prefix.
func NewRedis(client *backend.Client, prefix string, rps float64, burst int) *Redis {
	return &Redis{client: client, prefix: prefix, rps: max(rps, 0.1), burst: max(burst, 1), now: time.Now}
}

// NewRedisFromURL parses a redis:// URL and returns a shared limiter.
func NewRedisFromURL(url string, rps float64, burst int) (*Redis, error) {
	opts, err := backend.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedis(backend.NewClient(opts), "gados:ratelimit:", rps, burst), nil
}

// Allow takes one token from key's shared bucket.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	n, err := tokenBucket.Run(ctx, r.client, []string{r.prefix + key}, r.rps, r.burst, r.now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}
	return n == 1, nil
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
