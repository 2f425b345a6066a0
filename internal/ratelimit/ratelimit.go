package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a distributed token bucket over Redis, keyed per scope (caller,
// job type). It keeps a burst of duplicate submissions from flooding the
// queue ahead of the idempotency guard.
type Limiter struct {
	client *redis.Client
	prefix string
	burst  int
	refill float64 // tokens per second
	ttl    time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
}

// NewLimiter constructs a limiter with the provided burst/refill.
func NewLimiter(client *redis.Client, burst int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{
		client: client,
		prefix: "submit:rate:",
		burst:  burst,
		refill: refillPerSecond,
		ttl:    ttl,
	}
}

// Allow consumes one token for the scope if available.
func (l *Limiter) Allow(ctx context.Context, scope string) (Decision, error) {
	now := time.Now().UnixMilli()
	res, err := refillScript.Run(ctx, l.client, []string{l.prefix + scope},
		l.burst, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("rate limit check: unexpected reply %T", res)
	}
	d := Decision{Allowed: arr[0].(int64) == 1}
	switch v := arr[1].(type) {
	case int64:
		d.Remaining = float64(v)
	case float64:
		d.Remaining = v
	}
	return d, nil
}

// refillScript lazily refills the bucket based on elapsed time, then tries
// to take one token. Runs atomically inside Redis.
var refillScript = redis.NewScript(`
local key = KEYS[1]
local burst = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'stamp_ms')
local tokens = tonumber(state[1])
local stamp = tonumber(state[2])
if tokens == nil then tokens = burst end
if stamp == nil then stamp = now end

tokens = math.min(burst, tokens + math.max(0, now - stamp) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'stamp_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
