// Package ratelimit implements per-principal token buckets on Redis. The
// check-and-consume step runs as a single Lua script so concurrent
// requests against one bucket serialize inside Redis.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentbazaar/backend/internal/config"
)

type Category string

const (
	CategoryDiscovery    Category = "discovery"
	CategoryRead         Category = "read"
	CategoryWrite        Category = "write"
	CategoryJobLifecycle Category = "job_lifecycle"
	CategoryRegistration Category = "registration"
	CategoryUnauth       Category = "unauth_generic"
)

// tokenBucket refills tokens continuously at refill/60 per second, caps at
// capacity, and consumes one token per allowed call. Returns
// {allowed, remaining, retry_after}.
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if tokens == nil then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
local new_tokens = math.min(capacity, tokens + elapsed * (refill_rate / 60.0))

if new_tokens >= 1 then
    new_tokens = new_tokens - 1
    redis.call('HMSET', key, 'tokens', new_tokens, 'last_refill', now)
    redis.call('EXPIRE', key, 120)
    return {1, math.floor(new_tokens), math.ceil((1 - (new_tokens - math.floor(new_tokens))) * 60 / refill_rate)}
else
    local retry_after = math.ceil((1 - new_tokens) * 60 / refill_rate)
    redis.call('HMSET', key, 'tokens', new_tokens, 'last_refill', now)
    redis.call('EXPIRE', key, 120)
    return {0, 0, retry_after}
end
`)

// Result carries the decision plus the response metadata headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter evaluates buckets keyed rate:{principal}:{category}.
type Limiter struct {
	rdb    redis.Scripter
	limits map[Category]config.RateLimit
	now    func() time.Time
}

func New(rdb redis.Scripter, cfg config.Config) *Limiter {
	return &Limiter{
		rdb: rdb,
		limits: map[Category]config.RateLimit{
			CategoryDiscovery:    cfg.RateDiscovery,
			CategoryRead:         cfg.RateRead,
			CategoryWrite:        cfg.RateWrite,
			CategoryJobLifecycle: cfg.RateJobLifecycle,
			CategoryRegistration: cfg.RateRegistration,
			CategoryUnauth:       cfg.RateUnauth,
		},
		now: time.Now,
	}
}

// Allow consumes one token from the principal's bucket for the category.
// A Redis failure is returned as an error; the caller decides the
// fail-open/fail-closed policy per request method.
func (l *Limiter) Allow(ctx context.Context, principal string, category Category) (Result, error) {
	limit, ok := l.limits[category]
	if !ok {
		return Result{}, fmt.Errorf("unknown rate category %q", category)
	}
	now := l.now()
	key := fmt.Sprintf("rate:%s:%s", principal, category)

	raw, err := tokenBucket.Run(ctx, l.rdb, []string{key},
		limit.Capacity, limit.RefillPerMin, float64(now.UnixNano())/float64(time.Second)).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate bucket %s: %w", key, err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return Result{}, fmt.Errorf("rate bucket %s: unexpected script reply %v", key, raw)
	}
	allowed := toInt(vals[0]) == 1
	remaining := toInt(vals[1])
	retryAfter := time.Duration(toInt(vals[2])) * time.Second

	res := Result{
		Allowed:   allowed,
		Limit:     limit.Capacity,
		Remaining: remaining,
		ResetAt:   now.Add(refillAll(limit, remaining)),
	}
	if !allowed {
		res.RetryAfter = retryAfter
	}
	return res, nil
}

// refillAll is the time until the bucket is back at capacity.
func refillAll(limit config.RateLimit, remaining int) time.Duration {
	if limit.RefillPerMin <= 0 {
		return time.Minute
	}
	missing := limit.Capacity - remaining
	if missing <= 0 {
		return 0
	}
	secs := math.Ceil(float64(missing) * 60.0 / float64(limit.RefillPerMin))
	return time.Duration(secs) * time.Second
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case int:
		return t
	case float64:
		return int(t)
	default:
		return 0
	}
}
