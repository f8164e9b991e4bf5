package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"nbihak.org/internal/obs"
)

var tokenBucket = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local interval_ms = tonumber(ARGV[3])
	local ttl_seconds = tonumber(ARGV[4])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	local elapsed = math.max(0, now_ms - last_refill)
	local intervals = math.floor(elapsed / interval_ms)
	if intervals > 0 then
		tokens = math.min(capacity, tokens + intervals)
		last_refill = last_refill + (intervals * interval_ms)
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens, retry_after_ms }
`)

// Redis is a token bucket evaluated atomically by a Lua script. When Redis is
// unreachable it defers to Fallback so logins keep a bound.
type Redis struct {
	rdb      redis.Scripter
	cfg      Config
	fallback Limiter
	now      func() time.Time
}

func NewRedis(rdb redis.Scripter, cfg Config, fallback Limiter) *Redis {
	cfg = cfg.normalized()
	if fallback == nil {
		fallback = NewLocal(cfg)
	}
	return &Redis{rdb: rdb, cfg: cfg, fallback: fallback, now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	ttl := int64((r.cfg.Interval * time.Duration(r.cfg.Capacity)) / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	vals, err := tokenBucket.Run(ctx, r.rdb, []string{key},
		r.now().UnixMilli(), r.cfg.Capacity, r.cfg.Interval.Milliseconds(), ttl).Result()
	if err == nil {
		var d Decision
		if d, err = parseDecision(vals); err == nil {
			return d, nil
		}
	}
	obs.Logger().WarnContext(ctx, "ratelimit.redis.unavailable", "key", key, "error", err)
	return r.fallback.Allow(ctx, key)
}

func parseDecision(vals any) (Decision, error) {
	arr, ok := vals.([]any)
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %#v", vals)
	}
	return Decision{
		Allowed:    asInt64(arr[0]) == 1,
		Remaining:  int(asInt64(arr[1])),
		RetryAfter: time.Duration(asInt64(arr[2])) * time.Millisecond,
	}, nil
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
