// Package ratelimit throttles login attempts per key. The Redis limiter shares
// buckets across API replicas; Local keeps them in process.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter consumes one token for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Config describes a token bucket: Capacity tokens, one refilled every Interval.
type Config struct {
	Capacity int
	Interval time.Duration
	Prefix   string
}

func (c Config) normalized() Config {
	if c.Capacity <= 0 {
		c.Capacity = 5
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = "ratelimit"
	}
	return c
}

// Key joins parts under the configured prefix.
func (c Config) Key(parts ...string) string {
	return strings.Join(append([]string{c.normalized().Prefix}, parts...), ":")
}
