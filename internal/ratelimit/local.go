package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxLocalKeys = 10000

// Local is an in-process limiter backed by x/time/rate buckets.
type Local struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewLocal(cfg Config) *Local {
	return &Local{cfg: cfg.normalized(), now: time.Now, buckets: make(map[string]*bucket)}
}

func (l *Local) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxLocalKeys {
			l.prune(now)
		}
		b = &bucket{lim: rate.NewLimiter(rate.Every(l.cfg.Interval), l.cfg.Capacity)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	r := b.lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(b.lim.TokensAt(now))}, nil
}

// prune drops buckets idle long enough to have refilled completely.
func (l *Local) prune(now time.Time) {
	full := l.cfg.Interval * time.Duration(l.cfg.Capacity)
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > full {
			delete(l.buckets, k)
		}
	}
}
