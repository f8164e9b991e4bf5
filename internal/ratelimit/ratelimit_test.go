package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLocalTokenBucket(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	l := NewLocal(Config{Capacity: 2, Interval: time.Minute})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "login:alice")
		if err != nil || !d.Allowed {
			t.Fatalf("attempt %d should pass: %+v %v", i, d, err)
		}
	}
	d, _ := l.Allow(ctx, "login:alice")
	if d.Allowed || d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("expected throttling with retry hint, got %+v", d)
	}
	if d, _ := l.Allow(ctx, "login:bob"); !d.Allowed {
		t.Fatal("keys must not share buckets")
	}

	now = now.Add(time.Minute)
	if d, _ := l.Allow(ctx, "login:alice"); !d.Allowed {
		t.Fatal("expected a token after one interval")
	}
}

type stubScripter struct {
	redis.Scripter
	evalFn func(keys []string, args []any) (any, error)
	calls  int
}

func (s *stubScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	s.calls++
	cmd := redis.NewCmd(ctx)
	val, err := s.evalFn(keys, args)
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(val)
	}
	return cmd
}

type countingLimiter struct{ calls int }

func (c *countingLimiter) Allow(context.Context, string) (Decision, error) {
	c.calls++
	return Decision{Allowed: true}, nil
}

func TestRedisLimiterParsesScriptResult(t *testing.T) {
	var gotKeys []string
	var gotArgs []any
	rdb := &stubScripter{evalFn: func(keys []string, args []any) (any, error) {
		gotKeys, gotArgs = keys, args
		return []any{int64(0), int64(0), int64(1500)}, nil
	}}
	fallback := &countingLimiter{}
	r := NewRedis(rdb, Config{Capacity: 5, Interval: time.Minute, Prefix: "nbihak:login"}, fallback)

	d, err := r.Allow(context.Background(), "nbihak:login:alice")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed || d.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if len(gotKeys) != 1 || gotKeys[0] != "nbihak:login:alice" {
		t.Fatalf("unexpected keys: %v", gotKeys)
	}
	if len(gotArgs) != 4 || gotArgs[1] != 5 || gotArgs[3] != int64(300) {
		t.Fatalf("unexpected args: %v", gotArgs)
	}
	if fallback.calls != 0 {
		t.Fatal("fallback must not run when redis answers")
	}
}

func TestRedisLimiterFallsBack(t *testing.T) {
	rdb := &stubScripter{evalFn: func([]string, []any) (any, error) { return nil, errors.New("dial tcp: connection refused") }}
	fallback := &countingLimiter{}
	r := NewRedis(rdb, Config{}, fallback)
	d, err := r.Allow(context.Background(), "k")
	if err != nil || !d.Allowed || fallback.calls != 1 {
		t.Fatalf("expected fallback decision, got %+v %v (calls=%d)", d, err, fallback.calls)
	}

	rdb.evalFn = func([]string, []any) (any, error) { return "garbage", nil }
	if _, err := r.Allow(context.Background(), "k"); err != nil || fallback.calls != 2 {
		t.Fatalf("malformed result should fall back, calls=%d err=%v", fallback.calls, err)
	}
}

func TestConfigKey(t *testing.T) {
	if got := (Config{Prefix: "nbihak:login"}).Key("ip", "10.0.0.1"); got != "nbihak:login:ip:10.0.0.1" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := (Config{}).Key("x"); got != "ratelimit:x" {
		t.Fatalf("unexpected default key %q", got)
	}
}
