package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"nbihak.org/internal/auth"
)

type widget struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Secret string `json:"-"`
}

func (w *widget) AuditType() string { return "widget" }
func (w *widget) AuditID() string   { return w.ID }

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 123456789, time.UTC)

func newTestInterceptor(t *testing.T, w Writer) (*Interceptor, *bytes.Buffer) {
	t.Helper()
	buf := captureLogs(t)
	i, err := NewInterceptor(w, WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("NewInterceptor: %v", err)
	}
	return i, buf
}

func TestInterceptorWritesSnapshots(t *testing.T) {
	log := NewMemoryLog()
	i, _ := newTestInterceptor(t, log)

	ctx := WithRequestID(context.Background(), "req-7")
	ctx = auth.ContextWithUser(ctx, "actor-1", nil)
	changes := []Change{
		{Op: OpCreated, Entity: &widget{ID: "w1", Name: "first", Secret: "hunter2"}},
		{Op: OpModified, Entity: &widget{ID: "w2", Name: "second"}},
		{Op: OpDeleted, Entity: &widget{ID: "w3"}},
	}
	if err := i.AfterCommit(ctx, changes); err != nil {
		t.Fatalf("AfterCommit: %v", err)
	}

	res, err := log.ListAudit(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if res.Total != 3 {
		t.Fatalf("expected 3 entries, got %d", res.Total)
	}
	first := res.Entries[2]
	if first.Operation != OpCreated || first.EntityType != "widget" || first.EntityID != "w1" {
		t.Fatalf("unexpected entry: %+v", first)
	}
	if first.ActorUserID != "actor-1" || first.RequestID != "req-7" {
		t.Fatalf("missing context attribution: %+v", first)
	}
	if !first.OccurredAt.Equal(fixedNow.Truncate(time.Microsecond)) {
		t.Fatalf("unexpected timestamp: %v", first.OccurredAt)
	}
	if strings.Contains(string(first.Snapshot), "hunter2") {
		t.Fatal("secret field leaked into snapshot")
	}
	var snap map[string]any
	if err := json.Unmarshal(first.Snapshot, &snap); err != nil || snap["name"] != "first" {
		t.Fatalf("unexpected snapshot %s: %v", first.Snapshot, err)
	}
}

func TestInterceptorNoChangesWritesNothing(t *testing.T) {
	log := NewMemoryLog()
	log.FailWith = func() error { return errors.New("must not be called") }
	i, _ := newTestInterceptor(t, log)
	if err := i.AfterCommit(context.Background(), nil); err != nil {
		t.Fatalf("AfterCommit: %v", err)
	}
}

func TestInterceptorDegradesOnWriterFailure(t *testing.T) {
	log := NewMemoryLog()
	log.FailWith = func() error { return errors.New("disk full") }
	i, buf := newTestInterceptor(t, log)

	err := i.AfterCommit(WithRequestID(context.Background(), "req-9"), []Change{{Op: OpCreated, Entity: &widget{ID: "w1"}}})
	if !errors.Is(err, ErrWriteDegraded) {
		t.Fatalf("expected ErrWriteDegraded, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"msg":"audit.write.degraded"`) || !strings.Contains(out, "req-9") {
		t.Fatalf("expected degraded log line, got %s", out)
	}
}

func TestInterceptorRejectsInvalidChange(t *testing.T) {
	i, _ := newTestInterceptor(t, NewMemoryLog())
	err := i.AfterCommit(context.Background(), []Change{{Op: "renamed", Entity: &widget{ID: "w"}}})
	if !errors.Is(err, ErrWriteDegraded) {
		t.Fatalf("expected ErrWriteDegraded, got %v", err)
	}
}

func TestInterceptorIgnoresCallerCancellation(t *testing.T) {
	log := NewMemoryLog()
	i, _ := newTestInterceptor(t, log)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := i.AfterCommit(ctx, []Change{{Op: OpCreated, Entity: &widget{ID: "w1"}}}); err != nil {
		t.Fatalf("AfterCommit after cancel: %v", err)
	}
	if res, _ := log.ListAudit(context.Background(), Filter{}); res.Total != 1 {
		t.Fatalf("expected entry despite cancelled request, got %d", res.Total)
	}
}

func TestNewInterceptorRequiresWriter(t *testing.T) {
	if _, err := NewInterceptor(nil); err == nil {
		t.Fatal("expected error")
	}
}
