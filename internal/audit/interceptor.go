package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nbihak.org/internal/auth"
	"nbihak.org/internal/ids"
	"nbihak.org/internal/obs"
)

const defaultWriteTimeout = 5 * time.Second

// Interceptor turns the changes of a committed unit of work into audit rows.
// It runs strictly after the business commit and writes through its own
// Writer, so a failure here never undoes business data.
type Interceptor struct {
	writer  Writer
	log     *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

// Option configures an Interceptor.
type Option func(*Interceptor)

func WithLogger(l *slog.Logger) Option {
	return func(i *Interceptor) {
		if l != nil {
			i.log = l
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(i *Interceptor) {
		if fn != nil {
			i.now = fn
		}
	}
}

// WithWriteTimeout bounds the audit transaction independently of the request.
func WithWriteTimeout(d time.Duration) Option {
	return func(i *Interceptor) {
		if d > 0 {
			i.timeout = d
		}
	}
}

func NewInterceptor(w Writer, opts ...Option) (*Interceptor, error) {
	if w == nil {
		return nil, errors.New("audit: writer is required")
	}
	i := &Interceptor{writer: w, log: obs.Logger(), now: time.Now, timeout: defaultWriteTimeout}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// AfterCommit snapshots every change and appends the batch. Errors are
// wrapped in ErrWriteDegraded.
func (i *Interceptor) AfterCommit(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	entries, err := i.entries(ctx, changes)
	if err != nil {
		return i.degraded(ctx, len(changes), err)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.timeout)
	defer cancel()
	if _, err := i.writer.AppendBatch(wctx, entries); err != nil {
		return i.degraded(ctx, len(entries), err)
	}
	obs.AuditAppended(len(entries))
	return nil
}

func (i *Interceptor) entries(ctx context.Context, changes []Change) ([]Entry, error) {
	actor, _ := auth.UserIDFromContext(ctx)
	requestID := RequestIDFromContext(ctx)
	// Postgres keeps microseconds; truncating here keeps checksums stable across a round trip.
	at := i.now().UTC().Truncate(time.Microsecond)

	out := make([]Entry, 0, len(changes))
	for _, c := range changes {
		if c.Entity == nil || !c.Op.Valid() {
			return nil, fmt.Errorf("audit: invalid change %q", c.Op)
		}
		snapshot, err := json.Marshal(c.Entity)
		if err != nil {
			return nil, fmt.Errorf("audit: snapshot %s/%s: %w", c.Entity.AuditType(), c.Entity.AuditID(), err)
		}
		out = append(out, Entry{
			ID:          ids.NewAt(at),
			EntityType:  c.Entity.AuditType(),
			EntityID:    c.Entity.AuditID(),
			Operation:   c.Op,
			Snapshot:    snapshot,
			ActorUserID: actor,
			RequestID:   requestID,
			OccurredAt:  at,
		})
	}
	return out, nil
}

func (i *Interceptor) degraded(ctx context.Context, n int, err error) error {
	obs.AuditDegraded()
	i.log.ErrorContext(ctx, "audit.write.degraded",
		"entries", n, "request_id", RequestIDFromContext(ctx), "error", err)
	return fmt.Errorf("%w: %v", ErrWriteDegraded, err)
}
