package pg

import (
	"context"
	"database/sql"
	"errors"

	"nbihak.org/internal/audit"
)

// PostCommitHook observes the tracked changes of a committed unit of work.
// Hooks run only after Commit succeeded; a rolled back unit runs none.
type PostCommitHook interface {
	AfterCommit(ctx context.Context, changes []audit.Change) error
}

// Tx is one unit of work. Repositories write through it and Track what they wrote.
type Tx struct {
	tx      *sql.Tx
	changes []audit.Change
}

// Track records a change for the post-commit hooks.
func (t *Tx) Track(op audit.Operation, e audit.Entity) {
	t.changes = append(t.changes, audit.Change{Op: op, Entity: e})
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// WithinTx runs fn in a transaction. When fn fails the transaction rolls back
// and no hook runs. After a successful commit every hook receives the tracked
// changes; hook failures are logged and never reported to the caller.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *Tx) error) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &Tx{tx: sqlTx}
	if err := fn(tx); err != nil {
		return mapError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(err)
	}
	s.afterCommit(ctx, tx.changes)
	return nil
}

func (s *Store) afterCommit(ctx context.Context, changes []audit.Change) {
	if len(changes) == 0 {
		return
	}
	for _, h := range s.hooks {
		if err := h.AfterCommit(ctx, changes); err != nil {
			s.log.WarnContext(ctx, "store.post_commit.failed", "changes", len(changes), "error", err)
		}
	}
}
