package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"nbihak.org/internal/audit"
)

// auditLockKey serialises appends so the hash chain stays linear.
const auditLockKey int64 = 0x6e6269686b61

const auditColumns = `seq, id, entity_type, entity_id, operation, snapshot, coalesce(actor_user_id, ''), coalesce(request_id, ''), occurred_at, prev_checksum, checksum`

// AppendBatch writes entries in their own transaction. It never goes through
// WithinTx, so audit writes are not themselves tracked.
func (s *Store) AppendBatch(ctx context.Context, entries []audit.Entry) ([]audit.Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, auditLockKey); err != nil {
		return nil, mapError(err)
	}
	var prev string
	err = tx.QueryRowContext(ctx, `select checksum from audit_log order by seq desc limit 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, mapError(err)
	}

	out := make([]audit.Entry, len(entries))
	for i, e := range entries {
		e.Seal(prev)
		err := tx.QueryRowContext(ctx, `
			insert into audit_log (id, entity_type, entity_id, operation, snapshot, actor_user_id, request_id, occurred_at, prev_checksum, checksum)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			returning seq
		`, e.ID, e.EntityType, e.EntityID, string(e.Operation), []byte(e.Snapshot),
			nullIfEmpty(e.ActorUserID), nullIfEmpty(e.RequestID), e.OccurredAt, e.PrevChecksum, e.Checksum).Scan(&e.Seq)
		if err != nil {
			return nil, mapError(fmt.Errorf("insert audit entry %s: %w", e.ID, err))
		}
		prev = e.Checksum
		out[i] = e
	}
	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) ListAudit(ctx context.Context, f audit.Filter) (audit.ListResult, error) {
	f = f.Normalize()
	var (
		where []string
		args  []any
		idx   = 1
	)
	for _, c := range []struct{ column, value string }{
		{"entity_type", f.EntityType},
		{"entity_id", f.EntityID},
		{"actor_user_id", f.ActorUserID},
	} {
		if c.value == "" {
			continue
		}
		where = append(where, fmt.Sprintf("%s = $%d", c.column, idx))
		args = append(args, c.value)
		idx++
	}
	clause := ""
	if len(where) > 0 {
		clause = " where " + strings.Join(where, " and ")
	}

	res := audit.ListResult{Limit: f.Limit, Offset: f.Offset, Entries: []audit.Entry{}}
	if err := s.db.QueryRowContext(ctx, `select count(*) from audit_log`+clause, args...).Scan(&res.Total); err != nil {
		return audit.ListResult{}, mapError(err)
	}
	query := fmt.Sprintf(`select %s from audit_log%s order by seq desc limit $%d offset $%d`, auditColumns, clause, idx, idx+1)
	rows, err := s.db.QueryContext(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return audit.ListResult{}, mapError(err)
	}
	entries, err := collectAudit(rows)
	if err != nil {
		return audit.ListResult{}, err
	}
	res.Entries = append(res.Entries, entries...)
	return res, nil
}

func (s *Store) ChainPage(ctx context.Context, afterSeq int64, limit int) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+auditColumns+`
		from audit_log
		where seq > $1
		order by seq
		limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, mapError(err)
	}
	return collectAudit(rows)
}

func collectAudit(rows *sql.Rows) ([]audit.Entry, error) {
	defer rows.Close()
	var out []audit.Entry
	for rows.Next() {
		var (
			e        audit.Entry
			op       string
			snapshot []byte
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.EntityType, &e.EntityID, &op, &snapshot, &e.ActorUserID, &e.RequestID, &e.OccurredAt, &e.PrevChecksum, &e.Checksum); err != nil {
			return nil, err
		}
		e.Operation = audit.Operation(op)
		e.Snapshot = snapshot
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}
