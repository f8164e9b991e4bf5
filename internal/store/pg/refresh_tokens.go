package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"nbihak.org/internal/audit"
	"nbihak.org/internal/auth"
)

const refreshColumns = `id, token_hash, user_id, chain_id, issued_at, expires_at, used_at, revoked_at, replaced_by`

func (s *Store) IssueRefreshToken(ctx context.Context, tok *auth.RefreshToken) error {
	return s.WithinTx(ctx, func(tx *Tx) error {
		if err := insertRefreshToken(ctx, tx, tok); err != nil {
			return err
		}
		tx.Track(audit.OpCreated, tok)
		return nil
	})
}

func (s *Store) FindRefreshToken(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `select `+refreshColumns+` from refresh_tokens where token_hash = $1`, tokenHash)
	tok, err := scanRefreshToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return tok, nil
}

// sessionLockClass namespaces the per-user session locks taken with the
// two-key form of pg_advisory_xact_lock.
const sessionLockClass int32 = 0x6e62

// lockUserSessions serialises rotation and revocation of one user's tokens
// until the transaction ends. Statements issued after it see every link a
// concurrent rotation committed.
func lockUserSessions(ctx context.Context, tx *Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1, hashtext($2))`, sessionLockClass, userID)
	return err
}

// RotateRefreshToken inserts the successor, then consumes the presented token
// with a conditional update. The update refuses tokens whose chain has a
// revoked link, so a rotation that queued behind a revocation fails.
func (s *Store) RotateRefreshToken(ctx context.Context, presentedHash string, next *auth.RefreshToken, now time.Time) (*auth.RefreshToken, error) {
	var consumed *auth.RefreshToken
	err := s.WithinTx(ctx, func(tx *Tx) error {
		if err := lockUserSessions(ctx, tx, next.UserID); err != nil {
			return err
		}
		if err := insertRefreshToken(ctx, tx, next); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `
			update refresh_tokens t
			set used_at = $2, replaced_by = $3
			where t.token_hash = $1
			  and t.used_at is null
			  and t.revoked_at is null
			  and t.expires_at > $2
			  and not exists (
			    select 1 from refresh_tokens c
			    where c.chain_id = t.chain_id and c.revoked_at is not null
			  )
			returning `+refreshColumns, presentedHash, now, next.ID)
		tok, err := scanRefreshToken(row)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrConcurrentRotation
		}
		if err != nil {
			return err
		}
		tx.Track(audit.OpCreated, next)
		tx.Track(audit.OpModified, tok)
		consumed = tok
		return nil
	})
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

func (s *Store) RevokeChain(ctx context.Context, chainID string, now time.Time) (int, error) {
	owner := func(tx *Tx) (string, error) {
		var userID string
		err := tx.QueryRowContext(ctx, `select user_id from refresh_tokens where chain_id = $1 limit 1`, chainID).Scan(&userID)
		return userID, err
	}
	return s.revoke(ctx, owner, `chain_id = $1`, chainID, now)
}

func (s *Store) RevokeUserTokens(ctx context.Context, userID string, now time.Time) (int, error) {
	owner := func(*Tx) (string, error) { return userID, nil }
	return s.revoke(ctx, owner, `user_id = $1`, userID, now)
}

// revoke takes the owner's session lock before updating, so links inserted by
// a rotation that was in flight are revoked too.
func (s *Store) revoke(ctx context.Context, owner func(*Tx) (string, error), where string, arg any, now time.Time) (int, error) {
	var n int
	err := s.WithinTx(ctx, func(tx *Tx) error {
		userID, err := owner(tx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := lockUserSessions(ctx, tx, userID); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			update refresh_tokens set revoked_at = $2
			where `+where+` and revoked_at is null
			returning `+refreshColumns, arg, now)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			tok, err := scanRefreshToken(rows)
			if err != nil {
				return err
			}
			tx.Track(audit.OpModified, tok)
			n++
		}
		return rows.Err()
	})
	return n, err
}

func insertRefreshToken(ctx context.Context, tx *Tx, tok *auth.RefreshToken) error {
	_, err := tx.ExecContext(ctx, `
		insert into refresh_tokens (id, token_hash, user_id, chain_id, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6)
	`, tok.ID, tok.TokenHash, tok.UserID, tok.ChainID, tok.IssuedAt, tok.ExpiresAt)
	if isUniqueViolation(err, "refresh_tokens_token_hash_key") {
		return auth.ErrTokenCollision
	}
	return err
}

func scanRefreshToken(row scanner) (*auth.RefreshToken, error) {
	var (
		tok        auth.RefreshToken
		usedAt     sql.NullTime
		revokedAt  sql.NullTime
		replacedBy sql.NullString
	)
	if err := row.Scan(&tok.ID, &tok.TokenHash, &tok.UserID, &tok.ChainID, &tok.IssuedAt, &tok.ExpiresAt, &usedAt, &revokedAt, &replacedBy); err != nil {
		return nil, err
	}
	if usedAt.Valid {
		t := usedAt.Time
		tok.UsedAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		tok.RevokedAt = &t
	}
	tok.ReplacedBy = replacedBy.String
	return &tok, nil
}
