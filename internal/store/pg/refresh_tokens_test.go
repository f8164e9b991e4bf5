package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"nbihak.org/internal/audit"
	"nbihak.org/internal/auth"
)

var refreshRowColumns = []string{"id", "token_hash", "user_id", "chain_id", "issued_at", "expires_at", "used_at", "revoked_at", "replaced_by"}

const sessionLockQuery = "select pg_advisory_xact_lock\\(\\$1, hashtext\\(\\$2\\)\\)"

func nextToken() *auth.RefreshToken {
	return &auth.RefreshToken{ID: "t2", TokenHash: "hash-2", UserID: "u1", ChainID: "c1", IssuedAt: testNow, ExpiresAt: testNow.Add(time.Hour)}
}

func TestRotateRefreshTokenConsumesPresented(t *testing.T) {
	store, mock, hook := newMockStore(t)
	next := nextToken()

	mock.ExpectBegin()
	mock.ExpectExec(sessionLockQuery).WithArgs(sessionLockClass, "u1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("t2", "hash-2", "u1", "c1", testNow, testNow.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("update refresh_tokens t set used_at = \\$2, replaced_by = \\$3 where t.token_hash = \\$1 and t.used_at is null and t.revoked_at is null and t.expires_at > \\$2 and not exists \\( select 1 from refresh_tokens c where c.chain_id = t.chain_id and c.revoked_at is not null \\)").
		WithArgs("hash-1", testNow, "t2").
		WillReturnRows(sqlmock.NewRows(refreshRowColumns).
			AddRow("t1", "hash-1", "u1", "c1", testNow.Add(-time.Hour), testNow.Add(time.Hour), testNow, nil, "t2"))
	mock.ExpectCommit()

	consumed, err := store.RotateRefreshToken(context.Background(), "hash-1", next, testNow)
	if err != nil {
		t.Fatalf("RotateRefreshToken: %v", err)
	}
	if consumed.ID != "t1" || !consumed.Used() || consumed.Revoked() || consumed.ReplacedBy != "t2" {
		t.Fatalf("unexpected consumed token: %+v", consumed)
	}
	changes := hook.calls[0]
	if len(changes) != 2 || changes[0].Op != audit.OpCreated || changes[1].Op != audit.OpModified {
		t.Fatalf("unexpected changes: %+v", changes)
	}
	expectationsMet(t, mock)
}

func TestRotateRefreshTokenLostRace(t *testing.T) {
	store, mock, hook := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(sessionLockQuery).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into refresh_tokens").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("update refresh_tokens").WillReturnRows(sqlmock.NewRows(refreshRowColumns))
	mock.ExpectRollback()

	_, err := store.RotateRefreshToken(context.Background(), "hash-1", nextToken(), testNow)
	if !errors.Is(err, auth.ErrConcurrentRotation) {
		t.Fatalf("expected ErrConcurrentRotation, got %v", err)
	}
	if len(hook.calls) != 0 {
		t.Fatal("rolled back rotation must not be audited")
	}
	expectationsMet(t, mock)
}

func TestRotateRefreshTokenCollision(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(sessionLockQuery).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into refresh_tokens").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "refresh_tokens_token_hash_key"})
	mock.ExpectRollback()

	if _, err := store.RotateRefreshToken(context.Background(), "hash-1", nextToken(), testNow); !errors.Is(err, auth.ErrTokenCollision) {
		t.Fatalf("expected ErrTokenCollision, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestFindRefreshToken(t *testing.T) {
	store, mock, _ := newMockStore(t)
	revoked := testNow.Add(-time.Minute)
	mock.ExpectQuery("select id, token_hash, .* from refresh_tokens where token_hash = \\$1").
		WithArgs("hash-1").
		WillReturnRows(sqlmock.NewRows(refreshRowColumns).
			AddRow("t1", "hash-1", "u1", "c1", testNow.Add(-time.Hour), testNow.Add(time.Hour), nil, revoked, nil))

	tok, err := store.FindRefreshToken(context.Background(), "hash-1")
	if err != nil {
		t.Fatalf("FindRefreshToken: %v", err)
	}
	if tok.State(testNow) != auth.StateRevoked || tok.ReplacedBy != "" {
		t.Fatalf("unexpected token: %+v", tok)
	}

	mock.ExpectQuery("select id, token_hash").WithArgs("nope").WillReturnRows(sqlmock.NewRows(refreshRowColumns))
	if _, err := store.FindRefreshToken(context.Background(), "nope"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectQuery("select id, token_hash").WillReturnError(context.DeadlineExceeded)
	if _, err := store.FindRefreshToken(context.Background(), "slow"); !errors.Is(err, auth.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestRevokeChainTracksEveryLink(t *testing.T) {
	store, mock, hook := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select user_id from refresh_tokens where chain_id = \\$1 limit 1").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))
	mock.ExpectExec(sessionLockQuery).WithArgs(sessionLockClass, "u1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("update refresh_tokens set revoked_at = \\$2 where chain_id = \\$1 and revoked_at is null").
		WithArgs("c1", testNow).
		WillReturnRows(sqlmock.NewRows(refreshRowColumns).
			AddRow("t1", "h1", "u1", "c1", testNow, testNow.Add(time.Hour), testNow, testNow, "t2").
			AddRow("t2", "h2", "u1", "c1", testNow, testNow.Add(time.Hour), nil, testNow, nil))
	mock.ExpectCommit()

	n, err := store.RevokeChain(context.Background(), "c1", testNow)
	if err != nil {
		t.Fatalf("RevokeChain: %v", err)
	}
	if n != 2 || len(hook.calls[0]) != 2 {
		t.Fatalf("expected two revoked links, got %d", n)
	}

	mock.ExpectBegin()
	mock.ExpectExec(sessionLockQuery).WithArgs(sessionLockClass, "u1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("update refresh_tokens set revoked_at = \\$2 where user_id = \\$1").
		WithArgs("u1", testNow).
		WillReturnRows(sqlmock.NewRows(refreshRowColumns))
	mock.ExpectCommit()
	if n, err := store.RevokeUserTokens(context.Background(), "u1", testNow); err != nil || n != 0 {
		t.Fatalf("expected idempotent revoke, got %d %v", n, err)
	}
	if len(hook.calls) != 1 {
		t.Fatal("no-op revoke must not be audited")
	}
	expectationsMet(t, mock)
}

func TestRotationAndRevocationShareUserLock(t *testing.T) {
	store, mock, _ := newMockStore(t)

	// A rotation that queued behind a revocation finds the chain revoked.
	mock.ExpectBegin()
	mock.ExpectExec(sessionLockQuery).WithArgs(sessionLockClass, "u1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into refresh_tokens").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("update refresh_tokens t .* not exists").WillReturnRows(sqlmock.NewRows(refreshRowColumns))
	mock.ExpectRollback()
	if _, err := store.RotateRefreshToken(context.Background(), "hash-1", nextToken(), testNow); !errors.Is(err, auth.ErrConcurrentRotation) {
		t.Fatalf("expected ErrConcurrentRotation, got %v", err)
	}

	// Revocation takes the same lock before its update, so the update sees
	// every committed link of the chain.
	mock.ExpectBegin()
	mock.ExpectQuery("select user_id from refresh_tokens").WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))
	mock.ExpectExec(sessionLockQuery).WithArgs(sessionLockClass, "u1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("update refresh_tokens set revoked_at").
		WillReturnRows(sqlmock.NewRows(refreshRowColumns).
			AddRow("t3", "h3", "u1", "c1", testNow, testNow.Add(time.Hour), nil, testNow, nil))
	mock.ExpectCommit()
	if n, err := store.RevokeChain(context.Background(), "c1", testNow); err != nil || n != 1 {
		t.Fatalf("RevokeChain: %d %v", n, err)
	}
	expectationsMet(t, mock)
}

func TestRevokeChainUnknownChain(t *testing.T) {
	store, mock, hook := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select user_id from refresh_tokens").WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	mock.ExpectCommit()

	if n, err := store.RevokeChain(context.Background(), "ghost", testNow); err != nil || n != 0 {
		t.Fatalf("expected nothing revoked, got %d %v", n, err)
	}
	if len(hook.calls) != 0 {
		t.Fatal("no changes expected")
	}
	expectationsMet(t, mock)
}
