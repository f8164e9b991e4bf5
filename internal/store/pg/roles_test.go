package pg

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"nbihak.org/internal/audit"
	"nbihak.org/internal/auth"
)

func TestRoleAssignment(t *testing.T) {
	store, mock, hook := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("insert into user_roles").WithArgs("u1", "manager").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(testNow))
	mock.ExpectCommit()
	if err := store.AssignRole(context.Background(), "u1", "manager"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("insert into user_roles").WithArgs("u1", "wizard").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))
	mock.ExpectRollback()
	if err := store.AssignRole(context.Background(), "u1", "wizard"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("delete from user_roles").WithArgs("u1", "manager").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	if err := store.RemoveRole(context.Background(), "u1", "manager"); err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}
	if len(hook.calls) != 2 || hook.calls[1][0].Op != audit.OpDeleted || hook.calls[1][0].Entity.AuditID() != "u1:manager" {
		t.Fatalf("unexpected hook calls: %+v", hook.calls)
	}

	mock.ExpectQuery("select id, name").WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "created_at"}).
		AddRow("r1", "admin", "Administrators", testNow).
		AddRow("r2", "user", "", testNow))
	roles, err := store.ListRoles(context.Background())
	if err != nil || len(roles) != 2 || roles[0].Name != "admin" {
		t.Fatalf("unexpected roles: %v %v", roles, err)
	}
	expectationsMet(t, mock)
}

func TestAssignRoleUnknownUser(t *testing.T) {
	store, mock, hook := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("insert into user_roles").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectRollback()

	err := store.AssignRole(context.Background(), "missing", "admin")
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(hook.calls) != 0 {
		t.Fatal("no audit on failed assignment")
	}
	expectationsMet(t, mock)
}

func TestRemoveRoleTracksOnlyWhenDeleted(t *testing.T) {
	store, mock, hook := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from user_roles").
		WithArgs("u1", "auditor").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := store.RemoveRole(context.Background(), "u1", "auditor"); err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}
	if len(hook.calls) != 0 {
		t.Fatalf("expected no changes for a missing membership, got %+v", hook.calls)
	}
	expectationsMet(t, mock)
}
