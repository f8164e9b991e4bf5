package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"nbihak.org/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrQueryCanceled       = "57014"
	pgErrAdminShutdown       = "57P01"
	pgErrCannotConnectNow    = "57P03"
)

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error, constraint string) bool {
	pgErr, ok := maybePgError(err)
	if !ok || pgErr.Code != pgErrUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func isForeignKeyViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrForeignKeyViolation
}

// mapError folds infrastructure failures into auth.ErrStorageUnavailable and
// leaves everything else untouched.
func mapError(err error) error {
	if err == nil || errors.Is(err, auth.ErrStorageUnavailable) {
		return err
	}
	if unavailable(err) {
		return fmt.Errorf("%w: %v", auth.ErrStorageUnavailable, err)
	}
	return err
}

func unavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	if pgErr, ok := maybePgError(err); ok {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == pgErrQueryCanceled,
			pgErr.Code == pgErrAdminShutdown,
			pgErr.Code == pgErrCannotConnectNow:
			return true
		}
		return false
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
