package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"nbihak.org/internal/audit"
	"nbihak.org/internal/auth"
)

const userColumns = `u.id, u.username, u.email, u.password_hash, u.password_salt, u.status, u.created_at, u.updated_at`

const selectUser = `
	select ` + userColumns + `, coalesce(string_agg(r.name, ',' order by r.name), '')
	from users u
	left join user_roles ur on ur.user_id = u.id
	left join roles r on r.id = ur.role_id
`

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	return s.WithinTx(ctx, func(tx *Tx) error {
		err := tx.QueryRowContext(ctx, `
			insert into users (id, username, email, password_hash, password_salt, status)
			values ($1, $2, $3, $4, $5, $6)
			returning created_at, updated_at
		`, u.ID, u.Username, u.Email, u.PasswordHash, u.PasswordSalt, u.Status).Scan(&u.CreatedAt, &u.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err, "") {
				return auth.ErrDuplicateIdentity
			}
			return err
		}
		tx.Track(audit.OpCreated, u)

		for _, role := range u.Roles {
			ur, err := assignRole(ctx, tx, u.ID, role)
			if err != nil {
				return err
			}
			if ur == nil {
				return fmt.Errorf("pg: role %q is not seeded: %w", role, auth.ErrNotFound)
			}
			tx.Track(audit.OpCreated, ur)
		}
		return nil
	})
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*auth.User, error) {
	return s.findUser(ctx, `where u.id = $1`, id)
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	return s.findUser(ctx, `where u.username = $1`, username)
}

func (s *Store) findUser(ctx context.Context, where string, arg any) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, selectUser+where+` group by u.id`, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return u, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*auth.User, error) {
	var (
		u     auth.User
		roles string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.PasswordSalt, &u.Status, &u.CreatedAt, &u.UpdatedAt, &roles); err != nil {
		return nil, err
	}
	if roles != "" {
		u.Roles = strings.Split(roles, ",")
	}
	return &u, nil
}

func (s *Store) UpdatePassword(ctx context.Context, userID, digest string, salt []byte) error {
	return s.updateUser(ctx, `password_hash = $2, password_salt = $3`, userID, digest, salt)
}

func (s *Store) SetUserStatus(ctx context.Context, userID, status string) error {
	return s.updateUser(ctx, `status = $2`, userID, status)
}

func (s *Store) updateUser(ctx context.Context, set string, args ...any) error {
	return s.WithinTx(ctx, func(tx *Tx) error {
		var (
			u     auth.User
			roles string
		)
		err := tx.QueryRowContext(ctx, `
			update users set `+set+`, updated_at = now()
			where id = $1
			returning id, username, email, status, created_at, updated_at,
			  coalesce((
			    select string_agg(r.name, ',' order by r.name)
			    from user_roles ur join roles r on r.id = ur.role_id
			    where ur.user_id = users.id
			  ), '')
		`, args...).Scan(&u.ID, &u.Username, &u.Email, &u.Status, &u.CreatedAt, &u.UpdatedAt, &roles)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		if err != nil {
			return err
		}
		if roles != "" {
			u.Roles = strings.Split(roles, ",")
		}
		tx.Track(audit.OpModified, &u)
		return nil
	})
}
