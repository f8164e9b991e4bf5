package pg

import (
	"context"
	"database/sql"
	"errors"

	"nbihak.org/internal/audit"
	"nbihak.org/internal/auth"
)

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, coalesce(description, ''), created_at
		from roles
		order by name
	`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []auth.Role
	for rows.Next() {
		var r auth.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

func (s *Store) AssignRole(ctx context.Context, userID, role string) error {
	return s.WithinTx(ctx, func(tx *Tx) error {
		ur, err := assignRole(ctx, tx, userID, role)
		if err != nil {
			if isForeignKeyViolation(err) {
				return auth.ErrNotFound
			}
			return err
		}
		if ur == nil {
			return auth.ErrNotFound
		}
		tx.Track(audit.OpCreated, ur)
		return nil
	})
}

func (s *Store) RemoveRole(ctx context.Context, userID, role string) error {
	return s.WithinTx(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `
			delete from user_roles
			where user_id = $1 and role_id = (select id from roles where name = $2)
		`, userID, role)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			tx.Track(audit.OpDeleted, &auth.UserRole{UserID: userID, Role: role})
		}
		return nil
	})
}

// assignRole inserts the membership and returns nil when the role name is unknown
// or the membership already exists.
func assignRole(ctx context.Context, tx *Tx, userID, role string) (*auth.UserRole, error) {
	ur := &auth.UserRole{UserID: userID, Role: role}
	err := tx.QueryRowContext(ctx, `
		insert into user_roles (user_id, role_id)
		select $1, id from roles where name = $2
		on conflict do nothing
		returning created_at
	`, userID, role).Scan(&ur.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ur, nil
}
