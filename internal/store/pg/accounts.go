package pg

import (
	"context"
	"database/sql"
	"errors"

	"nbihak.org/internal/accounts"
	"nbihak.org/internal/audit"
)

const accountColumns = `id, user_id, account_number, owner_name, currency, balance, is_active, opened_at, updated_at`

func (s *Store) CreateAccount(ctx context.Context, a *accounts.Account) error {
	return s.WithinTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into bank_accounts (`+accountColumns+`)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, a.ID, a.UserID, a.AccountNumber, a.OwnerName, a.Currency, a.Balance, a.IsActive, a.OpenedAt, a.UpdatedAt)
		if isUniqueViolation(err, "bank_accounts_account_number_key") {
			return accounts.ErrDuplicateNumber
		}
		if isForeignKeyViolation(err) {
			return accounts.ErrNotFound
		}
		if err != nil {
			return err
		}
		tx.Track(audit.OpCreated, a)
		return nil
	})
}

func (s *Store) GetAccount(ctx context.Context, id string) (*accounts.Account, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from bank_accounts where id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, accounts.ErrNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context, limit, offset int) ([]accounts.Account, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from bank_accounts`).Scan(&total); err != nil {
		return nil, 0, mapError(err)
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+accountColumns+`
		from bank_accounts
		order by opened_at, id
		limit $1 offset $2
	`, limit, offset)
	if err != nil {
		return nil, 0, mapError(err)
	}
	list, err := collectAccounts(rows)
	return list, total, err
}

func (s *Store) ListAccountsByUser(ctx context.Context, userID string) ([]accounts.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+accountColumns+`
		from bank_accounts
		where user_id = $1
		order by opened_at, id
	`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	return collectAccounts(rows)
}

func (s *Store) UpdateAccount(ctx context.Context, a *accounts.Account) error {
	return s.WithinTx(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `
			update bank_accounts
			set owner_name = $2, currency = $3, balance = $4, is_active = $5, updated_at = $6
			where id = $1
		`, a.ID, a.OwnerName, a.Currency, a.Balance, a.IsActive, a.UpdatedAt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return accounts.ErrNotFound
		}
		tx.Track(audit.OpModified, a)
		return nil
	})
}

func (s *Store) DeleteAccount(ctx context.Context, id string) (*accounts.Account, error) {
	var deleted *accounts.Account
	err := s.WithinTx(ctx, func(tx *Tx) error {
		row := tx.QueryRowContext(ctx, `delete from bank_accounts where id = $1 returning `+accountColumns, id)
		a, err := scanAccount(row)
		if errors.Is(err, sql.ErrNoRows) {
			return accounts.ErrNotFound
		}
		if err != nil {
			return err
		}
		tx.Track(audit.OpDeleted, a)
		deleted = a
		return nil
	})
	return deleted, err
}

func scanAccount(row scanner) (*accounts.Account, error) {
	var a accounts.Account
	if err := row.Scan(&a.ID, &a.UserID, &a.AccountNumber, &a.OwnerName, &a.Currency, &a.Balance, &a.IsActive, &a.OpenedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAccounts(rows *sql.Rows) ([]accounts.Account, error) {
	defer rows.Close()
	var list []accounts.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return list, nil
}
