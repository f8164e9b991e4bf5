package memory

import (
	"context"
	"sort"

	"nbihak.org/internal/accounts"
	"nbihak.org/internal/audit"
)

func (s *Store) CreateAccount(ctx context.Context, a *accounts.Account) error {
	s.mu.Lock()
	for _, existing := range s.accounts {
		if existing.AccountNumber == a.AccountNumber {
			s.mu.Unlock()
			return accounts.ErrDuplicateNumber
		}
	}
	cp := *a
	s.accounts[a.ID] = &cp
	s.mu.Unlock()
	s.commit(ctx, audit.Change{Op: audit.OpCreated, Entity: &cp})
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*accounts.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, accounts.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAccounts(ctx context.Context, limit, offset int) ([]accounts.Account, int, error) {
	all := s.sortedAccounts(func(*accounts.Account) bool { return true })
	if offset >= len(all) {
		return nil, len(all), nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], len(all), nil
}

func (s *Store) ListAccountsByUser(ctx context.Context, userID string) ([]accounts.Account, error) {
	return s.sortedAccounts(func(a *accounts.Account) bool { return a.UserID == userID }), nil
}

func (s *Store) sortedAccounts(match func(*accounts.Account) bool) []accounts.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []accounts.Account
	for _, a := range s.accounts {
		if match(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (s *Store) UpdateAccount(ctx context.Context, a *accounts.Account) error {
	s.mu.Lock()
	existing, ok := s.accounts[a.ID]
	if !ok {
		s.mu.Unlock()
		return accounts.ErrNotFound
	}
	*existing = *a
	cp := *existing
	s.mu.Unlock()
	s.commit(ctx, audit.Change{Op: audit.OpModified, Entity: &cp})
	return nil
}

func (s *Store) DeleteAccount(ctx context.Context, id string) (*accounts.Account, error) {
	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return nil, accounts.ErrNotFound
	}
	delete(s.accounts, id)
	s.mu.Unlock()
	s.commit(ctx, audit.Change{Op: audit.OpDeleted, Entity: a})
	return a, nil
}
