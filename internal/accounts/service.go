package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"nbihak.org/internal/auth"
	"nbihak.org/internal/ids"
	"nbihak.org/internal/obs"
)

const (
	maxOwnerNameLen  = 100
	maxNumberRetries = 3
	defaultPageSize  = 50
	maxPageSize      = 200
)

var (
	readRoles  = []string{auth.RoleAdmin, auth.RoleManager, auth.RoleAuditor}
	writeRoles = []string{auth.RoleAdmin, auth.RoleManager}
)

// CreateInput carries the fields accepted when opening an account.
type CreateInput struct {
	OwnerName      string `json:"owner_name"`
	Currency       string `json:"currency"`
	InitialBalance int64  `json:"initial_balance"`
}

// UpdateInput is a partial update; nil fields are left unchanged.
type UpdateInput struct {
	OwnerName *string `json:"owner_name"`
	Currency  *string `json:"currency"`
	Balance   *int64  `json:"balance"`
	IsActive  *bool   `json:"is_active"`
}

// Page is a listing window.
type Page struct {
	Accounts []Account `json:"accounts"`
	Total    int       `json:"total"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
}

type Service struct {
	store Store
	now   func() time.Time
	log   *slog.Logger
}

type Option func(*Service)

func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("accounts: store is required")
	}
	s := &Service{store: store, now: time.Now, log: obs.Logger()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create opens an account owned by the caller. Only admins and managers may open accounts.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Account, error) {
	userID, ok := auth.UserIDFromContext(ctx)
	if !ok || !auth.HasAnyRole(ctx, writeRoles...) {
		return nil, ErrForbidden
	}
	owner, err := validOwnerName(in.OwnerName)
	if err != nil {
		return nil, err
	}
	currency, err := validCurrency(in.Currency)
	if err != nil {
		return nil, err
	}
	if in.InitialBalance < 0 {
		return nil, fmt.Errorf("%w: balance must not be negative", ErrValidation)
	}

	now := s.now().UTC()
	acc := &Account{
		ID:        ids.NewAt(now),
		UserID:    userID,
		OwnerName: owner,
		Currency:  currency,
		Balance:   in.InitialBalance,
		IsActive:  true,
		OpenedAt:  now,
		UpdatedAt: now,
	}
	for attempt := 0; attempt < maxNumberRetries; attempt++ {
		acc.AccountNumber = newAccountNumber()
		err = s.store.CreateAccount(ctx, acc)
		if !errors.Is(err, ErrDuplicateNumber) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "accounts.created", "account_id", acc.ID, "user_id", userID)
	return acc, nil
}

// Get returns the account when the caller owns it or holds a reading role.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	acc, err := s.store.GetAccount(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if !canRead(ctx, acc.UserID) {
		return nil, ErrForbidden
	}
	return acc, nil
}

// List pages through every account. Requires admin, manager or auditor.
func (s *Service) List(ctx context.Context, limit, offset int) (Page, error) {
	if !auth.HasAnyRole(ctx, readRoles...) {
		return Page{}, ErrForbidden
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset = max(offset, 0)
	list, total, err := s.store.ListAccounts(ctx, limit, offset)
	if err != nil {
		return Page{}, err
	}
	if list == nil {
		list = []Account{}
	}
	return Page{Accounts: list, Total: total, Limit: limit, Offset: offset}, nil
}

// ListByUser returns the accounts of userID to that user or to a reading role.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if !canRead(ctx, userID) {
		return nil, ErrForbidden
	}
	list, err := s.store.ListAccountsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []Account{}
	}
	return list, nil
}

// Update applies a partial update. Owners, admins and managers may update.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*Account, error) {
	acc, err := s.store.GetAccount(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if !canWrite(ctx, acc.UserID) {
		return nil, ErrForbidden
	}
	if in.OwnerName != nil {
		if acc.OwnerName, err = validOwnerName(*in.OwnerName); err != nil {
			return nil, err
		}
	}
	if in.Currency != nil {
		if acc.Currency, err = validCurrency(*in.Currency); err != nil {
			return nil, err
		}
	}
	if in.Balance != nil {
		if *in.Balance < 0 {
			return nil, fmt.Errorf("%w: balance must not be negative", ErrValidation)
		}
		acc.Balance = *in.Balance
	}
	if in.IsActive != nil {
		acc.IsActive = *in.IsActive
	}
	acc.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateAccount(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// Delete removes the account. Owners, admins and managers may delete.
func (s *Service) Delete(ctx context.Context, id string) error {
	acc, err := s.store.GetAccount(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if !canWrite(ctx, acc.UserID) {
		return ErrForbidden
	}
	if _, err := s.store.DeleteAccount(ctx, acc.ID); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "accounts.deleted", "account_id", acc.ID)
	return nil
}

func canRead(ctx context.Context, ownerID string) bool {
	uid, ok := auth.UserIDFromContext(ctx)
	return ok && (uid == ownerID || auth.HasAnyRole(ctx, readRoles...))
}

func canWrite(ctx context.Context, ownerID string) bool {
	uid, ok := auth.UserIDFromContext(ctx)
	return ok && (uid == ownerID || auth.HasAnyRole(ctx, writeRoles...))
}

func validOwnerName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxOwnerNameLen {
		return "", fmt.Errorf("%w: owner name must be 1-%d characters", ErrValidation, maxOwnerNameLen)
	}
	return name, nil
}

func validCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", fmt.Errorf("%w: currency must be a 3 letter code", ErrValidation)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: currency must be a 3 letter code", ErrValidation)
		}
	}
	return code, nil
}

func newAccountNumber() string {
	return "ACC-" + strings.ToUpper(uuid.NewString()[:8])
}
