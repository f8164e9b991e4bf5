// Package accounts manages customer bank accounts. Every write goes through a
// store unit of work and is therefore audited.
package accounts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("accounts: not found")
	ErrValidation = errors.New("accounts: validation failed")
	ErrForbidden  = errors.New("accounts: forbidden")
	// ErrDuplicateNumber is raised by stores when a generated account number is taken.
	ErrDuplicateNumber = errors.New("accounts: duplicate account number")
)

// Account is a customer account. Balance is held in minor units of Currency.
type Account struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	AccountNumber string    `json:"account_number"`
	OwnerName     string    `json:"owner_name"`
	Currency      string    `json:"currency"`
	Balance       int64     `json:"balance"`
	IsActive      bool      `json:"is_active"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (a *Account) AuditType() string { return "bank_account" }
func (a *Account) AuditID() string   { return a.ID }

// Store persists accounts.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	// ListAccounts returns one page ordered by opening time and the total count.
	ListAccounts(ctx context.Context, limit, offset int) ([]Account, int, error)
	ListAccountsByUser(ctx context.Context, userID string) ([]Account, error)
	UpdateAccount(ctx context.Context, a *Account) error
	// DeleteAccount removes the account and returns its last state.
	DeleteAccount(ctx context.Context, id string) (*Account, error)
}
