package auth

import (
	"context"
	"time"
)

// UserStore persists users and their role memberships. Username and email
// uniqueness is enforced by the store, surfacing as ErrDuplicateIdentity.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	UpdatePassword(ctx context.Context, userID, digest string, salt []byte) error
	SetUserStatus(ctx context.Context, userID, status string) error
}

// RefreshTokenStore is the durable table of issued refresh tokens keyed by
// the SHA-256 of their value.
type RefreshTokenStore interface {
	// IssueRefreshToken inserts a new link. A duplicate hash yields ErrTokenCollision.
	IssueRefreshToken(ctx context.Context, tok *RefreshToken) error
	// FindRefreshToken returns the record in whatever state it is in, or ErrNotFound.
	FindRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// RotateRefreshToken marks the presented token used and links it to next in one
	// transaction. It fails with ErrConcurrentRotation when the presented token is no
	// longer unused, unrevoked and unexpired at now; nothing is written in that case.
	RotateRefreshToken(ctx context.Context, presentedHash string, next *RefreshToken, now time.Time) (*RefreshToken, error)
	// RevokeChain revokes every not yet revoked link of a chain and reports how many changed.
	RevokeChain(ctx context.Context, chainID string, now time.Time) (int, error)
	// RevokeUserTokens revokes every chain owned by userID.
	RevokeUserTokens(ctx context.Context, userID string, now time.Time) (int, error)
}

// RoleStore manages the role catalogue and memberships. Assigning an unknown
// role or touching an unknown user yields ErrNotFound.
type RoleStore interface {
	ListRoles(ctx context.Context) ([]Role, error)
	AssignRole(ctx context.Context, userID, role string) error
	RemoveRole(ctx context.Context, userID, role string) error
}
