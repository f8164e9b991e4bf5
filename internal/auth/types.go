package auth

import "time"

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Built-in role names. Roles are stored lower-case.
const (
	RoleAdmin       = "admin"
	RoleUser        = "user"
	RoleCompanyUser = "company_user"
	RoleAuditor     = "auditor"
	RoleManager     = "manager"
)

// User is a first-party account. Users are soft-disabled, never deleted.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	PasswordSalt []byte    `json:"-"`
	Status       string    `json:"status"`
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (u *User) AuditType() string { return "user" }
func (u *User) AuditID() string   { return u.ID }

// Active reports whether the user may authenticate.
func (u *User) Active() bool { return u != nil && u.Status == StatusActive }

// Role is a named permission bucket.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserRole joins users and roles.
type UserRole struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *UserRole) AuditType() string { return "user_role" }
func (r *UserRole) AuditID() string   { return r.UserID + ":" + r.Role }

// RefreshToken is one link of a session chain. The opaque value is never stored;
// TokenHash is its SHA-256 digest and acts as the lookup key.
type RefreshToken struct {
	ID         string     `json:"id"`
	TokenHash  string     `json:"-"`
	UserID     string     `json:"user_id"`
	ChainID    string     `json:"chain_id"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	ReplacedBy string     `json:"replaced_by,omitempty"`
}

func (t *RefreshToken) AuditType() string { return "refresh_token" }
func (t *RefreshToken) AuditID() string   { return t.ID }

// Used reports whether the token was consumed by a rotation.
func (t *RefreshToken) Used() bool { return t.UsedAt != nil }

// Revoked reports whether the token was revoked by logout or reuse detection.
func (t *RefreshToken) Revoked() bool { return t.RevokedAt != nil }

// Expired reports whether now is at or past the expiry.
func (t *RefreshToken) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// ChainState describes where a session chain link sits in its lifecycle.
type ChainState string

const (
	StateActive  ChainState = "active"
	StateRotated ChainState = "rotated"
	StateRevoked ChainState = "revoked"
	StateExpired ChainState = "expired"
)

// State derives the lifecycle state of the token at now. Revocation is terminal
// and wins over every other flag.
func (t *RefreshToken) State(now time.Time) ChainState {
	switch {
	case t.Revoked():
		return StateRevoked
	case t.Used():
		return StateRotated
	case t.Expired(now):
		return StateExpired
	default:
		return StateActive
	}
}

// TokenPair is what a successful login or refresh hands to the transport layer.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        string
}

// Session bundles the authenticated user with freshly issued credentials.
type Session struct {
	User   *User
	Tokens TokenPair
}

// RegisterInput carries the fields accepted at registration.
type RegisterInput struct {
	Username string
	Email    string
	Password string
}
