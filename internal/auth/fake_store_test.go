package auth

import (
	"context"
	"slices"
	"sync"
	"time"
)

// fakeStore is a mutex-guarded stand-in for the relational store. The mutex
// plays the role of row locking so compare-and-swap semantics match Postgres.
type fakeStore struct {
	mu     sync.Mutex
	users  map[string]*User
	tokens map[string]*RefreshToken

	findTokenFn func(hash string) error
	rotateFn    func() error
	issueFn     func(tok *RefreshToken) error
	rotations   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  make(map[string]*User),
		tokens: make(map[string]*RefreshToken),
	}
}

var (
	_ UserStore         = (*fakeStore)(nil)
	_ RefreshTokenStore = (*fakeStore)(nil)
	_ RoleStore         = (*fakeStore)(nil)
)

var builtinRoles = []string{RoleAdmin, RoleUser, RoleCompanyUser, RoleAuditor, RoleManager}

func (f *fakeStore) CreateUser(ctx context.Context, u *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return ErrDuplicateIdentity
		}
	}
	cp := *u
	f.users[u.ID] = &cp
	return nil
}

func (f *fakeStore) FindUserByID(ctx context.Context, id string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) UpdatePassword(ctx context.Context, userID, digest string, salt []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash, u.PasswordSalt = digest, salt
	return nil
}

func (f *fakeStore) SetUserStatus(ctx context.Context, userID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	return nil
}

func (f *fakeStore) IssueRefreshToken(ctx context.Context, tok *RefreshToken) error {
	if f.issueFn != nil {
		if err := f.issueFn(tok); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.tokens[tok.TokenHash]; dup {
		return ErrTokenCollision
	}
	cp := *tok
	f.tokens[tok.TokenHash] = &cp
	return nil
}

func (f *fakeStore) FindRefreshToken(ctx context.Context, hash string) (*RefreshToken, error) {
	if f.findTokenFn != nil {
		if err := f.findTokenFn(hash); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, ok := f.tokens[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (f *fakeStore) RotateRefreshToken(ctx context.Context, presentedHash string, next *RefreshToken, now time.Time) (*RefreshToken, error) {
	if f.rotateFn != nil {
		if err := f.rotateFn(); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.tokens[next.TokenHash]; dup {
		return nil, ErrTokenCollision
	}
	cur, ok := f.tokens[presentedHash]
	if !ok || cur.Used() || cur.Revoked() || cur.Expired(now) {
		return nil, ErrConcurrentRotation
	}
	usedAt := now
	cur.UsedAt = &usedAt
	cur.ReplacedBy = next.ID
	cp := *next
	f.tokens[next.TokenHash] = &cp
	f.rotations++
	out := *cur
	return &out, nil
}

func (f *fakeStore) RevokeChain(ctx context.Context, chainID string, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, tok := range f.tokens {
		if tok.ChainID == chainID && tok.RevokedAt == nil {
			at := now
			tok.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) RevokeUserTokens(ctx context.Context, userID string, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, tok := range f.tokens {
		if tok.UserID == userID && tok.RevokedAt == nil {
			at := now
			tok.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListRoles(ctx context.Context) ([]Role, error) {
	out := make([]Role, 0, len(builtinRoles))
	for _, name := range builtinRoles {
		out = append(out, Role{ID: name, Name: name})
	}
	return out, nil
}

func (f *fakeStore) AssignRole(ctx context.Context, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || !slices.Contains(builtinRoles, role) {
		return ErrNotFound
	}
	if !slices.Contains(u.Roles, role) {
		u.Roles = append(slices.Clone(u.Roles), role)
	}
	return nil
}

func (f *fakeStore) RemoveRole(ctx context.Context, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Roles = slices.DeleteFunc(slices.Clone(u.Roles), func(r string) bool { return r == role })
	return nil
}

func (f *fakeStore) tokenByValue(value string) *RefreshToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok := f.tokens[HashRefreshToken(value)]
	if tok == nil {
		return nil
	}
	cp := *tok
	return &cp
}
