// Package memory is a process-local store with the same contracts and audit
// hooks as the PostgreSQL store. It backs local mode and transport tests.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"nbihak.org/internal/accounts"
	"nbihak.org/internal/audit"
	"nbihak.org/internal/auth"
	"nbihak.org/internal/obs"
)

// Hook receives the changes of every successful write.
type Hook interface {
	AfterCommit(ctx context.Context, changes []audit.Change) error
}

type Store struct {
	mu       sync.Mutex
	users    map[string]*auth.User
	roles    []auth.Role
	tokens   map[string]*auth.RefreshToken
	accounts map[string]*accounts.Account
	hooks    []Hook
	now      func() time.Time
	log      *slog.Logger
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

var (
	_ auth.UserStore         = (*Store)(nil)
	_ auth.RefreshTokenStore = (*Store)(nil)
	_ auth.RoleStore         = (*Store)(nil)
	_ accounts.Store         = (*Store)(nil)
)

// New seeds the built-in roles.
func New(opts ...Option) *Store {
	s := &Store{
		users:    make(map[string]*auth.User),
		tokens:   make(map[string]*auth.RefreshToken),
		accounts: make(map[string]*accounts.Account),
		now:      time.Now,
		log:      obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, name := range []string{auth.RoleAdmin, auth.RoleAuditor, auth.RoleCompanyUser, auth.RoleManager, auth.RoleUser} {
		s.roles = append(s.roles, auth.Role{ID: name, Name: name, CreatedAt: time.Now().UTC()})
	}
	return s
}

func (s *Store) AddPostCommitHook(h Hook) {
	if h != nil {
		s.hooks = append(s.hooks, h)
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// commit runs the hooks outside the lock.
func (s *Store) commit(ctx context.Context, changes ...audit.Change) {
	for _, h := range s.hooks {
		if err := h.AfterCommit(ctx, changes); err != nil {
			s.log.WarnContext(ctx, "store.post_commit.failed", "changes", len(changes), "error", err)
		}
	}
}

func (s *Store) hasRole(name string) bool {
	for _, r := range s.roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	for _, existing := range s.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			s.mu.Unlock()
			return auth.ErrDuplicateIdentity
		}
	}
	for _, r := range u.Roles {
		if !s.hasRole(r) {
			s.mu.Unlock()
			return auth.ErrNotFound
		}
	}
	now := s.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	cp.Roles = slices.Clone(u.Roles)
	s.users[u.ID] = &cp
	s.mu.Unlock()

	changes := []audit.Change{{Op: audit.OpCreated, Entity: u}}
	for _, r := range u.Roles {
		changes = append(changes, audit.Change{Op: audit.OpCreated, Entity: &auth.UserRole{UserID: u.ID, Role: r, CreatedAt: now}})
	}
	s.commit(ctx, changes...)
	return nil
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userCopy(s.users[id])
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return s.userCopy(u)
		}
	}
	return nil, auth.ErrNotFound
}

func (s *Store) userCopy(u *auth.User) (*auth.User, error) {
	if u == nil {
		return nil, auth.ErrNotFound
	}
	cp := *u
	cp.Roles = slices.Clone(u.Roles)
	sort.Strings(cp.Roles)
	return &cp, nil
}

func (s *Store) UpdatePassword(ctx context.Context, userID, digest string, salt []byte) error {
	return s.updateUser(ctx, userID, func(u *auth.User) {
		u.PasswordHash, u.PasswordSalt = digest, slices.Clone(salt)
	})
}

func (s *Store) SetUserStatus(ctx context.Context, userID, status string) error {
	return s.updateUser(ctx, userID, func(u *auth.User) { u.Status = status })
}

func (s *Store) updateUser(ctx context.Context, userID string, fn func(*auth.User)) error {
	s.mu.Lock()
	u, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return auth.ErrNotFound
	}
	fn(u)
	u.UpdatedAt = s.now().UTC()
	snapshot, _ := s.userCopy(u)
	s.mu.Unlock()
	s.commit(ctx, audit.Change{Op: audit.OpModified, Entity: snapshot})
	return nil
}

func (s *Store) ListRoles(context.Context) ([]auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.roles), nil
}

func (s *Store) AssignRole(ctx context.Context, userID, role string) error {
	s.mu.Lock()
	u, ok := s.users[userID]
	if !ok || !s.hasRole(role) {
		s.mu.Unlock()
		return auth.ErrNotFound
	}
	if slices.Contains(u.Roles, role) {
		s.mu.Unlock()
		return nil
	}
	u.Roles = append(u.Roles, role)
	s.mu.Unlock()
	s.commit(ctx, audit.Change{Op: audit.OpCreated, Entity: &auth.UserRole{UserID: userID, Role: role, CreatedAt: s.now().UTC()}})
	return nil
}

func (s *Store) RemoveRole(ctx context.Context, userID, role string) error {
	s.mu.Lock()
	u, ok := s.users[userID]
	if !ok || !slices.Contains(u.Roles, role) {
		s.mu.Unlock()
		return nil
	}
	u.Roles = slices.DeleteFunc(u.Roles, func(r string) bool { return r == role })
	s.mu.Unlock()
	s.commit(ctx, audit.Change{Op: audit.OpDeleted, Entity: &auth.UserRole{UserID: userID, Role: role}})
	return nil
}
