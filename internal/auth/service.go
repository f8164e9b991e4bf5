package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nbihak.org/internal/events"
	"nbihak.org/internal/ids"
	"nbihak.org/internal/obs"
)

const (
	defaultRefreshTTL     = 7 * 24 * time.Hour
	defaultStorageTimeout = 3 * time.Second
	maxIssueAttempts      = 3
	timingEqualizer       = "nbihak-timing-equalizer"
)

// SessionService runs the register, login, refresh and revoke state machine.
// It holds no mutable session state; the stores are the only shared resource.
type SessionService struct {
	users  UserStore
	tokens RefreshTokenStore
	hasher PasswordHasher
	codec  *TokenCodec

	now            func() time.Time
	refreshTTL     time.Duration
	storageTimeout time.Duration
	defaultRoles   []string
	log            *slog.Logger
	events         events.Publisher

	dummyOnce   sync.Once
	dummyDigest string
	dummySalt   []byte
}

// ServiceOption configures SessionService behavior.
type ServiceOption func(*SessionService) error

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *SessionService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithStorageTimeout bounds each storage call. Zero keeps only the caller's deadline.
func WithStorageTimeout(d time.Duration) ServiceOption {
	return func(s *SessionService) error {
		if d >= 0 {
			s.storageTimeout = d
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *SessionService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithDefaultRoles sets the roles granted at registration.
func WithDefaultRoles(roles ...string) ServiceOption {
	return func(s *SessionService) error {
		roles = normalizeRoles(roles)
		if len(roles) == 0 {
			return errors.New("auth: at least one default role is required")
		}
		s.defaultRoles = roles
		return nil
	}
}

// WithLogger sets the logger for security relevant events.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *SessionService) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithEvents publishes security events (reuse detection, password change) to p.
func WithEvents(p events.Publisher) ServiceOption {
	return func(s *SessionService) error {
		if p != nil {
			s.events = p
		}
		return nil
	}
}

// NewSessionService wires the service from its collaborators.
func NewSessionService(users UserStore, tokens RefreshTokenStore, hasher PasswordHasher, codec *TokenCodec, opts ...ServiceOption) (*SessionService, error) {
	if users == nil || tokens == nil || hasher == nil || codec == nil {
		return nil, errors.New("auth: users, tokens, hasher and codec are required")
	}
	s := &SessionService{
		users:          users,
		tokens:         tokens,
		hasher:         hasher,
		codec:          codec,
		now:            time.Now,
		refreshTTL:     defaultRefreshTTL,
		storageTimeout: defaultStorageTimeout,
		defaultRoles:   []string{RoleUser},
		log:            obs.Logger(),
		events:         events.Noop{},
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RefreshTTL returns the refresh token lifetime, used by transports for cookie expiry.
func (s *SessionService) RefreshTTL() time.Duration { return s.refreshTTL }

// Register creates a user with the default roles. No tokens are issued.
func (s *SessionService) Register(ctx context.Context, in RegisterInput) (*User, error) {
	username, email, err := validateRegistration(in)
	if err != nil {
		return nil, err
	}
	digest, salt, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:           ids.New(),
		Username:     username,
		Email:        email,
		PasswordHash: digest,
		PasswordSalt: salt,
		Status:       StatusActive,
		Roles:        append([]string(nil), s.defaultRoles...),
	}

	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	if err := s.users.CreateUser(sctx, user); err != nil {
		if errors.Is(err, ErrDuplicateIdentity) {
			obs.AuthEvent("register_duplicate")
			return nil, ErrDuplicateIdentity
		}
		return nil, s.storageErr(err)
	}
	obs.AuthEvent("register")
	s.log.InfoContext(ctx, "auth.register", "user_id", user.ID, "username", user.Username)
	return user, nil
}

// Login verifies credentials and starts a new session chain.
// Unknown users and wrong passwords are indistinguishable to the caller.
func (s *SessionService) Login(ctx context.Context, username, password string) (*Session, error) {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		s.equalizeTiming(password)
		return nil, s.loginFailed(ctx, username, "empty")
	}

	sctx, cancel := s.storageCtx(ctx)
	user, err := s.users.FindUserByUsername(sctx, username)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		s.equalizeTiming(password)
		return nil, s.loginFailed(ctx, username, "unknown_user")
	case err != nil:
		return nil, s.storageErr(err)
	}

	if !s.hasher.Verify(password, user.PasswordHash, user.PasswordSalt) {
		return nil, s.loginFailed(ctx, username, "bad_password")
	}
	if !user.Active() {
		return nil, s.loginFailed(ctx, username, "disabled")
	}
	s.maybeRehash(ctx, user, password)

	now := s.now().UTC()
	value, root, err := s.issueRoot(ctx, user, now)
	if err != nil {
		return nil, err
	}
	session, err := s.session(user, value, root, now)
	if err != nil {
		return nil, err
	}
	obs.AuthEvent("login_success")
	s.log.InfoContext(ctx, "auth.login", "user_id", user.ID, "session_id", root.ChainID)
	return session, nil
}

// Refresh rotates the presented refresh token and issues a new pair.
func (s *SessionService) Refresh(ctx context.Context, presented string) (*Session, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return nil, ErrInvalidSession
	}
	hash := HashRefreshToken(presented)

	sctx, cancel := s.storageCtx(ctx)
	current, err := s.tokens.FindRefreshToken(sctx, hash)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		obs.AuthEvent("refresh_unknown")
		return nil, ErrInvalidSession
	case err != nil:
		return nil, s.storageErr(err)
	}

	now := s.now().UTC()
	if current.Used() {
		return nil, s.compromised(ctx, current, now)
	}
	if current.Revoked() || current.Expired(now) {
		obs.AuthEvent("refresh_rejected")
		return nil, ErrInvalidSession
	}

	sctx, cancel = s.storageCtx(ctx)
	user, err := s.users.FindUserByID(sctx, current.UserID)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, ErrInvalidSession
	case err != nil:
		return nil, s.storageErr(err)
	}
	if !user.Active() {
		return nil, ErrInvalidSession
	}

	value, next, err := s.rotate(ctx, hash, current, now)
	if err != nil {
		if errors.Is(err, ErrConcurrentRotation) {
			obs.AuthEvent("refresh_race_lost")
			s.log.WarnContext(ctx, "auth.refresh.concurrent", "user_id", current.UserID, "session_id", current.ChainID)
		}
		return nil, err
	}
	session, err := s.session(user, value, next, now)
	if err != nil {
		return nil, err
	}
	obs.AuthEvent("refresh_success")
	return session, nil
}

// Revoke ends the chain the presented token belongs to. Unknown or already
// revoked tokens are not an error.
func (s *SessionService) Revoke(ctx context.Context, presented string) error {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return nil
	}
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	tok, err := s.tokens.FindRefreshToken(sctx, HashRefreshToken(presented))
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return s.storageErr(err)
	}
	n, err := s.tokens.RevokeChain(sctx, tok.ChainID, s.now().UTC())
	if err != nil {
		return s.storageErr(err)
	}
	if n > 0 {
		obs.AuthEvent("logout")
		s.log.InfoContext(ctx, "auth.logout", "user_id", tok.UserID, "session_id", tok.ChainID)
	}
	return nil
}

// RevokeAll ends every session of userID (logout everywhere).
func (s *SessionService) RevokeAll(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	n, err := s.tokens.RevokeUserTokens(sctx, userID, s.now().UTC())
	if err != nil {
		return s.storageErr(err)
	}
	obs.AuthEvent("logout_all")
	s.log.InfoContext(ctx, "auth.logout_all", "user_id", userID, "revoked", n)
	return nil
}

// Authenticate verifies an access token. Validity is signature plus expiry only.
func (s *SessionService) Authenticate(_ context.Context, accessToken string) (*Claims, error) {
	return s.codec.VerifyAccessToken(accessToken, s.now())
}

// CurrentUser loads the user behind verified claims.
func (s *SessionService) CurrentUser(ctx context.Context, userID string) (*User, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	user, err := s.users.FindUserByID(sctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, s.storageErr(err)
	}
	return user, nil
}

// ChangePassword replaces the credential after verifying the current one and
// revokes every session of the user.
func (s *SessionService) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := validatePassword(next); err != nil {
		return err
	}
	user, err := s.CurrentUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if !s.hasher.Verify(current, user.PasswordHash, user.PasswordSalt) || !user.Active() {
		return s.loginFailed(ctx, user.Username, "bad_password")
	}
	digest, salt, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}

	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	if err := s.users.UpdatePassword(sctx, user.ID, digest, salt); err != nil {
		return s.storageErr(err)
	}
	now := s.now().UTC()
	if _, err := s.tokens.RevokeUserTokens(sctx, user.ID, now); err != nil {
		return s.storageErr(err)
	}
	obs.AuthEvent("password_changed")
	s.publish(ctx, events.Event{Type: events.PasswordChanged, UserID: user.ID, OccurredAt: now})
	return nil
}

// DisableUser soft-disables an account and revokes its sessions.
func (s *SessionService) DisableUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	if err := s.users.SetUserStatus(sctx, userID, StatusDisabled); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return s.storageErr(err)
	}
	now := s.now().UTC()
	if _, err := s.tokens.RevokeUserTokens(sctx, userID, now); err != nil {
		return s.storageErr(err)
	}
	obs.AuthEvent("user_disabled")
	s.publish(ctx, events.Event{Type: events.UserDisabled, UserID: userID, OccurredAt: now})
	return nil
}

// ChainState reports the lifecycle state of the presented refresh token.
func (s *SessionService) ChainState(ctx context.Context, presented string) (ChainState, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	tok, err := s.tokens.FindRefreshToken(sctx, HashRefreshToken(strings.TrimSpace(presented)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrInvalidSession
		}
		return "", s.storageErr(err)
	}
	return tok.State(s.now()), nil
}

func (s *SessionService) issueRoot(ctx context.Context, user *User, now time.Time) (string, *RefreshToken, error) {
	chainID := ids.NewAt(now)
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		value, tok, err := s.newLink(user.ID, chainID, now)
		if err != nil {
			return "", nil, err
		}
		sctx, cancel := s.storageCtx(ctx)
		err = s.tokens.IssueRefreshToken(sctx, tok)
		cancel()
		if errors.Is(err, ErrTokenCollision) {
			continue
		}
		if err != nil {
			return "", nil, s.storageErr(err)
		}
		return value, tok, nil
	}
	return "", nil, ErrTokenCollision
}

func (s *SessionService) rotate(ctx context.Context, presentedHash string, current *RefreshToken, now time.Time) (string, *RefreshToken, error) {
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		value, next, err := s.newLink(current.UserID, current.ChainID, now)
		if err != nil {
			return "", nil, err
		}
		sctx, cancel := s.storageCtx(ctx)
		_, err = s.tokens.RotateRefreshToken(sctx, presentedHash, next, now)
		cancel()
		switch {
		case err == nil:
			return value, next, nil
		case errors.Is(err, ErrTokenCollision):
			continue
		case errors.Is(err, ErrConcurrentRotation):
			return "", nil, ErrConcurrentRotation
		default:
			return "", nil, s.storageErr(err)
		}
	}
	return "", nil, ErrTokenCollision
}

func (s *SessionService) newLink(userID, chainID string, now time.Time) (string, *RefreshToken, error) {
	value, err := GenerateRefreshTokenValue()
	if err != nil {
		return "", nil, err
	}
	return value, &RefreshToken{
		ID:        ids.NewAt(now),
		TokenHash: HashRefreshToken(value),
		UserID:    userID,
		ChainID:   chainID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	}, nil
}

func (s *SessionService) session(user *User, value string, tok *RefreshToken, now time.Time) (*Session, error) {
	access, accessExp, err := s.codec.IssueAccessToken(user.ID, user.Roles, tok.ChainID, now)
	if err != nil {
		return nil, err
	}
	return &Session{
		User: user,
		Tokens: TokenPair{
			AccessToken:      access,
			AccessExpiresAt:  accessExp,
			RefreshToken:     value,
			RefreshExpiresAt: tok.ExpiresAt,
			SessionID:        tok.ChainID,
		},
	}, nil
}

// compromised handles presentation of a consumed token: the whole chain is
// revoked even when the caller has gone away.
func (s *SessionService) compromised(ctx context.Context, tok *RefreshToken, now time.Time) error {
	obs.AuthEvent("refresh_reuse")
	s.log.WarnContext(ctx, "auth.refresh.reuse_detected",
		"user_id", tok.UserID, "session_id", tok.ChainID, "token_id", tok.ID)

	rctx, cancel := s.storageCtx(context.WithoutCancel(ctx))
	defer cancel()
	if _, err := s.tokens.RevokeChain(rctx, tok.ChainID, now); err != nil {
		s.log.ErrorContext(ctx, "auth.refresh.revoke_chain_failed", "session_id", tok.ChainID, "error", err)
		return s.storageErr(err)
	}
	s.publish(ctx, events.Event{
		Type:       events.SessionCompromised,
		UserID:     tok.UserID,
		SessionID:  tok.ChainID,
		OccurredAt: now,
	})
	return ErrSessionCompromised
}

func (s *SessionService) loginFailed(ctx context.Context, username, reason string) error {
	obs.AuthEvent("login_failed")
	s.log.InfoContext(ctx, "auth.login.failed", "username", username, "reason", reason)
	return ErrInvalidCredentials
}

// equalizeTiming spends one verification on a fixed digest so unknown users
// take as long as wrong passwords.
func (s *SessionService) equalizeTiming(password string) {
	s.dummyOnce.Do(func() {
		s.dummyDigest, s.dummySalt, _ = s.hasher.Hash(timingEqualizer)
	})
	_ = s.hasher.Verify(password, s.dummyDigest, s.dummySalt)
}

type rehasher interface {
	NeedsRehash(digest string) bool
}

func (s *SessionService) maybeRehash(ctx context.Context, user *User, password string) {
	rh, ok := s.hasher.(rehasher)
	if !ok || !rh.NeedsRehash(user.PasswordHash) {
		return
	}
	digest, salt, err := s.hasher.Hash(password)
	if err != nil {
		return
	}
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	if err := s.users.UpdatePassword(sctx, user.ID, digest, salt); err != nil {
		s.log.WarnContext(ctx, "auth.rehash.failed", "user_id", user.ID, "error", err)
		return
	}
	user.PasswordHash, user.PasswordSalt = digest, salt
}

func (s *SessionService) publish(ctx context.Context, ev events.Event) {
	pctx, cancel := s.storageCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := s.events.Publish(pctx, ev); err != nil {
		s.log.WarnContext(ctx, "auth.event.publish_failed", "type", ev.Type, "error", err)
	}
}

func (s *SessionService) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storageTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.storageTimeout)
}

// storageErr folds deadline expiry into ErrStorageUnavailable; a timeout never
// invalidates a session.
func (s *SessionService) storageErr(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}
