package memory

import (
	"context"
	"time"

	"nbihak.org/internal/audit"
	"nbihak.org/internal/auth"
)

func (s *Store) IssueRefreshToken(ctx context.Context, tok *auth.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, dup := s.tokens[tok.TokenHash]; dup {
		s.mu.Unlock()
		return auth.ErrTokenCollision
	}
	cp := *tok
	s.tokens[tok.TokenHash] = &cp
	s.mu.Unlock()
	s.commit(ctx, audit.Change{Op: audit.OpCreated, Entity: &cp})
	return nil
}

func (s *Store) FindRefreshToken(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[tokenHash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

// RotateRefreshToken performs the compare-and-swap under the store mutex.
func (s *Store) RotateRefreshToken(ctx context.Context, presentedHash string, next *auth.RefreshToken, now time.Time) (*auth.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, dup := s.tokens[next.TokenHash]; dup {
		s.mu.Unlock()
		return nil, auth.ErrTokenCollision
	}
	cur, ok := s.tokens[presentedHash]
	if !ok || cur.Used() || cur.Revoked() || cur.Expired(now) || s.chainRevoked(cur.ChainID) {
		s.mu.Unlock()
		return nil, auth.ErrConcurrentRotation
	}
	usedAt := now
	cur.UsedAt = &usedAt
	cur.ReplacedBy = next.ID
	successor := *next
	s.tokens[next.TokenHash] = &successor
	consumed := *cur
	s.mu.Unlock()

	s.commit(ctx,
		audit.Change{Op: audit.OpCreated, Entity: &successor},
		audit.Change{Op: audit.OpModified, Entity: &consumed},
	)
	return &consumed, nil
}

func (s *Store) RevokeChain(ctx context.Context, chainID string, now time.Time) (int, error) {
	return s.revoke(ctx, now, func(t *auth.RefreshToken) bool { return t.ChainID == chainID })
}

func (s *Store) RevokeUserTokens(ctx context.Context, userID string, now time.Time) (int, error) {
	return s.revoke(ctx, now, func(t *auth.RefreshToken) bool { return t.UserID == userID })
}

func (s *Store) revoke(ctx context.Context, now time.Time, match func(*auth.RefreshToken) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	var changes []audit.Change
	for _, tok := range s.tokens {
		if tok.RevokedAt == nil && match(tok) {
			at := now
			tok.RevokedAt = &at
			cp := *tok
			changes = append(changes, audit.Change{Op: audit.OpModified, Entity: &cp})
		}
	}
	s.mu.Unlock()
	if len(changes) > 0 {
		s.commit(ctx, changes...)
	}
	return len(changes), nil
}

func (s *Store) chainRevoked(chainID string) bool {
	for _, t := range s.tokens {
		if t.ChainID == chainID && t.Revoked() {
			return true
		}
	}
	return false
}
