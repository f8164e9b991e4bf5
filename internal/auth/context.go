package auth

import (
	"context"
	"strings"
)

type ctxKey string

const (
	userIDKey    ctxKey = "auth_user_id"
	rolesKey     ctxKey = "auth_roles"
	sessionIDKey ctxKey = "auth_session_id"
)

// ContextWithUser stores user identity in the context.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, strings.TrimSpace(userID))
	if len(roles) > 0 {
		ctx = context.WithValue(ctx, rolesKey, normalizeRoles(roles))
	}
	return ctx
}

// ContextWithClaims stores the identity carried by verified access token claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	ctx = ContextWithUser(ctx, claims.Subject, claims.Roles)
	if claims.SessionID != "" {
		ctx = context.WithValue(ctx, sessionIDKey, claims.SessionID)
	}
	return ctx
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(userIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// SessionIDFromContext returns the refresh chain the caller's access token is bound to.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(sessionIDKey).(string)
	return v, ok && v != ""
}

// RolesFromContext returns the roles stored in context (deduplicated and lower-cased).
func RolesFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	v, ok := ctx.Value(rolesKey).([]string)
	if !ok || len(v) == 0 {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// HasRole checks whether the context contains the specified role.
func HasRole(ctx context.Context, role string) bool {
	return HasAnyRole(ctx, role)
}

// HasAnyRole reports whether the context carries at least one of roles.
func HasAnyRole(ctx context.Context, roles ...string) bool {
	have := RolesFromContext(ctx)
	for _, want := range roles {
		want = strings.TrimSpace(strings.ToLower(want))
		if want == "" {
			continue
		}
		for _, r := range have {
			if r == want {
				return true
			}
		}
	}
	return false
}

func normalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
