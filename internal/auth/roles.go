package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrLastRole is returned when removing a role would leave the user with none.
var ErrLastRole = errors.New("auth: user must keep at least one role")

// RoleService administers role memberships. Role changes take effect on the
// next access token the user is issued.
type RoleService struct {
	users UserStore
	store RoleStore
}

func NewRoleService(users UserStore, store RoleStore) (*RoleService, error) {
	if users == nil || store == nil {
		return nil, errors.New("auth: user and role stores are required")
	}
	return &RoleService{users: users, store: store}, nil
}

func (s *RoleService) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// AssignRole grants role to userID. Granting a role the user already holds is a no-op.
func (s *RoleService) AssignRole(ctx context.Context, userID, role string) (*User, error) {
	user, role, err := s.load(ctx, userID, role)
	if err != nil {
		return nil, err
	}
	for _, r := range user.Roles {
		if r == role {
			return user, nil
		}
	}
	if err := s.store.AssignRole(ctx, user.ID, role); err != nil {
		return nil, err
	}
	user.Roles = append(user.Roles, role)
	return user, nil
}

// RemoveRole revokes role from userID.
func (s *RoleService) RemoveRole(ctx context.Context, userID, role string) (*User, error) {
	user, role, err := s.load(ctx, userID, role)
	if err != nil {
		return nil, err
	}
	kept := make([]string, 0, len(user.Roles))
	for _, r := range user.Roles {
		if r != role {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(user.Roles) {
		return user, nil
	}
	if len(kept) == 0 {
		return nil, ErrLastRole
	}
	if err := s.store.RemoveRole(ctx, user.ID, role); err != nil {
		return nil, err
	}
	user.Roles = kept
	return user, nil
}

func (s *RoleService) load(ctx context.Context, userID, role string) (*User, string, error) {
	userID = strings.TrimSpace(userID)
	role = strings.TrimSpace(strings.ToLower(role))
	if userID == "" || role == "" {
		return nil, "", fmt.Errorf("%w: user_id and role are required", ErrValidation)
	}
	user, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	return user, role, nil
}
