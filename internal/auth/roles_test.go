package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestRoleServiceAssignAndRemove(t *testing.T) {
	f := newServiceFixture(t)
	u := f.register(t, "nina", "nina@x.com", "Passw0rd!")
	roles, err := NewRoleService(f.store, f.store)
	if err != nil {
		t.Fatalf("NewRoleService: %v", err)
	}
	ctx := context.Background()

	updated, err := roles.AssignRole(ctx, u.ID, " Manager ")
	if err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if !slices.Equal(updated.Roles, []string{RoleUser, RoleManager}) {
		t.Fatalf("unexpected roles: %v", updated.Roles)
	}
	if again, err := roles.AssignRole(ctx, u.ID, RoleManager); err != nil || len(again.Roles) != 2 {
		t.Fatalf("expected idempotent assign, got %v %v", again, err)
	}

	login, err := f.svc.Login(ctx, "nina", "Passw0rd!")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := f.svc.Authenticate(ctx, login.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !slices.Contains(claims.Roles, RoleManager) {
		t.Fatalf("new role missing from access token: %v", claims.Roles)
	}

	updated, err = roles.RemoveRole(ctx, u.ID, RoleUser)
	if err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}
	if !slices.Equal(updated.Roles, []string{RoleManager}) {
		t.Fatalf("unexpected roles after removal: %v", updated.Roles)
	}
	if _, err := roles.RemoveRole(ctx, u.ID, RoleManager); !errors.Is(err, ErrLastRole) {
		t.Fatalf("expected ErrLastRole, got %v", err)
	}
}

func TestRoleServiceRejectsUnknown(t *testing.T) {
	f := newServiceFixture(t)
	u := f.register(t, "oscar", "oscar@x.com", "Passw0rd!")
	roles, _ := NewRoleService(f.store, f.store)

	if _, err := roles.AssignRole(context.Background(), u.ID, "wizard"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown role, got %v", err)
	}
	if _, err := roles.AssignRole(context.Background(), "missing", RoleAdmin); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
	if _, err := roles.AssignRole(context.Background(), "", RoleAdmin); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	list, err := roles.ListRoles(context.Background())
	if err != nil || len(list) != 5 {
		t.Fatalf("unexpected role catalogue: %v %v", list, err)
	}
	if _, err := NewRoleService(nil, nil); err == nil {
		t.Fatal("expected error for missing stores")
	}
}
