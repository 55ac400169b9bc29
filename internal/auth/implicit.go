package auth

import (
	"context"

	"github.com/openclaw/core/internal/user"
)

// ImplicitAuth implements the Gateway Router's local-bypass auth mode: a
// loopback peer with no forwarded-for header skips credential verification
// entirely and is granted the owner account's scopes.
type ImplicitAuth struct {
	users *user.Registry
}

// NewImplicitAuth creates an authenticator for local-bypass access.
func NewImplicitAuth(users *user.Registry) *ImplicitAuth {
	return &ImplicitAuth{users: users}
}

// AuthType returns AuthImplicit.
func (a *ImplicitAuth) AuthType() AuthType {
	return AuthImplicit
}

// Authenticate returns the owner account without verifying any credential.
func (a *ImplicitAuth) Authenticate(ctx context.Context, req *AuthRequest) (*AuthResult, error) {
	owner := a.users.Owner()
	if owner == nil {
		return nil, ErrUserNotFound
	}
	return &AuthResult{User: owner}, nil
}
