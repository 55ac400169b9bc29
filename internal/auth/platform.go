package auth

import (
	"context"

	"github.com/openclaw/core/internal/user"
)

// PlatformAuth provides authentication for identities an upstream proxy has
// already verified — the Gateway Router's Tailscale-proxy mode, where a
// signed header names the Tailscale user and this authenticator only needs
// to map that name to a registered operator.
type PlatformAuth struct {
	provider string         // "tailscale"
	users    *user.Registry // for looking up users by verified identity
}

// NewPlatformAuth creates an authenticator for a provider whose identity
// claims are already verified before reaching the core.
func NewPlatformAuth(provider string, users *user.Registry) *PlatformAuth {
	return &PlatformAuth{provider: provider, users: users}
}

// AuthType returns AuthPlatform
func (a *PlatformAuth) AuthType() AuthType {
	return AuthPlatform
}

// Authenticate looks up the user by platform ID
func (a *PlatformAuth) Authenticate(ctx context.Context, req *AuthRequest) (*AuthResult, error) {
	if req.PlatformUserID == "" {
		return nil, ErrNoPlatformUserID
	}

	// Look up user by platform identity
	u := a.users.FromIdentity(a.provider, req.PlatformUserID)
	if u == nil {
		return nil, ErrUserNotFound
	}

	return &AuthResult{User: u}, nil
}
