package auth

import (
	"context"
	"fmt"

	"github.com/openclaw/core/internal/user"
)

// ChallengeAuth implements the token-or-password auth mode: the presented
// secret is compared against every registered user's stored credential of
// the matching type, in constant time.
type ChallengeAuth struct {
	users *user.Registry
}

// NewChallengeAuth creates an authenticator that verifies a token or password.
func NewChallengeAuth(users *user.Registry) *ChallengeAuth {
	return &ChallengeAuth{users: users}
}

// AuthType returns AuthChallenge.
func (a *ChallengeAuth) AuthType() AuthType {
	return AuthChallenge
}

// Authenticate verifies the presented credential against stored hashes.
func (a *ChallengeAuth) Authenticate(ctx context.Context, req *AuthRequest) (*AuthResult, error) {
	if req.Credentials == nil || req.Credentials.Secret == "" {
		return nil, ErrNoCredentials
	}

	u, err := a.users.VerifyCredential(req.Credentials.Type, req.Credentials.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	return &AuthResult{User: u}, nil
}
