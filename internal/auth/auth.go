// Package auth implements the Gateway Router's authentication modes: local
// bypass, Tailscale-proxy identity, device identity, and token-or-password.
package auth

import (
	"context"
	"errors"

	"github.com/openclaw/core/internal/user"
)

var (
	ErrNoCredentials    = errors.New("credentials required")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrNoPlatformUserID = errors.New("no identity provided")
	ErrUserNotFound     = errors.New("user not found")
)

// AuthType identifies which of the Gateway Router's auth modes produced a result.
type AuthType string

const (
	AuthImplicit  AuthType = "implicit"  // local bypass - loopback peer, trusted by network position
	AuthPlatform  AuthType = "platform"  // identity already verified upstream (e.g. Tailscale)
	AuthDevice    AuthType = "device"    // ed25519-signed device identity
	AuthChallenge AuthType = "challenge" // token or password, verified here
)

// Authenticator verifies user identity for one Gateway Router auth mode.
type Authenticator interface {
	AuthType() AuthType
	Authenticate(ctx context.Context, req *AuthRequest) (*AuthResult, error)
}

// AuthRequest carries whichever credential shape a given Authenticator needs.
type AuthRequest struct {
	// For platform auth: an identity already verified by an upstream proxy.
	PlatformUserID string

	// For challenge auth (token or password).
	Credentials *Credentials

	// For device-identity auth.
	Device *DeviceAuthRequest
	// ExpectedNonce is the challenge nonce this connection issued at open;
	// Device.Token must equal it exactly.
	ExpectedNonce string
}

// Credentials is a presented secret for the token-or-password auth mode.
type Credentials struct {
	Type   string // "token" or "password"
	Secret string
}

// AuthResult carries the authenticated user.
type AuthResult struct {
	User *user.User
}
