package auth

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/openclaw/core/internal/config"
	"github.com/openclaw/core/internal/user"
)

func testRegistry(t *testing.T) *user.Registry {
	t.Helper()
	passwordHash, err := user.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	cfg := &config.Config{
		OwnerUserID: "owner",
		Users: map[string]config.UserConfig{
			"owner": {
				Name:   "Owner",
				Scopes: []string{user.ScopeAdmin},
			},
			"alice": {
				Name:   "Alice",
				Scopes: []string{user.ScopeRead},
				Credentials: []config.CredentialConfig{
					{Type: "password", Hash: passwordHash},
				},
			},
		},
	}
	return user.NewRegistry(cfg)
}

func TestImplicitAuthReturnsOwner(t *testing.T) {
	a := NewImplicitAuth(testRegistry(t))
	result, err := a.Authenticate(context.Background(), &AuthRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.User.ID != "owner" {
		t.Fatalf("expected owner, got %s", result.User.ID)
	}
}

func TestImplicitAuthFailsWithoutOwner(t *testing.T) {
	a := NewImplicitAuth(user.NewRegistry(&config.Config{}))
	if _, err := a.Authenticate(context.Background(), &AuthRequest{}); err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestChallengeAuthVerifiesPassword(t *testing.T) {
	a := NewChallengeAuth(testRegistry(t))
	result, err := a.Authenticate(context.Background(), &AuthRequest{
		Credentials: &Credentials{Type: "password", Secret: "hunter2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.User.ID != "alice" {
		t.Fatalf("expected alice, got %s", result.User.ID)
	}
}

func TestChallengeAuthRejectsWrongPassword(t *testing.T) {
	a := NewChallengeAuth(testRegistry(t))
	_, err := a.Authenticate(context.Background(), &AuthRequest{
		Credentials: &Credentials{Type: "password", Secret: "wrong"},
	})
	if err == nil {
		t.Fatal("expected an error for a wrong password")
	}
}

func TestChallengeAuthRequiresCredentials(t *testing.T) {
	a := NewChallengeAuth(testRegistry(t))
	if _, err := a.Authenticate(context.Background(), &AuthRequest{}); err != ErrNoCredentials {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestPlatformAuthFindsTailscaleIdentity(t *testing.T) {
	cfg := &config.Config{
		Users: map[string]config.UserConfig{
			"alice": {
				Identities: []config.IdentityConfig{{Provider: "tailscale", Value: "alice@ts.net"}},
			},
		},
	}
	a := NewPlatformAuth("tailscale", user.NewRegistry(cfg))
	result, err := a.Authenticate(context.Background(), &AuthRequest{PlatformUserID: "alice@ts.net"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.User.ID != "alice" {
		t.Fatalf("expected alice, got %s", result.User.ID)
	}
}

func TestPlatformAuthUnknownIdentityFails(t *testing.T) {
	a := NewPlatformAuth("tailscale", user.NewRegistry(&config.Config{}))
	if _, err := a.Authenticate(context.Background(), &AuthRequest{PlatformUserID: "nobody"}); err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func signedDeviceRequest(t *testing.T, priv ed25519.PrivateKey, deviceID, nonce string, signedAt time.Time) *DeviceAuthRequest {
	t.Helper()
	req := &DeviceAuthRequest{
		DeviceID:   deviceID,
		ClientID:   "phone",
		Role:       "operator",
		Scopes:     []string{user.ScopeRead},
		SignedAtMs: signedAt.UnixMilli(),
		Token:      nonce,
	}
	req.Signature = ed25519.Sign(priv, deviceSigningPayload(req))
	return req
}

func TestDeviceIdentityAuthVerifiesSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	keystore, err := user.OpenDeviceKeystore(filepath.Join(t.TempDir(), "devices.json"))
	if err != nil {
		t.Fatalf("OpenDeviceKeystore: %v", err)
	}
	if err := keystore.Register(&user.DeviceKey{DeviceID: "dev-1", PublicKey: pub, Role: "operator", Scopes: []string{user.ScopeRead}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	a := NewDeviceIdentityAuth(keystore, user.NewRegistry(&config.Config{}))
	req := signedDeviceRequest(t, priv, "dev-1", "nonce-abc", time.Now())

	result, err := a.Authenticate(context.Background(), &AuthRequest{Device: req, ExpectedNonce: "nonce-abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.User.ID != "device:dev-1" {
		t.Fatalf("expected a synthesized device user, got %s", result.User.ID)
	}
}

func TestDeviceIdentityAuthRejectsNonceMismatch(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	keystore, _ := user.OpenDeviceKeystore(filepath.Join(t.TempDir(), "devices.json"))
	keystore.Register(&user.DeviceKey{DeviceID: "dev-1", PublicKey: pub})

	a := NewDeviceIdentityAuth(keystore, user.NewRegistry(&config.Config{}))
	req := signedDeviceRequest(t, priv, "dev-1", "nonce-abc", time.Now())

	if _, err := a.Authenticate(context.Background(), &AuthRequest{Device: req, ExpectedNonce: "different-nonce"}); err == nil {
		t.Fatal("expected an error for a mismatched nonce")
	}
}

func TestDeviceIdentityAuthRejectsStaleSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	keystore, _ := user.OpenDeviceKeystore(filepath.Join(t.TempDir(), "devices.json"))
	keystore.Register(&user.DeviceKey{DeviceID: "dev-1", PublicKey: pub})

	a := NewDeviceIdentityAuth(keystore, user.NewRegistry(&config.Config{}))
	req := signedDeviceRequest(t, priv, "dev-1", "nonce-abc", time.Now().Add(-time.Hour))

	if _, err := a.Authenticate(context.Background(), &AuthRequest{Device: req, ExpectedNonce: "nonce-abc"}); err == nil {
		t.Fatal("expected an error for a stale signature")
	}
}

func TestDeviceIdentityAuthRejectsUnregisteredDevice(t *testing.T) {
	keystore, _ := user.OpenDeviceKeystore(filepath.Join(t.TempDir(), "devices.json"))
	a := NewDeviceIdentityAuth(keystore, user.NewRegistry(&config.Config{}))

	_, priv, _ := ed25519.GenerateKey(nil)
	req := signedDeviceRequest(t, priv, "unknown-device", "nonce-abc", time.Now())

	if _, err := a.Authenticate(context.Background(), &AuthRequest{Device: req, ExpectedNonce: "nonce-abc"}); err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestDeviceIdentityAuthRejectsTamperedSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	keystore, _ := user.OpenDeviceKeystore(filepath.Join(t.TempDir(), "devices.json"))
	keystore.Register(&user.DeviceKey{DeviceID: "dev-1", PublicKey: pub})

	a := NewDeviceIdentityAuth(keystore, user.NewRegistry(&config.Config{}))
	req := signedDeviceRequest(t, priv, "dev-1", "nonce-abc", time.Now())
	req.Scopes = append(req.Scopes, user.ScopeAdmin) // mutate after signing

	if _, err := a.Authenticate(context.Background(), &AuthRequest{Device: req, ExpectedNonce: "nonce-abc"}); err == nil {
		t.Fatal("expected an error for a payload that doesn't match its signature")
	}
}
