package auth

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openclaw/core/internal/user"
)

// DeviceSignatureWindow bounds how far a device's claimed signing time may
// drift from server time before the signature is rejected as stale.
const DeviceSignatureWindow = 5 * time.Minute

// DeviceAuthRequest is the device-identity block of a handshake frame.
type DeviceAuthRequest struct {
	DeviceID   string
	ClientID   string
	Role       string
	Scopes     []string
	SignedAtMs int64
	Token      string // must equal the connection's challenge nonce
	Signature  []byte
}

// DeviceIdentityAuth implements the Gateway Router's device-identity auth
// mode: the client signs {deviceId, clientId, role, scopes, signedAtMs,
// token} with the private half of a keypair registered during pairing, and
// the server verifies that signature against the stored public key.
type DeviceIdentityAuth struct {
	keystore *user.DeviceKeystore
	users    *user.Registry
}

// NewDeviceIdentityAuth creates an authenticator for registered device keys.
func NewDeviceIdentityAuth(keystore *user.DeviceKeystore, users *user.Registry) *DeviceIdentityAuth {
	return &DeviceIdentityAuth{keystore: keystore, users: users}
}

// AuthType returns AuthDevice.
func (a *DeviceIdentityAuth) AuthType() AuthType {
	return AuthDevice
}

// Authenticate verifies the device's signature and token freshness.
func (a *DeviceIdentityAuth) Authenticate(ctx context.Context, req *AuthRequest) (*AuthResult, error) {
	d := req.Device
	if d == nil {
		return nil, ErrNoCredentials
	}

	key := a.keystore.Lookup(d.DeviceID)
	if key == nil {
		return nil, ErrUserNotFound
	}

	if d.Token == "" || d.Token != req.ExpectedNonce {
		return nil, fmt.Errorf("%w: token does not match challenge", ErrAuthFailed)
	}

	age := time.Since(time.UnixMilli(d.SignedAtMs))
	if age > DeviceSignatureWindow || age < -DeviceSignatureWindow {
		return nil, fmt.Errorf("%w: signature outside the %s freshness window", ErrAuthFailed, DeviceSignatureWindow)
	}

	if !ed25519.Verify(ed25519.PublicKey(key.PublicKey), deviceSigningPayload(d), d.Signature) {
		return nil, fmt.Errorf("%w: signature verification failed", ErrAuthFailed)
	}

	u := a.users.FromIdentity("device", d.DeviceID)
	if u == nil {
		// A device can be paired without a separately configured user
		// account; its scopes come from the keystore entry itself.
		u = &user.User{ID: "device:" + d.DeviceID, Name: d.ClientID, Scopes: key.Scopes}
	}

	return &AuthResult{User: u}, nil
}

// deviceSigningPayload builds the canonical byte string a device signs,
// scopes sorted so the signer and verifier always agree on field order.
func deviceSigningPayload(d *DeviceAuthRequest) []byte {
	scopes := append([]string(nil), d.Scopes...)
	sort.Strings(scopes)
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%d|%s",
		d.DeviceID, d.ClientID, d.Role, strings.Join(scopes, ","), d.SignedAtMs, d.Token))
}
