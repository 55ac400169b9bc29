package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"

	. "github.com/openclaw/core/internal/logging"
	"github.com/openclaw/core/internal/user"
)

// PairingCodeTTL bounds how long a pairing code minted by pairing.begin
// remains valid for a device to complete.
const PairingCodeTTL = 5 * time.Minute

type pendingPairing struct {
	code      string
	expiresAt time.Time
}

// pairingRegistry tracks outstanding pairing codes awaiting completion.
// Device-identity registration is itself a method family gated by
// operator.pairing; this is the one place the core's method registry and
// the CLI collaborator's terminal QR display meet.
type pairingRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingPairing
}

func newPairingRegistry() *pairingRegistry {
	return &pairingRegistry{pending: make(map[string]*pendingPairing)}
}

func (p *pairingRegistry) mint() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	code := hex.EncodeToString(buf)

	p.mu.Lock()
	p.pending[code] = &pendingPairing{code: code, expiresAt: time.Now().Add(PairingCodeTTL)}
	p.mu.Unlock()
	return code
}

func (p *pairingRegistry) consume(code string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pp, ok := p.pending[code]
	if !ok {
		return false
	}
	delete(p.pending, code)
	return time.Now().Before(pp.expiresAt)
}

type pairingBeginResult struct {
	Code      string `json:"code"`
	ExpiresAt int64  `json:"expiresAt"`
}

// handlePairingBegin implements pairing.begin: mint a short-lived code for a
// new device to complete pairing with.
func (r *Router) handlePairingBegin(mc *MethodContext, params json.RawMessage) (any, error) {
	code := r.pairing.mint()
	return pairingBeginResult{Code: code, ExpiresAt: time.Now().Add(PairingCodeTTL).UnixMilli()}, nil
}

type pairingCompleteParams struct {
	Code      string   `json:"code"`
	DeviceID  string   `json:"deviceId"`
	ClientID  string   `json:"clientId"`
	PublicKey string   `json:"publicKey"` // hex-encoded ed25519 public key
	Role      string   `json:"role"`
	Scopes    []string `json:"scopes"`
}

// handlePairingComplete implements pairing.complete: a device presents the
// code displayed out-of-band (terminal QR) plus its freshly generated
// ed25519 public key, and the server registers it in the device keystore.
func (r *Router) handlePairingComplete(mc *MethodContext, params json.RawMessage) (any, error) {
	var p pairingCompleteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewRouterError(ErrCodeInvalidRequest, "malformed pairing.complete params")
	}
	if !r.pairing.consume(p.Code) {
		return nil, NewRouterError(ErrCodeUnauthorized, "pairing code invalid or expired")
	}

	pubKey, err := hex.DecodeString(p.PublicKey)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return nil, NewRouterError(ErrCodeInvalidRequest, "malformed device public key")
	}

	dk := &user.DeviceKey{
		DeviceID:  p.DeviceID,
		ClientID:  p.ClientID,
		PublicKey: pubKey,
		Role:      p.Role,
		Scopes:    p.Scopes,
	}
	if err := r.deviceKeys.Register(dk); err != nil {
		return nil, NewRouterError(ErrCodeInternal, "failed to persist device key: "+err.Error())
	}

	L_info("gateway: device paired", "deviceId", p.DeviceID, "role", p.Role)
	return map[string]bool{"paired": true}, nil
}

// DisplayPairingQR renders a pairing code as a terminal QR code for the CLI
// collaborator's "pairing begin" command. The payload encodes just the
// code; the scanning client already knows the gateway's host and port from
// its own configuration.
func DisplayPairingQR(w io.Writer, code string) {
	fmt.Fprintln(w, "Scan this code with a new device, or enter it manually:")
	fmt.Fprintln(w, code)
	fmt.Fprintln(w)
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}
