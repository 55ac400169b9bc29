package user

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/openclaw/core/internal/config"
)

// DeviceKey is a registered device's pairing record: the public half of an
// ed25519 keypair plus the role and scopes it was paired with.
type DeviceKey struct {
	DeviceID   string   `json:"deviceId"`
	ClientID   string   `json:"clientId"`
	PublicKey  []byte   `json:"publicKey"` // 32-byte ed25519 public key
	Role       string   `json:"role"`      // "operator" or "node"
	Scopes     []string `json:"scopes"`
	PairedAtMs int64    `json:"pairedAtMs"`
}

type deviceKeystoreFile struct {
	Version int          `json:"version"`
	Devices []*DeviceKey `json:"devices"`
}

// DeviceKeystore persists paired device keys to a single JSON file,
// mirroring the Cron Store's and Session Store's atomic-write convention.
type DeviceKeystore struct {
	path string
	mu   sync.RWMutex
	keys map[string]*DeviceKey
}

// OpenDeviceKeystore loads the keystore at path, or starts empty if the
// file does not yet exist.
func OpenDeviceKeystore(path string) (*DeviceKeystore, error) {
	k := &DeviceKeystore{path: path, keys: make(map[string]*DeviceKey)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return k, nil
		}
		return nil, err
	}

	var file deviceKeystoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	for _, d := range file.Devices {
		k.keys[d.DeviceID] = d
	}
	return k, nil
}

// Lookup returns the registered key for deviceID, or nil if unpaired.
func (k *DeviceKeystore) Lookup(deviceID string) *DeviceKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys[deviceID]
}

// Register stores a newly paired device's key, overwriting any prior
// registration under the same device ID, and persists the keystore.
func (k *DeviceKeystore) Register(dk *DeviceKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if dk.PairedAtMs == 0 {
		dk.PairedAtMs = time.Now().UnixMilli()
	}
	k.keys[dk.DeviceID] = dk
	return k.saveLocked()
}

// Revoke removes a device's pairing and persists the keystore.
func (k *DeviceKeystore) Revoke(deviceID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	delete(k.keys, deviceID)
	return k.saveLocked()
}

// All returns every registered device key.
func (k *DeviceKeystore) All() []*DeviceKey {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]*DeviceKey, 0, len(k.keys))
	for _, d := range k.keys {
		out = append(out, d)
	}
	return out
}

func (k *DeviceKeystore) saveLocked() error {
	file := deviceKeystoreFile{Version: 1, Devices: make([]*DeviceKey, 0, len(k.keys))}
	for _, d := range k.keys {
		file.Devices = append(file.Devices, d)
	}
	return config.AtomicWriteJSON(k.path, file, 0600)
}
