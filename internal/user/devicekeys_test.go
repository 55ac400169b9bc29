package user

import (
	"path/filepath"
	"testing"
)

func TestDeviceKeystoreRegisterThenLookupRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	k, err := OpenDeviceKeystore(path)
	if err != nil {
		t.Fatalf("OpenDeviceKeystore: %v", err)
	}

	dk := &DeviceKey{DeviceID: "dev-1", ClientID: "phone", PublicKey: []byte("01234567890123456789012345678901"), Role: "operator", Scopes: []string{ScopeRead}}
	if err := k.Register(dk); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got := k.Lookup("dev-1")
	if got == nil || got.ClientID != "phone" {
		t.Fatalf("Lookup returned %+v", got)
	}
	if got.PairedAtMs == 0 {
		t.Fatal("expected PairedAtMs to be stamped")
	}
}

func TestDeviceKeystorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	k1, err := OpenDeviceKeystore(path)
	if err != nil {
		t.Fatalf("OpenDeviceKeystore: %v", err)
	}
	if err := k1.Register(&DeviceKey{DeviceID: "dev-1", PublicKey: []byte("key")}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	k2, err := OpenDeviceKeystore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if k2.Lookup("dev-1") == nil {
		t.Fatal("expected device to survive reopen")
	}
}

func TestDeviceKeystoreRevokeRemovesKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	k, _ := OpenDeviceKeystore(path)
	k.Register(&DeviceKey{DeviceID: "dev-1", PublicKey: []byte("key")})

	if err := k.Revoke("dev-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if k.Lookup("dev-1") != nil {
		t.Fatal("expected device to be removed after revoke")
	}
}

func TestOpenDeviceKeystoreMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	k, err := OpenDeviceKeystore(path)
	if err != nil {
		t.Fatalf("OpenDeviceKeystore: %v", err)
	}
	if len(k.All()) != 0 {
		t.Fatalf("expected an empty keystore, got %d entries", len(k.All()))
	}
}
