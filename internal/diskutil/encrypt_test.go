package diskutil

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

type fakeKeyProvider struct {
	keys map[string][]byte
}

func (f fakeKeyProvider) TenantKey(tenantID string) ([]byte, error) {
	if k, ok := f.keys[tenantID]; ok {
		return k, nil
	}
	return nil, os.ErrNotExist
}

func newFakeKey() []byte {
	raw := []byte("0123456789abcdef0123456789abcdef")
	return raw[:chacha20poly1305.KeySize]
}

func TestOpenEncryptedVolumeFirstUseStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	kp := fakeKeyProvider{keys: map[string][]byte{"tenant-a": newFakeKey()}}

	v, err := OpenEncryptedVolume(kp, "tenant-a", filepath.Join(dir, "sealed.bin"), filepath.Join(dir, "plain.bin"))
	if err != nil {
		t.Fatalf("OpenEncryptedVolume: %v", err)
	}
	data, err := os.ReadFile(v.PlaintextPath)
	if err != nil {
		t.Fatalf("reading plaintext: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("expected an empty plaintext volume on first use, got %d bytes", len(data))
	}
}

func TestEncryptedVolumeRoundTripsPlaintext(t *testing.T) {
	dir := t.TempDir()
	sealedPath := filepath.Join(dir, "sealed.bin")
	plaintextPath := filepath.Join(dir, "plain.bin")
	kp := fakeKeyProvider{keys: map[string][]byte{"tenant-a": newFakeKey()}}

	v, err := OpenEncryptedVolume(kp, "tenant-a", sealedPath, plaintextPath)
	if err != nil {
		t.Fatalf("OpenEncryptedVolume: %v", err)
	}
	if err := os.WriteFile(plaintextPath, []byte("tenant data"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := CloseEncryptedVolume(v, "tenant-a"); err != nil {
		t.Fatalf("CloseEncryptedVolume: %v", err)
	}
	if _, err := os.Stat(plaintextPath); !os.IsNotExist(err) {
		t.Errorf("expected CloseEncryptedVolume to wipe the plaintext file, stat returned %v", err)
	}

	v2, err := OpenEncryptedVolume(kp, "tenant-a", sealedPath, plaintextPath)
	if err != nil {
		t.Fatalf("re-opening sealed volume: %v", err)
	}
	got, err := os.ReadFile(v2.PlaintextPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "tenant data" {
		t.Errorf("expected round-tripped plaintext %q, got %q", "tenant data", got)
	}
}

func TestOpenEncryptedVolumeRejectsTamperedSeal(t *testing.T) {
	dir := t.TempDir()
	sealedPath := filepath.Join(dir, "sealed.bin")
	plaintextPath := filepath.Join(dir, "plain.bin")
	kp := fakeKeyProvider{keys: map[string][]byte{"tenant-a": newFakeKey()}}

	v, err := OpenEncryptedVolume(kp, "tenant-a", sealedPath, plaintextPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(plaintextPath, []byte("tenant data"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := CloseEncryptedVolume(v, "tenant-a"); err != nil {
		t.Fatal(err)
	}

	sealed, err := os.ReadFile(sealedPath)
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)-1] ^= 0xFF
	if err := os.WriteFile(sealedPath, sealed, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenEncryptedVolume(kp, "tenant-a", sealedPath, plaintextPath); err == nil {
		t.Error("expected a tampered sealed volume to fail AEAD authentication")
	}
}
