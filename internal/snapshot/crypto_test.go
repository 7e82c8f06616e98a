package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

type fakeSnapshotKeyProvider struct {
	keys map[string][]byte
}

func (f *fakeSnapshotKeyProvider) TenantKey(tenantID string) ([]byte, error) {
	if k, ok := f.keys[tenantID]; ok {
		return k, nil
	}
	raw := []byte("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")
	return raw[:chacha20poly1305.KeySize], nil
}

func TestEncryptDecryptFileRoundTrips(t *testing.T) {
	kp := &fakeSnapshotKeyProvider{}
	original := []byte("sealed snapshot payload")
	path := filepath.Join(t.TempDir(), "vmstate.bin")
	if err := os.WriteFile(path, original, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := encryptFile(kp, "tenant-a", path); err != nil {
		t.Fatalf("encryptFile: %v", err)
	}
	sealed, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(sealed) == string(original) {
		t.Error("expected the sealed file to differ from the plaintext")
	}

	if err := decryptFile(kp, "tenant-a", path); err != nil {
		t.Fatalf("decryptFile: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(original) {
		t.Errorf("round trip mismatch: got %q, want %q", got, original)
	}
}

func TestDecryptFileRejectsWrongTenantAAD(t *testing.T) {
	kp := &fakeSnapshotKeyProvider{}
	path := filepath.Join(t.TempDir(), "vmstate.bin")
	if err := os.WriteFile(path, []byte("payload"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := encryptFile(kp, "tenant-a", path); err != nil {
		t.Fatalf("encryptFile: %v", err)
	}
	if err := decryptFile(kp, "tenant-b", path); err == nil {
		t.Fatal("expected decryptFile to fail when the tenant ID (AAD) does not match the sealing tenant")
	}
}

func TestDecryptFileRejectsTruncatedSeal(t *testing.T) {
	kp := &fakeSnapshotKeyProvider{}
	path := filepath.Join(t.TempDir(), "vmstate.bin")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := decryptFile(kp, "tenant-a", path); err == nil {
		t.Fatal("expected decryptFile to reject a file too short to contain a nonce")
	}
}

func TestEncryptDecryptFileNilProviderIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmstate.bin")
	original := []byte("unsealed payload")
	if err := os.WriteFile(path, original, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := encryptFile(nil, "tenant-a", path); err != nil {
		t.Fatalf("encryptFile with nil KeyProvider: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(original) {
		t.Error("expected a nil KeyProvider to leave the file untouched")
	}
}
