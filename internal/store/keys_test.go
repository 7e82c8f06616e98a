package store

import (
	"bytes"
	"os"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

func TestFileKeyProviderGeneratesAndPersists(t *testing.T) {
	root := NewRoot(t.TempDir())
	p := FileKeyProvider{Root: root}

	key, err := p.TenantKey("tenant-a")
	if err != nil {
		t.Fatalf("TenantKey: %v", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		t.Fatalf("expected a %d-byte key, got %d", chacha20poly1305.KeySize, len(key))
	}

	again, err := p.TenantKey("tenant-a")
	if err != nil {
		t.Fatalf("TenantKey (second call): %v", err)
	}
	if !bytes.Equal(key, again) {
		t.Error("expected the same tenant to get back the same key on a second call")
	}
}

func TestFileKeyProviderIsolatesTenants(t *testing.T) {
	root := NewRoot(t.TempDir())
	p := FileKeyProvider{Root: root}

	keyA, err := p.TenantKey("tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	keyB, err := p.TenantKey("tenant-b")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(keyA, keyB) {
		t.Error("expected distinct tenants to get distinct keys")
	}
}

func TestFileKeyProviderRejectsWrongLengthKeyFile(t *testing.T) {
	root := NewRoot(t.TempDir())
	p := FileKeyProvider{Root: root}

	if err := os.MkdirAll(root.keysDir(), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(root.tenantKeyFile("tenant-a"), []byte("too-short"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := p.TenantKey("tenant-a"); err == nil {
		t.Error("expected a wrong-length persisted key file to be rejected")
	}
}
