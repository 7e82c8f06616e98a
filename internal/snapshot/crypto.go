package snapshot

import (
	"crypto/rand"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"

	"fleetd/internal/ferr"
)

// KeyProvider resolves the per-tenant snapshot-sealing key. The same
// interface diskutil uses for data-volume encryption; a fleet
// typically shares one implementation across both.
type KeyProvider interface {
	TenantKey(tenantID string) ([]byte, error)
}

// encryptFile seals path in place, appending the AEAD tag and
// prefixing a fresh nonce. Must run after compression: compressing
// ciphertext wastes cycles finding no redundancy to remove.
func encryptFile(kp KeyProvider, tenantID, path string) error {
	if kp == nil {
		return nil
	}
	key, err := kp.TenantKey(tenantID)
	if err != nil {
		return ferr.Wrap(ferr.Crypto, "encryptFile", err)
	}
	defer zero(key)

	plaintext, err := os.ReadFile(path)
	if err != nil {
		return ferr.Wrap(ferr.IO, "encryptFile", err)
	}
	defer zero(plaintext)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return ferr.Wrap(ferr.Crypto, "encryptFile", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return ferr.Wrap(ferr.Crypto, "encryptFile", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(tenantID))
	return os.WriteFile(path, sealed, 0o600)
}

// decryptFile reverses encryptFile.
func decryptFile(kp KeyProvider, tenantID, path string) error {
	if kp == nil {
		return nil
	}
	key, err := kp.TenantKey(tenantID)
	if err != nil {
		return ferr.Wrap(ferr.Crypto, "decryptFile", err)
	}
	defer zero(key)

	sealed, err := os.ReadFile(path)
	if err != nil {
		return ferr.Wrap(ferr.IO, "decryptFile", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return ferr.Wrap(ferr.Crypto, "decryptFile", err)
	}
	if len(sealed) < aead.NonceSize() {
		return ferr.New(ferr.Crypto, "decryptFile", "sealed snapshot file truncated")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(tenantID))
	if err != nil {
		return ferr.Wrap(ferr.Crypto, "decryptFile", err)
	}
	defer zero(plaintext)
	return os.WriteFile(path, plaintext, 0o600)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
