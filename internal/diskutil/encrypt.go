package diskutil

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"

	"fleetd/internal/ferr"
)

// KeyProvider resolves the per-tenant key used to wrap a data volume.
// Implementations must zero the returned key once the caller is done
// with it; OpenEncryptedVolume/CloseEncryptedVolume do so themselves.
type KeyProvider interface {
	TenantKey(tenantID string) ([]byte, error)
}

// EncryptedVolume tracks the open state of one wrapped data volume so
// CloseEncryptedVolume can re-encrypt it and wipe the plaintext.
type EncryptedVolume struct {
	SealedPath    string
	PlaintextPath string
	key           []byte
}

// OpenEncryptedVolume decrypts sealedPath (format nonce||ciphertext||
// tag, the same AEAD framing the snapshot engine uses) into
// plaintextPath for the VMM to attach as a drive. Absent a
// KeyProvider entry, callers should skip encryption entirely per the
// disk driver design ("when a per-tenant key is present").
func OpenEncryptedVolume(kp KeyProvider, tenantID, sealedPath, plaintextPath string) (*EncryptedVolume, error) {
	key, err := kp.TenantKey(tenantID)
	if err != nil {
		return nil, ferr.Wrap(ferr.Crypto, "OpenEncryptedVolume", err)
	}
	defer zero(key)

	sealed, err := os.ReadFile(sealedPath)
	if err != nil {
		if os.IsNotExist(err) {
			// First use: nothing to decrypt yet, plaintext starts empty
			// and is sealed on close.
			if f, cerr := os.Create(plaintextPath); cerr == nil {
				f.Close()
			}
			keyCopy := append([]byte(nil), key...)
			return &EncryptedVolume{SealedPath: sealedPath, PlaintextPath: plaintextPath, key: keyCopy}, nil
		}
		return nil, ferr.Wrap(ferr.IO, "OpenEncryptedVolume", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ferr.Wrap(ferr.Crypto, "OpenEncryptedVolume", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ferr.New(ferr.Crypto, "OpenEncryptedVolume", "sealed volume truncated")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(tenantID))
	if err != nil {
		return nil, ferr.Wrap(ferr.Crypto, "OpenEncryptedVolume", fmt.Errorf("authentication failed: %w", err))
	}
	if err := os.WriteFile(plaintextPath, plaintext, 0o600); err != nil {
		zero(plaintext)
		return nil, ferr.Wrap(ferr.IO, "OpenEncryptedVolume", err)
	}
	zero(plaintext)

	keyCopy := append([]byte(nil), key...)
	return &EncryptedVolume{SealedPath: sealedPath, PlaintextPath: plaintextPath, key: keyCopy}, nil
}

// CloseEncryptedVolume re-seals the plaintext volume, wipes the
// plaintext file, and zeroes the key held in memory.
func CloseEncryptedVolume(v *EncryptedVolume, tenantID string) error {
	defer zero(v.key)

	plaintext, err := os.ReadFile(v.PlaintextPath)
	if err != nil {
		return ferr.Wrap(ferr.IO, "CloseEncryptedVolume", err)
	}
	defer zero(plaintext)

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return ferr.Wrap(ferr.Crypto, "CloseEncryptedVolume", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return ferr.Wrap(ferr.Crypto, "CloseEncryptedVolume", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(tenantID))

	if err := os.WriteFile(v.SealedPath+".tmp", sealed, 0o600); err != nil {
		return ferr.Wrap(ferr.IO, "CloseEncryptedVolume", err)
	}
	if err := os.Rename(v.SealedPath+".tmp", v.SealedPath); err != nil {
		return ferr.Wrap(ferr.IO, "CloseEncryptedVolume", err)
	}
	return SecureWipeFile(v.PlaintextPath)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
