package store

import (
	"crypto/rand"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"

	"fleetd/internal/ferr"
)

// FileKeyProvider resolves per-tenant at-rest encryption keys from
// flat files under <root>/keys/<tenant_id>.key, generating one on
// first use. It satisfies both diskutil.KeyProvider and
// snapshot.KeyProvider (both are the same one-method shape), so a
// single instance backs data-volume and snapshot encryption alike.
type FileKeyProvider struct {
	Root *Root
}

func (r *Root) keysDir() string { return filepath.Join(r.Dir, "keys") }

func (r *Root) tenantKeyFile(tenantID string) string {
	return filepath.Join(r.keysDir(), tenantID+".key")
}

// TenantKey returns tenantID's 32-byte AEAD key, generating and
// persisting one if none exists yet.
func (p FileKeyProvider) TenantKey(tenantID string) ([]byte, error) {
	path := p.Root.tenantKeyFile(tenantID)
	if raw, err := os.ReadFile(path); err == nil {
		if len(raw) != chacha20poly1305.KeySize {
			return nil, ferr.New(ferr.Crypto, "TenantKey", "key file has wrong length: "+path)
		}
		return raw, nil
	} else if !os.IsNotExist(err) {
		return nil, ferr.Wrap(ferr.IO, "TenantKey", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, ferr.Wrap(ferr.Crypto, "TenantKey", err)
	}
	if err := os.MkdirAll(p.Root.keysDir(), 0o700); err != nil {
		return nil, ferr.Wrap(ferr.IO, "TenantKey", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, ferr.Wrap(ferr.IO, "TenantKey", err)
	}
	return key, nil
}
