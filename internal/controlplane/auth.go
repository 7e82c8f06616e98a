package controlplane

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"fleetd/internal/ferr"
	"fleetd/internal/reconcile"
)

// TrustedKeys is a key-id -> public-key set loaded from
// /etc/<app>/trusted_keys/, one raw or base64 32-byte Ed25519 public
// key per file, filename is the key id.
type TrustedKeys map[string]ed25519.PublicKey

// LoadTrustedKeys reads every file directly under dir as one trusted
// public key. A missing directory yields an empty (not erroring) set,
// since ReconcileSigned is simply always rejected against it — the
// same posture as an unpopulated allowlist anywhere else in the pack.
func LoadTrustedKeys(dir string) (TrustedKeys, error) {
	keys := TrustedKeys{}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return keys, nil
	}
	if err != nil {
		return nil, ferr.Wrap(ferr.IO, "LoadTrustedKeys", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, ferr.Wrap(ferr.IO, "LoadTrustedKeys", err)
		}
		pub, err := decodePublicKey(raw)
		if err != nil {
			return nil, ferr.Wrap(ferr.Crypto, "LoadTrustedKeys", err)
		}
		keys[e.Name()] = pub
	}
	return keys, nil
}

func decodePublicKey(raw []byte) (ed25519.PublicKey, error) {
	trimmed := strings.TrimSpace(string(raw))
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(decoded) == ed25519.PublicKeySize {
		return ed25519.PublicKey(decoded), nil
	}
	if len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	return nil, ferr.New(ferr.Crypto, "decodePublicKey", "not a valid Ed25519 public key")
}

// VerifySigned checks payload.Signature (base64) against the
// canonical JSON encoding of payload.State using the key named by
// payload.KeyID in the trusted set.
func VerifySigned(keys TrustedKeys, payload ReconcileSignedPayload) error {
	pub, ok := keys[payload.KeyID]
	if !ok {
		return ferr.New(ferr.Auth, "VerifySigned", "unknown key_id "+payload.KeyID)
	}
	sig, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		return ferr.Wrap(ferr.Auth, "VerifySigned", err)
	}
	canonical, err := canonicalStateBytes(payload.State)
	if err != nil {
		return ferr.Wrap(ferr.Auth, "VerifySigned", err)
	}
	if !ed25519.Verify(pub, canonical, sig) {
		return ferr.New(ferr.Auth, "VerifySigned", "signature verification failed")
	}
	return nil
}

// canonicalStateBytes re-marshals the desired-state document with
// json.Marshal's stable (alphabetical, for maps) field ordering so the
// same document always signs to the same bytes regardless of how the
// caller assembled it in memory.
func canonicalStateBytes(state reconcile.DesiredState) ([]byte, error) {
	return json.Marshal(state)
}
