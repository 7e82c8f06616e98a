package controlplane

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"fleetd/internal/reconcile"
)

func TestLoadTrustedKeysMissingDirIsEmpty(t *testing.T) {
	keys, err := LoadTrustedKeys(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("LoadTrustedKeys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected an empty set for a missing directory, got %d keys", len(keys))
	}
}

func TestLoadTrustedKeysReadsBase64AndRaw(t *testing.T) {
	dir := t.TempDir()
	pubRaw, _, _ := ed25519.GenerateKey(nil)
	pubB64Src, _, _ := ed25519.GenerateKey(nil)

	if err := os.WriteFile(filepath.Join(dir, "raw-key"), pubRaw, 0o644); err != nil {
		t.Fatal(err)
	}
	encoded := base64.StdEncoding.EncodeToString(pubB64Src)
	if err := os.WriteFile(filepath.Join(dir, "b64-key"), []byte(encoded), 0o644); err != nil {
		t.Fatal(err)
	}

	keys, err := LoadTrustedKeys(dir)
	if err != nil {
		t.Fatalf("LoadTrustedKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 trusted keys, got %d", len(keys))
	}
	if !keys["raw-key"].Equal(pubRaw) {
		t.Error("raw-key did not decode to the expected public key")
	}
	if !keys["b64-key"].Equal(pubB64Src) {
		t.Error("b64-key did not decode to the expected public key")
	}
}

func TestVerifySignedRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	keys := TrustedKeys{"node-key": pub}

	state := reconcile.DesiredState{SchemaVersion: 1, NodeID: "node-a"}
	canonical, err := canonicalStateBytes(state)
	if err != nil {
		t.Fatal(err)
	}
	sig := ed25519.Sign(priv, canonical)

	payload := ReconcileSignedPayload{
		State:     state,
		Signature: base64.StdEncoding.EncodeToString(sig),
		KeyID:     "node-key",
	}
	if err := VerifySigned(keys, payload); err != nil {
		t.Errorf("expected a valid signature to verify, got: %v", err)
	}
}

func TestVerifySignedRejectsUnknownKeyID(t *testing.T) {
	err := VerifySigned(TrustedKeys{}, ReconcileSignedPayload{KeyID: "ghost"})
	if err == nil {
		t.Error("expected an error for an unknown key id")
	}
}

func TestVerifySignedRejectsTamperedState(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	keys := TrustedKeys{"node-key": pub}

	signedState := reconcile.DesiredState{SchemaVersion: 1, NodeID: "node-a"}
	canonical, err := canonicalStateBytes(signedState)
	if err != nil {
		t.Fatal(err)
	}
	sig := ed25519.Sign(priv, canonical)

	tamperedState := reconcile.DesiredState{SchemaVersion: 1, NodeID: "node-b"}
	payload := ReconcileSignedPayload{
		State:     tamperedState,
		Signature: base64.StdEncoding.EncodeToString(sig),
		KeyID:     "node-key",
	}
	if err := VerifySigned(keys, payload); err == nil {
		t.Error("expected signature verification to fail for a tampered state document")
	}
}
