package controlplane

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateTLSConfigGeneratesInDevMode(t *testing.T) {
	dir := t.TempDir()

	conf, err := LoadOrGenerateTLSConfig(dir, "node-a", false)
	if err != nil {
		t.Fatalf("LoadOrGenerateTLSConfig: %v", err)
	}
	if len(conf.Certificates) != 1 {
		t.Fatalf("expected exactly one certificate, got %d", len(conf.Certificates))
	}
	if conf.RootCAs == nil || conf.ClientCAs == nil {
		t.Error("expected both RootCAs and ClientCAs to be populated from the generated CA")
	}

	paths := certPaths(dir)
	if !filesExist(paths.CACert, paths.NodeCert, paths.NodeKey) {
		t.Error("expected all three credential files to be written to disk")
	}
}

func TestLoadOrGenerateTLSConfigReusesExistingCreds(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadOrGenerateTLSConfig(dir, "node-a", false); err != nil {
		t.Fatalf("first call: %v", err)
	}
	firstCA := filepath.Join(dir, "ca.crt")
	firstInfo, err := os.Stat(firstCA)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := LoadOrGenerateTLSConfig(dir, "node-a", false); err != nil {
		t.Fatalf("second call: %v", err)
	}
	secondInfo, err := os.Stat(firstCA)
	if err != nil {
		t.Fatal(err)
	}

	if !firstInfo.ModTime().Equal(secondInfo.ModTime()) {
		t.Error("expected a second call against an existing credential directory not to regenerate the CA")
	}
}

func TestLoadOrGenerateTLSConfigRefusesMissingCredsInProduction(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadOrGenerateTLSConfig(dir, "node-a", true); err == nil {
		t.Error("expected production mode to refuse to start without pre-provisioned credentials")
	}
}
