package diskutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSecureWipeFileRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.bin")
	if err := os.WriteFile(path, []byte("sensitive"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := SecureWipeFile(path); err != nil {
		t.Fatalf("SecureWipeFile: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected the file to be removed, stat returned %v", err)
	}
}

func TestSecureWipeFileToleratesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.bin")
	if err := SecureWipeFile(path); err != nil {
		t.Errorf("expected a missing file to be a no-op, got %v", err)
	}
}

func TestSecureWipeDirRemovesTree(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "sub")
	if err := os.MkdirAll(nested, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "a.bin"), []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := SecureWipeDir(dir); err != nil {
		t.Fatalf("SecureWipeDir: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected the directory tree to be removed, stat returned %v", err)
	}
}
