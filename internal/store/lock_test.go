package store

import (
	"path/filepath"
	"testing"
)

func TestLockUnlockCreatesAndReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime", "lock")

	l, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestLockIsReacquirableAfterUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	l1, err := Lock(path)
	if err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	if err := l1.Unlock(); err != nil {
		t.Fatal(err)
	}

	l2, err := Lock(path)
	if err != nil {
		t.Fatalf("second Lock after release: %v", err)
	}
	if err := l2.Unlock(); err != nil {
		t.Fatal(err)
	}
}

func TestUnlockOnNilLockIsSafe(t *testing.T) {
	var l *InstanceLock
	if err := l.Unlock(); err != nil {
		t.Errorf("expected Unlock on a nil *InstanceLock to be a no-op, got %v", err)
	}
}
