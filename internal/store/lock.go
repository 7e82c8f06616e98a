package store

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"fleetd/internal/ferr"
)

// InstanceLock is the cross-process exclusive guard on
// instances/<iid>/runtime/lock. Every lifecycle operation acquires it
// first, serializing reconcile, CLI, and wake-on-demand callers per
// design note "per-instance exclusion".
type InstanceLock struct {
	f *os.File
}

// Lock opens (creating if needed) and flock(2)s path exclusively,
// blocking until acquired.
func Lock(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, ferr.Wrap(ferr.IO, "Lock", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, ferr.Wrap(ferr.IO, "Lock", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, ferr.Wrap(ferr.IO, "Lock", err)
	}
	return &InstanceLock{f: f}, nil
}

// Unlock releases the flock and closes the underlying file. Safe to
// call once; the caller typically defers it immediately after Lock
// succeeds.
func (l *InstanceLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return ferr.Wrap(ferr.IO, "Unlock", err)
	}
	if closeErr != nil {
		return ferr.Wrap(ferr.IO, "Unlock", closeErr)
	}
	return nil
}
