package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"fleetd/internal/diskutil"
	"fleetd/internal/ferr"
	"fleetd/internal/store"
	"fleetd/internal/vmm"
)

const (
	vmstateFile      = "vmstate.bin"
	memFile          = "mem.bin"
	vmstateDeltaFile = "vmstate.delta.bin"
	memDeltaFile     = "mem.delta.bin"
	metaFile         = "meta.json"
)

// Engine creates, restores, and invalidates snapshots for one data
// root, applying the compress-then-encrypt pipeline consistently on
// write and its inverse on read.
type Engine struct {
	root *store.Root
	kp   KeyProvider // nil disables at-rest encryption
}

func NewEngine(root *store.Root, kp KeyProvider) *Engine {
	return &Engine{root: root, kp: kp}
}

func hasFiles(dir string, names ...string) bool {
	for _, n := range names {
		if _, err := os.Stat(filepath.Join(dir, n)); err != nil {
			return false
		}
	}
	return true
}

// HasBase reports whether a pool already carries a base snapshot.
func (e *Engine) HasBase(tenantID, poolID string) bool {
	return hasFiles(e.root.PoolBaseSnapshotDir(tenantID, poolID), vmstateFile, memFile)
}

// HasDelta reports whether an instance carries a delta snapshot.
func (e *Engine) HasDelta(tenantID, poolID, instanceID string) bool {
	return hasFiles(e.root.InstanceDeltaSnapshotDir(tenantID, poolID, instanceID), vmstateDeltaFile, memDeltaFile)
}

// CreateBase snapshots a paused (Warm) instance into the pool-level
// base directory, shared by every instance in the pool. Runs
// compress-then-encrypt: compressing ciphertext finds no redundancy,
// so compression must happen first.
func (e *Engine) CreateBase(client *vmm.Client, tenantID, poolID, revisionHash string, codec store.SnapshotCompression) error {
	dir := e.root.PoolBaseSnapshotDir(tenantID, poolID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ferr.Wrap(ferr.IO, "CreateBase", err)
	}

	statePath := filepath.Join(dir, vmstateFile)
	memPath := filepath.Join(dir, memFile)
	if err := client.CreateSnapshot(vmm.SnapshotFull, statePath, memPath); err != nil {
		return ferr.Wrap(ferr.SnapshotIncompat, "CreateBase", err)
	}

	if err := e.seal(tenantID, statePath, memPath, codec); err != nil {
		return err
	}

	return e.writeMeta(dir, store.SnapshotMeta{
		Compression:  codec,
		Encrypted:    e.kp != nil,
		RevisionHash: revisionHash,
		CreatedAt:    time.Now().UTC(),
	})
}

// CreateDelta snapshots a paused instance's unique memory delta into
// the instance-level snapshots/delta directory.
func (e *Engine) CreateDelta(client *vmm.Client, tenantID, poolID, instanceID string, codec store.SnapshotCompression) error {
	dir := e.root.InstanceDeltaSnapshotDir(tenantID, poolID, instanceID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ferr.Wrap(ferr.IO, "CreateDelta", err)
	}

	statePath := filepath.Join(dir, vmstateDeltaFile)
	memPath := filepath.Join(dir, memDeltaFile)
	if err := client.CreateSnapshot(vmm.SnapshotDiff, statePath, memPath); err != nil {
		return ferr.Wrap(ferr.SnapshotIncompat, "CreateDelta", err)
	}

	if err := e.seal(tenantID, statePath, memPath, codec); err != nil {
		return err
	}

	return e.writeMeta(dir, store.SnapshotMeta{
		Compression: codec,
		Encrypted:   e.kp != nil,
		CreatedAt:   time.Now().UTC(),
	})
}

func (e *Engine) seal(tenantID, statePath, memPath string, codec store.SnapshotCompression) error {
	if err := compressFile(statePath, codec); err != nil {
		return err
	}
	if err := compressFile(memPath, codec); err != nil {
		return err
	}
	if err := encryptFile(e.kp, tenantID, statePath); err != nil {
		return err
	}
	if err := encryptFile(e.kp, tenantID, memPath); err != nil {
		return err
	}
	return nil
}

func (e *Engine) unseal(tenantID, statePath, memPath string, codec store.SnapshotCompression) error {
	if err := decryptFile(e.kp, tenantID, statePath); err != nil {
		return err
	}
	if err := decryptFile(e.kp, tenantID, memPath); err != nil {
		return err
	}
	if err := decompressFile(statePath, codec); err != nil {
		return err
	}
	if err := decompressFile(memPath, codec); err != nil {
		return err
	}
	return nil
}

func (e *Engine) writeMeta(dir string, meta store.SnapshotMeta) error {
	return store.WriteJSONAtomic(filepath.Join(dir, metaFile), meta)
}

func (e *Engine) readMeta(dir string) (store.SnapshotMeta, error) {
	var meta store.SnapshotMeta
	err := store.ReadJSONStrict(filepath.Join(dir, metaFile), &meta)
	return meta, err
}

// Restore materializes base (+ optional delta, which takes
// precedence) into the instance's runtime directory and loads it via
// the control API. Returns false when no base snapshot exists yet, in
// which case the caller should cold-boot instead.
func (e *Engine) Restore(ctx context.Context, client *vmm.Client, tenantID, poolID, instanceID string) (bool, error) {
	baseDir := e.root.PoolBaseSnapshotDir(tenantID, poolID)
	if err := validateTenantScoped(e.root.Dir, tenantID, baseDir); err != nil {
		return false, err
	}
	if !e.HasBase(tenantID, poolID) {
		return false, nil
	}

	runtimeDir := e.root.InstanceRuntimeDir(tenantID, poolID, instanceID)
	if err := os.MkdirAll(runtimeDir, 0o700); err != nil {
		return false, ferr.Wrap(ferr.IO, "Restore", err)
	}

	baseMeta, err := e.readMeta(baseDir)
	if err != nil {
		return false, err
	}

	rtState := filepath.Join(runtimeDir, vmstateFile)
	rtMem := filepath.Join(runtimeDir, memFile)
	if err := copyFile(filepath.Join(baseDir, vmstateFile), rtState); err != nil {
		return false, err
	}
	if err := copyFile(filepath.Join(baseDir, memFile), rtMem); err != nil {
		return false, err
	}
	if err := e.unseal(tenantID, rtState, rtMem, baseMeta.Compression); err != nil {
		return false, err
	}

	loadState, loadMem := rtState, rtMem
	if e.HasDelta(tenantID, poolID, instanceID) {
		deltaDir := e.root.InstanceDeltaSnapshotDir(tenantID, poolID, instanceID)
		deltaMeta, err := e.readMeta(deltaDir)
		if err != nil {
			return false, err
		}
		rtDeltaState := filepath.Join(runtimeDir, vmstateDeltaFile)
		rtDeltaMem := filepath.Join(runtimeDir, memDeltaFile)
		if err := copyFile(filepath.Join(deltaDir, vmstateDeltaFile), rtDeltaState); err != nil {
			return false, err
		}
		if err := copyFile(filepath.Join(deltaDir, memDeltaFile), rtDeltaMem); err != nil {
			return false, err
		}
		if err := e.unseal(tenantID, rtDeltaState, rtDeltaMem, deltaMeta.Compression); err != nil {
			return false, err
		}
		loadState, loadMem = rtDeltaState, rtDeltaMem
	}

	if err := client.LoadSnapshot(loadState, loadMem, false); err != nil {
		return false, ferr.Wrap(ferr.SnapshotIncompat, "Restore", err)
	}
	if err := client.ResumeVM(); err != nil {
		return false, ferr.Wrap(ferr.VMMAPI, "Restore", err)
	}
	return true, nil
}

// RemoveDelta discards an instance's delta snapshot, called on
// stop/destroy so the next warm cycle starts fresh from base.
func (e *Engine) RemoveDelta(tenantID, poolID, instanceID string) error {
	dir := e.root.InstanceDeltaSnapshotDir(tenantID, poolID, instanceID)
	if err := diskutil.SecureWipeDir(dir); err != nil {
		return ferr.Wrap(ferr.IO, "RemoveDelta", err)
	}
	return nil
}

// InvalidateBase discards a pool's base snapshot and every instance's
// delta layered on top of it, called whenever the pool's current
// revision changes (a build completion or a rollback); every existing
// base and delta was captured against the prior revision's memory
// layout and can no longer be trusted.
func (e *Engine) InvalidateBase(tenantID, poolID string) error {
	instanceIDs, err := e.root.ListInstances(tenantID, poolID)
	if err != nil {
		return ferr.Wrap(ferr.IO, "InvalidateBase", err)
	}
	for _, instanceID := range instanceIDs {
		if err := e.RemoveDelta(tenantID, poolID, instanceID); err != nil {
			return err
		}
	}

	dir := e.root.PoolBaseSnapshotDir(tenantID, poolID)
	if err := diskutil.SecureWipeDir(dir); err != nil {
		return ferr.Wrap(ferr.IO, "InvalidateBase", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return ferr.Wrap(ferr.IO, "copyFile", err)
	}
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return ferr.Wrap(ferr.IO, "copyFile", err)
	}
	return nil
}
