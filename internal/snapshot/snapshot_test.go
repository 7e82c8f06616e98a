package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"fleetd/internal/store"
)

func TestHasBaseFalseUntilBothFilesExist(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	e := NewEngine(root, nil)
	if e.HasBase("tenant-a", "pool-a") {
		t.Fatal("expected HasBase to be false before any snapshot files exist")
	}

	dir := root.PoolBaseSnapshotDir("tenant-a", "pool-a")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, vmstateFile), []byte("s"), 0o600); err != nil {
		t.Fatal(err)
	}
	if e.HasBase("tenant-a", "pool-a") {
		t.Fatal("expected HasBase to stay false with only one of the two files present")
	}
	if err := os.WriteFile(filepath.Join(dir, memFile), []byte("m"), 0o600); err != nil {
		t.Fatal(err)
	}
	if !e.HasBase("tenant-a", "pool-a") {
		t.Fatal("expected HasBase to be true once both vmstate and mem files exist")
	}
}

func TestHasDeltaFollowsBothDeltaFiles(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	e := NewEngine(root, nil)
	if e.HasDelta("tenant-a", "pool-a", "i-1") {
		t.Fatal("expected HasDelta to be false before any delta files exist")
	}

	dir := root.InstanceDeltaSnapshotDir("tenant-a", "pool-a", "i-1")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, vmstateDeltaFile), []byte("s"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, memDeltaFile), []byte("m"), 0o600); err != nil {
		t.Fatal(err)
	}
	if !e.HasDelta("tenant-a", "pool-a", "i-1") {
		t.Fatal("expected HasDelta to be true once both delta files exist")
	}
}

func TestSealUnsealRoundTripsWithEncryptionAndCompression(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	kp := &fakeSnapshotKeyProvider{}
	e := NewEngine(root, kp)

	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.bin")
	memPath := filepath.Join(dir, "mem.bin")
	wantState := []byte("vm state bytes, vm state bytes, vm state bytes")
	wantMem := []byte("guest memory bytes, guest memory bytes, guest memory bytes")
	if err := os.WriteFile(statePath, wantState, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(memPath, wantMem, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := e.seal("tenant-a", statePath, memPath, store.CompressionZstd); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := e.unseal("tenant-a", statePath, memPath, store.CompressionZstd); err != nil {
		t.Fatalf("unseal: %v", err)
	}

	gotState, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatal(err)
	}
	gotMem, err := os.ReadFile(memPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(gotState) != string(wantState) {
		t.Errorf("state round trip mismatch: got %q, want %q", gotState, wantState)
	}
	if string(gotMem) != string(wantMem) {
		t.Errorf("mem round trip mismatch: got %q, want %q", gotMem, wantMem)
	}
}

func TestWriteReadMetaRoundTrips(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	e := NewEngine(root, nil)
	dir := t.TempDir()

	want := store.SnapshotMeta{Compression: store.CompressionLZ4, Encrypted: true, RevisionHash: "abc123"}
	if err := e.writeMeta(dir, want); err != nil {
		t.Fatalf("writeMeta: %v", err)
	}
	got, err := e.readMeta(dir)
	if err != nil {
		t.Fatalf("readMeta: %v", err)
	}
	if got.Compression != want.Compression || got.Encrypted != want.Encrypted || got.RevisionHash != want.RevisionHash {
		t.Errorf("readMeta = %+v, want %+v", got, want)
	}
}

func TestRemoveDeltaDeletesDeltaDirOnly(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	e := NewEngine(root, nil)

	deltaDir := root.InstanceDeltaSnapshotDir("tenant-a", "pool-a", "i-1")
	baseDir := root.PoolBaseSnapshotDir("tenant-a", "pool-a")
	if err := os.MkdirAll(deltaDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		t.Fatal(err)
	}

	if err := e.RemoveDelta("tenant-a", "pool-a", "i-1"); err != nil {
		t.Fatalf("RemoveDelta: %v", err)
	}
	if _, err := os.Stat(deltaDir); !os.IsNotExist(err) {
		t.Errorf("expected the delta dir to be removed, stat err = %v", err)
	}
	if _, err := os.Stat(baseDir); err != nil {
		t.Errorf("expected the base dir to survive RemoveDelta, stat err = %v", err)
	}
}

func TestInvalidateBaseDeletesBaseDir(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	e := NewEngine(root, nil)

	baseDir := root.PoolBaseSnapshotDir("tenant-a", "pool-a")
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := e.InvalidateBase("tenant-a", "pool-a"); err != nil {
		t.Fatalf("InvalidateBase: %v", err)
	}
	if _, err := os.Stat(baseDir); !os.IsNotExist(err) {
		t.Errorf("expected the base dir to be removed, stat err = %v", err)
	}
}

func TestInvalidateBaseAlsoRemovesEveryInstanceDelta(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	e := NewEngine(root, nil)

	baseDir := root.PoolBaseSnapshotDir("tenant-a", "pool-a")
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		t.Fatal(err)
	}
	deltaDir := root.InstanceDeltaSnapshotDir("tenant-a", "pool-a", "i-1")
	if err := os.MkdirAll(deltaDir, 0o700); err != nil {
		t.Fatal(err)
	}
	instanceDir := root.InstanceDir("tenant-a", "pool-a", "i-1")
	if err := os.MkdirAll(instanceDir, 0o700); err != nil {
		t.Fatal(err)
	}

	if err := e.InvalidateBase("tenant-a", "pool-a"); err != nil {
		t.Fatalf("InvalidateBase: %v", err)
	}
	if _, err := os.Stat(baseDir); !os.IsNotExist(err) {
		t.Errorf("expected the base dir to be removed, stat err = %v", err)
	}
	if _, err := os.Stat(deltaDir); !os.IsNotExist(err) {
		t.Errorf("expected instance i-1's delta dir to be removed, stat err = %v", err)
	}
}

func TestRestoreReturnsFalseWithNoBaseSnapshot(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	e := NewEngine(root, nil)

	ok, err := e.Restore(nil, nil, "tenant-a", "pool-a", "i-1")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if ok {
		t.Error("expected Restore to report false when no base snapshot exists yet")
	}
}
