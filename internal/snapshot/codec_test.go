package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"fleetd/internal/store"
)

func writeTemp(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCompressFileNoneIsNoOp(t *testing.T) {
	path := writeTemp(t, []byte("hello world"))
	if err := compressFile(path, store.CompressionNone); err != nil {
		t.Fatalf("compressFile: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("expected CompressionNone to leave the file untouched, got %q", got)
	}
}

func TestCompressDecompressLZ4RoundTrips(t *testing.T) {
	original := []byte("the quick brown fox jumps over the lazy dog, repeated: the quick brown fox jumps over the lazy dog")
	path := writeTemp(t, original)

	if err := compressFile(path, store.CompressionLZ4); err != nil {
		t.Fatalf("compressFile: %v", err)
	}
	compressed, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(compressed) == string(original) {
		t.Error("expected the on-disk bytes to change after LZ4 compression")
	}

	if err := decompressFile(path, store.CompressionLZ4); err != nil {
		t.Fatalf("decompressFile: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(original) {
		t.Errorf("round trip mismatch: got %q, want %q", got, original)
	}
}

func TestCompressDecompressZstdRoundTrips(t *testing.T) {
	original := []byte("zstd round trip payload, zstd round trip payload, zstd round trip payload")
	path := writeTemp(t, original)

	if err := compressFile(path, store.CompressionZstd); err != nil {
		t.Fatalf("compressFile: %v", err)
	}
	if err := decompressFile(path, store.CompressionZstd); err != nil {
		t.Fatalf("decompressFile: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(original) {
		t.Errorf("round trip mismatch: got %q, want %q", got, original)
	}
}

func TestCompressFileRejectsUnknownCodec(t *testing.T) {
	path := writeTemp(t, []byte("data"))
	err := compressFile(path, store.SnapshotCompression("bogus"))
	if err == nil {
		t.Fatal("expected an error for an unknown compression codec")
	}
}
