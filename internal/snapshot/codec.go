// Package snapshot implements component F: pool-level base snapshots
// and instance-level delta snapshots, with compress-then-encrypt
// payload framing and cross-tenant path validation.
package snapshot

import (
	"bytes"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"fleetd/internal/ferr"
	"fleetd/internal/store"
)

// compressFile rewrites path in place through the given codec.
// CompressionNone is a no-op.
func compressFile(path string, codec store.SnapshotCompression) error {
	if codec == store.CompressionNone {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ferr.Wrap(ferr.IO, "compressFile", err)
	}
	var buf bytes.Buffer
	switch codec {
	case store.CompressionLZ4:
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return ferr.Wrap(ferr.IO, "compressFile", err)
		}
		if err := w.Close(); err != nil {
			return ferr.Wrap(ferr.IO, "compressFile", err)
		}
	case store.CompressionZstd:
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return ferr.Wrap(ferr.IO, "compressFile", err)
		}
		if _, err := w.Write(raw); err != nil {
			return ferr.Wrap(ferr.IO, "compressFile", err)
		}
		if err := w.Close(); err != nil {
			return ferr.Wrap(ferr.IO, "compressFile", err)
		}
	default:
		return ferr.New(ferr.ConfigInvalid, "compressFile", "unknown compression codec "+string(codec))
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// decompressFile reverses compressFile.
func decompressFile(path string, codec store.SnapshotCompression) error {
	if codec == store.CompressionNone {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ferr.Wrap(ferr.IO, "decompressFile", err)
	}
	var out []byte
	switch codec {
	case store.CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(raw))
		out, err = io.ReadAll(r)
	case store.CompressionZstd:
		var dec *zstd.Decoder
		dec, err = zstd.NewReader(bytes.NewReader(raw))
		if err == nil {
			defer dec.Close()
			out, err = io.ReadAll(dec)
		}
	default:
		return ferr.New(ferr.ConfigInvalid, "decompressFile", "unknown compression codec "+string(codec))
	}
	if err != nil {
		return ferr.Wrap(ferr.SnapshotIncompat, "decompressFile", err)
	}
	return os.WriteFile(path, out, 0o600)
}
