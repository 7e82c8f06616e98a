package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"fleetd/internal/ferr"
)

// WriteJSONAtomic exposes writeJSONAtomic for other packages
// (snapshot, diskutil) that persist metadata under the data root
// using the same durable-write contract.
func WriteJSONAtomic(path string, v any) error { return writeJSONAtomic(path, v) }

// ReadJSONStrict exposes readJSONStrict for other packages.
func ReadJSONStrict(path string, v any) error { return readJSONStrict(path, v) }

// writeJSONAtomic writes v to path as pretty JSON using the
// write-tmp/fsync/rename pattern: no reader ever observes a partial
// file, matching the durable-write requirement in the state store
// design.
func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ferr.Wrap(ferr.IO, "writeJSONAtomic", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ferr.Wrap(ferr.IO, "writeJSONAtomic", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return ferr.Wrap(ferr.IO, "writeJSONAtomic", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return ferr.Wrap(ferr.IO, "writeJSONAtomic", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return ferr.Wrap(ferr.IO, "writeJSONAtomic", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return ferr.Wrap(ferr.IO, "writeJSONAtomic", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return ferr.Wrap(ferr.IO, "writeJSONAtomic", err)
	}
	return nil
}

// readJSONStrict reads and decodes path into v, rejecting unknown
// fields. A missing file or a required-field decode failure both
// surface as ConfigInvalid naming the file, per the loader's
// no-guessing-defaults rule.
func readJSONStrict(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ferr.New(ferr.ConfigInvalid, "readJSONStrict", fmt.Sprintf("missing file %s", path))
		}
		return ferr.Wrap(ferr.IO, "readJSONStrict", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ferr.New(ferr.ConfigInvalid, "readJSONStrict", fmt.Sprintf("%s: %v", path, err))
	}
	return nil
}
