// Package diskutil implements component D: persistent data volumes,
// ephemeral tmpfs-backed secrets/config images, and optional
// encrypted block-device wrapping.
package diskutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"fleetd/internal/ferr"
)

// CloneMode governs how the rootfs is materialized per instance,
// matching the reference server's MANTA_ROOTFS_CLONE_MODE knob.
type CloneMode string

const (
	CloneAuto            CloneMode = "auto"
	CloneReflinkRequired CloneMode = "reflink-required"
)

func runCmd(name string, args ...string) (string, string, error) {
	cmd := exec.Command(name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	err := cmd.Run()
	if err != nil {
		return out.String(), errb.String(), ferr.Wrap(ferr.IO, "runCmd:"+name, fmt.Errorf("%v: %s", err, errb.String()))
	}
	return out.String(), errb.String(), nil
}

// EnsureDataDisk creates a sparse ext4-formatted file at path if it
// does not already exist; an existing disk is left untouched so a
// tenant's persistent data survives across restarts.
func EnsureDataDisk(path string, sizeMiB uint32) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return ferr.Wrap(ferr.IO, "EnsureDataDisk", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ferr.Wrap(ferr.IO, "EnsureDataDisk", err)
	}
	if _, _, err := runCmd("truncate", "-s", fmt.Sprintf("%dM", sizeMiB), path); err != nil {
		return err
	}
	if _, _, err := runCmd("mkfs.ext4", "-F", "-q", path); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// CloneRootfs materializes an instance's copy of a revision's
// read-only rootfs, preferring a reflink (copy-on-write) clone and
// falling back to a full copy unless mode forbids it.
func CloneRootfs(mode CloneMode, srcPath, dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return ferr.Wrap(ferr.IO, "CloneRootfs", err)
	}
	reflinkArg := "--reflink=auto"
	if mode == CloneReflinkRequired {
		reflinkArg = "--reflink=always"
	}
	_, _, err := runCmd("cp", reflinkArg, srcPath, dstPath)
	if err != nil && mode == CloneReflinkRequired {
		return ferr.Wrap(ferr.IO, "CloneRootfs", fmt.Errorf("%w; reflink-required mode prevents full-copy fallback", err))
	}
	return err
}

// ConfigImage is the non-secret metadata written into the config
// drive (vdd), per the disk driver design and the fixed drive order
// in the external interfaces section.
type ConfigImage struct {
	InstanceID        string         `json:"instance_id"`
	PoolID            string         `json:"pool_id"`
	TenantID          string         `json:"tenant_id"`
	GuestIP           string         `json:"guest_ip"`
	VCPUs             uint8          `json:"vcpus"`
	MemMiB            uint32         `json:"mem_mib"`
	MinRuntimePolicy  map[string]any `json:"min_runtime_policy"`
	Integrations      []string       `json:"integrations,omitempty"`
	RoutesJSON        map[string]any `json:"routes,omitempty"`
}

// BuildConfigImage creates a read-only ext4 image on tmpfs containing
// config.json (and routes.json for Gateway pools), returning the
// image path.
func BuildConfigImage(tmpDir string, cfg ConfigImage) (string, error) {
	stage := filepath.Join(tmpDir, "config-stage")
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return "", ferr.Wrap(ferr.IO, "BuildConfigImage", err)
	}
	defer os.RemoveAll(stage)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", ferr.Wrap(ferr.IO, "BuildConfigImage", err)
	}
	if err := os.WriteFile(filepath.Join(stage, "config.json"), data, 0o400); err != nil {
		return "", ferr.Wrap(ferr.IO, "BuildConfigImage", err)
	}
	if cfg.RoutesJSON != nil {
		routes, err := json.MarshalIndent(cfg.RoutesJSON, "", "  ")
		if err != nil {
			return "", ferr.Wrap(ferr.IO, "BuildConfigImage", err)
		}
		if err := os.WriteFile(filepath.Join(stage, "routes.json"), routes, 0o400); err != nil {
			return "", ferr.Wrap(ferr.IO, "BuildConfigImage", err)
		}
	}

	imgPath := filepath.Join(tmpDir, "config.ext4")
	return imgPath, buildExt4Image(stage, imgPath, 0o600)
}

// SecretsSource supplies either a flat secrets.json map or a scoped
// tree keyed by integration name, per the secret_scopes pool field.
type SecretsSource struct {
	Flat   map[string]string
	Scoped map[string]map[string]string // integration -> KEY -> value
}

// BuildSecretsImage creates a read-only ext4 image on tmpfs (/dev/shm
// by convention; tmpDir is caller-supplied so tests can use a regular
// tmp directory) with either a flat secrets.json or a per-integration
// key tree, mode 0400 inside and 0600 on the outer image file.
func BuildSecretsImage(tmpDir string, src SecretsSource) (string, error) {
	stage := filepath.Join(tmpDir, "secrets-stage")
	if err := os.MkdirAll(stage, 0o700); err != nil {
		return "", ferr.Wrap(ferr.IO, "BuildSecretsImage", err)
	}
	defer os.RemoveAll(stage)

	if src.Scoped != nil {
		for integration, kv := range src.Scoped {
			dir := filepath.Join(stage, "secrets", integration)
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return "", ferr.Wrap(ferr.IO, "BuildSecretsImage", err)
			}
			for k, v := range kv {
				if err := os.WriteFile(filepath.Join(dir, k), []byte(v), 0o400); err != nil {
					return "", ferr.Wrap(ferr.IO, "BuildSecretsImage", err)
				}
			}
		}
	} else {
		data, err := json.Marshal(src.Flat)
		if err != nil {
			return "", ferr.Wrap(ferr.IO, "BuildSecretsImage", err)
		}
		if err := os.WriteFile(filepath.Join(stage, "secrets.json"), data, 0o400); err != nil {
			return "", ferr.Wrap(ferr.IO, "BuildSecretsImage", err)
		}
	}

	imgPath := filepath.Join(tmpDir, "secrets.ext4")
	return imgPath, buildExt4Image(stage, imgPath, 0o600)
}

// buildExt4Image packs the contents of stageDir into a fresh ext4
// image at imgPath using mkfs.ext4's directory-populate mode (-d),
// avoiding a separate mount/copy/unmount cycle.
func buildExt4Image(stageDir, imgPath string, outerMode os.FileMode) error {
	var size int64
	filepath.Walk(stageDir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	// Pad generously for inode/metadata overhead; ext4 minimum image
	// sizes are small but not zero.
	sizeMiB := (size / (1024 * 1024)) + 8

	if _, _, err := runCmd("truncate", "-s", fmt.Sprintf("%dM", sizeMiB), imgPath); err != nil {
		return err
	}
	if _, _, err := runCmd("mkfs.ext4", "-F", "-q", "-d", stageDir, imgPath); err != nil {
		os.Remove(imgPath)
		return err
	}
	if err := os.Chmod(imgPath, outerMode); err != nil {
		return ferr.Wrap(ferr.IO, "buildExt4Image", err)
	}
	return nil
}

// SecureWipeFile zero-fills path before removal, matching the
// snapshot-deletion security requirement that deletion zero-fills
// first.
func SecureWipeFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ferr.Wrap(ferr.IO, "SecureWipeFile", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return ferr.Wrap(ferr.IO, "SecureWipeFile", err)
	}
	zero := make([]byte, 4096)
	var written int64
	for written < fi.Size() {
		n := int64(len(zero))
		if fi.Size()-written < n {
			n = fi.Size() - written
		}
		if _, err := f.WriteAt(zero[:n], written); err != nil {
			f.Close()
			return ferr.Wrap(ferr.IO, "SecureWipeFile", err)
		}
		written += n
	}
	f.Close()
	return os.Remove(path)
}

// SecureWipeDir zero-fills every regular file under dir, then removes
// the directory tree.
func SecureWipeDir(dir string) error {
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		return SecureWipeFile(path)
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
