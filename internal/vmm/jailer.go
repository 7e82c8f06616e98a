package vmm

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"fleetd/internal/ferr"
)

// jailUIDBase is the low end of the jailed-uid range; combined with
// the tenant net_id and ip_offset it produces a cluster-unique,
// collision-free uid/gid per instance.
const jailUIDBase = 10000

// ComputeJailUID derives the uid (and identically, gid) an instance's
// jailed Firecracker process runs as: BASE + net_id*256 + ip_offset.
func ComputeJailUID(netID uint16, ipOffset uint8) uint32 {
	return jailUIDBase + uint32(netID)*256 + uint32(ipOffset)
}

// LaunchSpec is everything needed to start one instance's VMM,
// whether jailed or direct.
type LaunchSpec struct {
	InstanceDir    string
	InstanceID     string
	TenantNetID    uint16
	IPOffset       uint8
	KernelPath      string
	RootfsPath      string
	ConfigPath      string // the fc.json control-API config, empty for snapshot-restore relaunch
	ConfigDrivePath string // the vdd config-image drive, if any
	DataDiskPath    string
	SecretsPath     string
	SeccompFilter  string
	LogPath        string
	FirecrackerBin string
}

// Launched describes a running VMM process.
type Launched struct {
	PID        int
	SocketPath string
	Cmd        *exec.Cmd
	Jailed     bool
}

// JailerAvailable reports whether the firecracker jailer binary is on
// PATH.
func JailerAvailable() bool {
	_, err := exec.LookPath("jailer")
	return err == nil
}

// LaunchJailed sets up a per-instance chroot with hard-linked
// artifacts and a dedicated uid/gid, then execs the jailer. Mirrors
// the reference jailer's directory layout: <instance_dir>/jail/root/
// with device nodes for /dev/kvm and /dev/net/tun.
func LaunchJailed(spec LaunchSpec) (*Launched, error) {
	uid := ComputeJailUID(spec.TenantNetID, spec.IPOffset)
	jailRoot := filepath.Join(spec.InstanceDir, "jail", "root")

	if err := setupJailDir(jailRoot, spec); err != nil {
		return nil, err
	}

	socketPath := filepath.Join(jailRoot, "firecracker.socket")
	os.Remove(socketPath)

	args := []string{
		"--id", spec.InstanceID,
		"--exec-file", spec.FirecrackerBin,
		"--uid", fmt.Sprintf("%d", uid),
		"--gid", fmt.Sprintf("%d", uid),
		"--chroot-base-dir", filepath.Join(spec.InstanceDir, "jail"),
		"--",
		"--api-sock", "/firecracker.socket",
	}
	if spec.ConfigPath != "" {
		args = append(args, "--config-file", "/fc.json")
	}
	if spec.SeccompFilter != "" {
		args = append(args, "--seccomp-filter", spec.SeccompFilter)
	}
	args = append(args, "--log-path", spec.LogPath, "--level", "Info")

	cmd := exec.Command("jailer", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, ferr.Wrap(ferr.VMMAPI, "LaunchJailed", err)
	}

	if err := waitForSocket(socketPath, 3*time.Second); err != nil {
		cmd.Process.Kill()
		return nil, err
	}

	return &Launched{PID: cmd.Process.Pid, SocketPath: socketPath, Cmd: cmd, Jailed: true}, nil
}

func setupJailDir(jailRoot string, spec LaunchSpec) error {
	if err := os.MkdirAll(filepath.Join(jailRoot, "dev", "net"), 0o755); err != nil {
		return ferr.Wrap(ferr.IO, "setupJailDir", err)
	}

	if _, err := os.Stat(filepath.Join(jailRoot, "dev", "kvm")); err != nil {
		unix.Mknod(filepath.Join(jailRoot, "dev", "kvm"), unix.S_IFCHR|0o666, int(unix.Mkdev(10, 232)))
	}
	if _, err := os.Stat(filepath.Join(jailRoot, "dev", "net", "tun")); err != nil {
		unix.Mknod(filepath.Join(jailRoot, "dev", "net", "tun"), unix.S_IFCHR|0o666, int(unix.Mkdev(10, 200)))
	}

	if err := hardlinkOrCopy(spec.KernelPath, filepath.Join(jailRoot, "vmlinux")); err != nil {
		return err
	}
	if err := hardlinkOrCopy(spec.RootfsPath, filepath.Join(jailRoot, "rootfs.ext4")); err != nil {
		return err
	}
	if spec.ConfigPath != "" {
		if err := copyFile(spec.ConfigPath, filepath.Join(jailRoot, "fc.json")); err != nil {
			return err
		}
	}
	if spec.DataDiskPath != "" {
		if err := hardlinkOrCopy(spec.DataDiskPath, filepath.Join(jailRoot, "data.ext4")); err != nil {
			return err
		}
	}
	if spec.SecretsPath != "" {
		if err := hardlinkOrCopy(spec.SecretsPath, filepath.Join(jailRoot, "secrets.ext4")); err != nil {
			return err
		}
	}
	if spec.ConfigDrivePath != "" {
		if err := hardlinkOrCopy(spec.ConfigDrivePath, filepath.Join(jailRoot, "config.ext4")); err != nil {
			return err
		}
	}
	return nil
}

func hardlinkOrCopy(src, dst string) error {
	os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return ferr.Wrap(ferr.IO, "copyFile", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return ferr.Wrap(ferr.IO, "copyFile", err)
	}
	return nil
}

// LaunchDirect execs Firecracker directly with no jail, used only
// when jailing is unavailable and PRODUCTION is not set.
func LaunchDirect(spec LaunchSpec, socketPath string) (*Launched, error) {
	os.Remove(socketPath)
	args := []string{"--api-sock", socketPath}
	if spec.ConfigPath != "" {
		args = append(args, "--config-file", spec.ConfigPath)
	}
	if spec.SeccompFilter != "" {
		args = append(args, "--seccomp-filter", spec.SeccompFilter)
	}
	args = append(args, "--log-path", spec.LogPath, "--level", "Info")

	bin := spec.FirecrackerBin
	if bin == "" {
		bin = "firecracker"
	}
	cmd := exec.Command(bin, args...)
	cmd.Dir = spec.InstanceDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, ferr.Wrap(ferr.VMMAPI, "LaunchDirect", err)
	}

	if err := waitForSocket(socketPath, 3*time.Second); err != nil {
		cmd.Process.Kill()
		return nil, err
	}

	return &Launched{PID: cmd.Process.Pid, SocketPath: socketPath, Cmd: cmd, Jailed: false}, nil
}

func waitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fi, err := os.Stat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return ferr.New(ferr.VMMAPI, "waitForSocket", fmt.Sprintf("socket %s not ready after %s", path, timeout))
}

// CleanupJail removes an instance's jail directory tree.
func CleanupJail(instanceDir string) error {
	if err := os.RemoveAll(filepath.Join(instanceDir, "jail")); err != nil {
		return ferr.Wrap(ferr.IO, "CleanupJail", err)
	}
	return nil
}
