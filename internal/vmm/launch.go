package vmm

import (
	"context"
	"path/filepath"
	"time"

	"fleetd/internal/ferr"
)

// StartOptions bundles everything Start needs to bring one instance's
// VMM up: config values, whether to jail, and the resource limits its
// cgroup should enforce.
type StartOptions struct {
	InstanceDir     string
	InstanceID      string
	Jailed          bool
	FirecrackerBin  string
	Config          InstanceConfig
	TenantNetID     uint16
	IPOffset        uint8
	DataDiskPath    string
	SecretsPath     string
	SeccompFilter   string
	CgroupRoot      string
	MaxPids         int
	APIWaitTimeout  time.Duration
	BootWaitTimeout time.Duration
	// SkipBoot suppresses the trailing InstanceStart action, for the
	// wake path where the caller drives snapshot/load and resume-vm
	// itself instead of a fresh boot.
	SkipBoot bool
}

// Handle is a running instance's live handles: its VMM process, its
// control-API client, its resource-group path, and whether it ended
// up jailed (the caller persists this so a later warm/sleep/stop can
// find the control socket again).
type Handle struct {
	Launched   *Launched
	Client     *Client
	CgroupPath string
	Jailed     bool
}

// Start writes the instance's Firecracker config, launches the VMM
// (jailed when requested and available, else direct), waits for the
// control socket, and boots the guest. Mirrors the create-sandbox
// sequence: parallel setup work already done by the caller, then
// config write, process start, socket wait, boot.
func Start(ctx context.Context, opts StartOptions) (*Handle, error) {
	jailed := opts.Jailed && JailerAvailable()

	cfg := opts.Config
	if jailed {
		// The jailer hard-links artifacts into the chroot under fixed
		// names; the config shipped into the chroot must reference
		// those names, not the host-side paths.
		cfg.KernelPath = "/vmlinux"
		cfg.RootfsPath = "/rootfs.ext4"
		if cfg.DataDrive != "" {
			cfg.DataDrive = "/data.ext4"
		}
		if cfg.SecretsDrive != "" {
			cfg.SecretsDrive = "/secrets.ext4"
		}
		if cfg.ConfigDrive != "" {
			cfg.ConfigDrive = "/config.ext4"
		}
		if cfg.VsockPath != "" {
			cfg.VsockPath = "/vsock.sock"
		}
	}

	configPath := filepath.Join(opts.InstanceDir, "fc.json")
	if err := Write(configPath, cfg); err != nil {
		return nil, err
	}

	logPath := filepath.Join(opts.InstanceDir, "firecracker.log")
	spec := LaunchSpec{
		InstanceDir:     opts.InstanceDir,
		InstanceID:      opts.InstanceID,
		TenantNetID:     opts.TenantNetID,
		IPOffset:        opts.IPOffset,
		KernelPath:      opts.Config.KernelPath,
		RootfsPath:      opts.Config.RootfsPath,
		ConfigPath:      configPath,
		ConfigDrivePath: opts.Config.ConfigDrive,
		DataDiskPath:    opts.DataDiskPath,
		SecretsPath:     opts.SecretsPath,
		SeccompFilter:   opts.SeccompFilter,
		LogPath:         logPath,
		FirecrackerBin:  opts.FirecrackerBin,
	}

	var launched *Launched
	var err error
	if jailed {
		launched, err = LaunchJailed(spec)
	} else {
		launched, err = LaunchDirect(spec, filepath.Join(opts.InstanceDir, "firecracker.socket"))
	}
	if err != nil {
		return nil, err
	}

	var cgroupPath string
	if opts.CgroupRoot != "" {
		cgroupPath, err = CreateResourceGroup(opts.CgroupRoot, opts.InstanceID,
			uint32(opts.Config.MemSizeMiB), uint8(opts.Config.VCPUCount), opts.MaxPids)
		if err != nil {
			KillProcessGroup(launched.Cmd)
			return nil, err
		}
		if err := MovePidToCgroup(cgroupPath, launched.PID); err != nil {
			KillProcessGroup(launched.Cmd)
			RemoveCgroupDir(cgroupPath, time.Second)
			return nil, err
		}
	}

	waitTimeout := opts.APIWaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 3 * time.Second
	}
	client := NewClient(launched.SocketPath, waitTimeout)

	if err := client.CallWithRetry(ctx, "GET", "/machine-config", nil, waitTimeout); err != nil {
		KillProcessGroup(launched.Cmd)
		if cgroupPath != "" {
			RemoveCgroupDir(cgroupPath, time.Second)
		}
		return nil, ferr.Wrap(ferr.VMMAPI, "Start", err)
	}

	if !opts.SkipBoot {
		if err := client.InstanceStart(); err != nil {
			KillProcessGroup(launched.Cmd)
			if cgroupPath != "" {
				RemoveCgroupDir(cgroupPath, time.Second)
			}
			return nil, ferr.Wrap(ferr.VMMAPI, "Start", err)
		}
	}

	return &Handle{Launched: launched, Client: client, CgroupPath: cgroupPath, Jailed: jailed}, nil
}

// Stop performs the kill-and-cleanup sequence: cgroup kill (if
// available), graceful SIGTERM/SIGKILL escalation on the process
// group, then cgroup directory removal.
func Stop(h *Handle, graceful time.Duration) error {
	if h == nil {
		return nil
	}
	if h.CgroupPath != "" {
		KillCgroup(h.CgroupPath)
	}
	if h.Launched != nil && h.Launched.Cmd != nil {
		if err := GracefulShutdown(h.Launched.PID, graceful); err != nil {
			KillProcessGroup(h.Launched.Cmd)
		}
	}
	if h.CgroupPath != "" {
		return RemoveCgroupDir(h.CgroupPath, 1500*time.Millisecond)
	}
	return nil
}
