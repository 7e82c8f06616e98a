package vmm

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"fleetd/internal/ferr"
)

// DriveSpec is one entry of the four-drive fixed order required for
// interoperability: root RO, config RO, data RW, secrets RO (the
// last two optional).
type DriveSpec struct {
	ID         string
	PathOnHost string
	IsRoot     bool
	ReadOnly   bool
}

// InstanceConfig carries everything needed to overlay onto a
// revision's fc_base.json and produce a concrete Firecracker config.
type InstanceConfig struct {
	BaseConfigPath string
	KernelPath     string
	VCPUCount      int
	MemSizeMiB     int
	GuestIP        net.IP
	GatewayIP      net.IP
	CIDRMaskBits   int
	TapDevice      string
	GuestMAC       net.HardwareAddr
	VsockPath      string
	GuestCID       uint32
	RootfsPath     string
	ConfigDrive    string
	DataDrive      string
	SecretsDrive   string
	LogFIFO        string
	MetricsFIFO    string
}

func maskString(bits int) string {
	m := net.CIDRMask(bits, 32)
	return net.IP(m).String()
}

// BootArgs formats the kernel boot line with the guest's static
// network configuration, per the VMM driver design's ip= parameter.
func (c InstanceConfig) BootArgs() string {
	return fmt.Sprintf("console=ttyS0 reboot=k panic=1 pci=off ip=%s::%s:%s::eth0:off",
		c.GuestIP, c.GatewayIP, maskString(c.CIDRMaskBits))
}

// Write renders the instance's Firecracker JSON config to configPath,
// overlaying instance-specific fields (drives, network, machine
// config, vsock, boot args) onto whatever base fields fc_base.json
// carries for the revision.
func Write(configPath string, c InstanceConfig) error {
	base := map[string]any{}
	if c.BaseConfigPath != "" {
		if data, err := os.ReadFile(c.BaseConfigPath); err == nil {
			json.Unmarshal(data, &base)
		}
	}

	// Fixed order per the block-device drive interoperability
	// contract: vda rootfs, vdb data, vdc secrets, vdd config.
	drives := []map[string]any{
		{"drive_id": "vda", "path_on_host": c.RootfsPath, "is_root_device": true, "is_read_only": true},
	}
	if c.DataDrive != "" {
		drives = append(drives, map[string]any{"drive_id": "vdb", "path_on_host": c.DataDrive, "is_root_device": false, "is_read_only": false})
	}
	if c.SecretsDrive != "" {
		drives = append(drives, map[string]any{"drive_id": "vdc", "path_on_host": c.SecretsDrive, "is_root_device": false, "is_read_only": true})
	}
	if c.ConfigDrive != "" {
		drives = append(drives, map[string]any{"drive_id": "vdd", "path_on_host": c.ConfigDrive, "is_root_device": false, "is_read_only": true})
	}

	base["boot-source"] = map[string]string{
		"kernel_image_path": c.KernelPath,
		"boot_args":         c.BootArgs(),
	}
	base["drives"] = drives
	base["network-interfaces"] = []map[string]string{
		{"iface_id": "eth0", "guest_mac": c.GuestMAC.String(), "host_dev_name": c.TapDevice},
	}
	base["machine-config"] = map[string]int{
		"vcpu_count":   c.VCPUCount,
		"mem_size_mib": c.MemSizeMiB,
	}
	if c.VsockPath != "" {
		base["vsock"] = map[string]any{
			"guest_cid": c.GuestCID,
			"uds_path":  c.VsockPath,
		}
	}
	if c.LogFIFO != "" {
		base["logger"] = map[string]string{"log_path": c.LogFIFO, "level": "Info"}
	}
	if c.MetricsFIFO != "" {
		base["metrics"] = map[string]string{"metrics_path": c.MetricsFIFO}
	}

	raw, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return ferr.Wrap(ferr.IO, "vmm.Write", err)
	}
	raw = append(raw, '\n')
	if err := os.WriteFile(configPath, raw, 0o644); err != nil {
		return ferr.Wrap(ferr.IO, "vmm.Write", err)
	}
	return nil
}

// DriveOrder returns the fixed drive-id order used for bit-exact
// interoperability checks: rootfs, data, secrets, config.
func DriveOrder() []string { return []string{"vda", "vdb", "vdc", "vdd"} }
