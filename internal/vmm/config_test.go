package vmm

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestBootArgsFormatsStaticNetworkParams(t *testing.T) {
	c := InstanceConfig{
		GuestIP:      net.ParseIP("10.1.2.5"),
		GatewayIP:    net.ParseIP("10.1.2.1"),
		CIDRMaskBits: 24,
	}
	got := c.BootArgs()
	want := "console=ttyS0 reboot=k panic=1 pci=off ip=10.1.2.5::10.1.2.1:255.255.255.0::eth0:off"
	if got != want {
		t.Errorf("BootArgs() = %q, want %q", got, want)
	}
}

func TestDriveOrderIsFixed(t *testing.T) {
	got := DriveOrder()
	want := []string{"vda", "vdb", "vdc", "vdd"}
	if len(got) != len(want) {
		t.Fatalf("DriveOrder() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("DriveOrder()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestWriteProducesExpectedDriveOrderAndFields(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "fc.json")

	c := InstanceConfig{
		KernelPath:   "/vmlinux",
		VCPUCount:    2,
		MemSizeMiB:   512,
		GuestIP:      net.ParseIP("10.1.2.5"),
		GatewayIP:    net.ParseIP("10.1.2.1"),
		CIDRMaskBits: 24,
		TapDevice:    "tap-a1b2",
		GuestMAC:     net.HardwareAddr{0x02, 0x00, 0x0a, 0x01, 0x02, 0x05},
		VsockPath:    "/vsock.sock",
		GuestCID:     3,
		RootfsPath:   "/rootfs.ext4",
		DataDrive:    "/data.ext4",
	}
	if err := Write(configPath, c); err != nil {
		t.Fatalf("Write: %v", err)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	drives, ok := doc["drives"].([]any)
	if !ok || len(drives) != 2 {
		t.Fatalf("expected exactly 2 drives (root + data), got %v", doc["drives"])
	}
	first := drives[0].(map[string]any)
	if first["drive_id"] != "vda" || first["is_root_device"] != true {
		t.Errorf("expected vda to be the root device first, got %+v", first)
	}
	second := drives[1].(map[string]any)
	if second["drive_id"] != "vdb" {
		t.Errorf("expected vdb second for the data drive, got %+v", second)
	}

	vsock, ok := doc["vsock"].(map[string]any)
	if !ok || vsock["uds_path"] != "/vsock.sock" {
		t.Errorf("expected vsock uds_path to be set, got %v", doc["vsock"])
	}
}

func TestWriteOverlaysOntoBaseConfig(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "fc_base.json")
	if err := os.WriteFile(basePath, []byte(`{"extra-field": "kept"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	configPath := filepath.Join(dir, "fc.json")

	c := InstanceConfig{BaseConfigPath: basePath, RootfsPath: "/rootfs.ext4"}
	if err := Write(configPath, c); err != nil {
		t.Fatalf("Write: %v", err)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["extra-field"] != "kept" {
		t.Errorf("expected a field from the base config to survive the overlay, got %+v", doc)
	}
}
