package network

import (
	"net"
	"testing"
)

func TestNewTenantNetDerivesGatewayAndBridgeName(t *testing.T) {
	_, subnet, err := net.ParseCIDR("10.5.6.0/24")
	if err != nil {
		t.Fatal(err)
	}

	tn, err := NewTenantNet(42, subnet)
	if err != nil {
		t.Fatalf("NewTenantNet: %v", err)
	}
	if tn.GatewayIP.String() != "10.5.6.1" {
		t.Errorf("expected gateway 10.5.6.1, got %s", tn.GatewayIP)
	}
	if tn.BridgeName != "br-tenant-42" {
		t.Errorf("expected bridge name br-tenant-42, got %s", tn.BridgeName)
	}
	if tn.TenantNetID != 42 {
		t.Errorf("expected TenantNetID 42, got %d", tn.TenantNetID)
	}
}

func TestNewTenantNetRejectsIPv6Subnet(t *testing.T) {
	_, subnet, err := net.ParseCIDR("fd00::/64")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewTenantNet(1, subnet); err == nil {
		t.Error("expected an IPv6 subnet to be rejected")
	}
}
