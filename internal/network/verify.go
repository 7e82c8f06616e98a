package network

import (
	"fmt"
	"strings"

	"github.com/vishvananda/netlink"

	"fleetd/internal/ferr"
)

// BridgeReport is a structured health check for one tenant's bridge,
// extending the one-line "verify" description in the bridge driver's
// design with the concrete report shape original_source's bridge
// health check produces.
type BridgeReport struct {
	TenantID           string   `json:"tenant_id"`
	BridgeName         string   `json:"bridge_name"`
	Subnet             string   `json:"subnet"`
	Gateway            string   `json:"gateway"`
	BridgeExists       bool     `json:"bridge_exists"`
	BridgeUp           bool     `json:"bridge_up"`
	GatewayAssigned    bool     `json:"gateway_assigned"`
	NATMasquerade      bool     `json:"nat_masquerade"`
	ForwardOutbound    bool     `json:"forward_outbound"`
	ForwardEstablished bool     `json:"forward_established"`
	TapDevices         []string `json:"tap_devices"`
	Issues             []string `json:"issues"`
}

// VerifyTenantBridge checks bridge existence, state, address, NAT and
// FORWARD rule presence, and that every attached TAP device's name
// carries this tenant's net_id prefix (isolation invariant 5, 7).
func VerifyTenantBridge(tenantID string, n *TenantNet) (*BridgeReport, error) {
	report := &BridgeReport{
		TenantID:   tenantID,
		BridgeName: n.BridgeName,
		Subnet:     n.IPv4Subnet.String(),
		Gateway:    n.GatewayIP.String(),
	}

	var handle *netlink.Handle
	err := withRootNetns(func() error {
		h, err := netlink.NewHandle()
		if err != nil {
			return ferr.Wrap(ferr.Network, "VerifyTenantBridge", err)
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer handle.Delete()

	link, err := handle.LinkByName(n.BridgeName)
	if err != nil {
		report.Issues = append(report.Issues, fmt.Sprintf("bridge %s does not exist", n.BridgeName))
		return report, nil
	}
	report.BridgeExists = true
	report.BridgeUp = link.Attrs().OperState == netlink.OperUp
	if !report.BridgeUp {
		report.Issues = append(report.Issues, fmt.Sprintf("bridge %s is not up (state %s)", n.BridgeName, link.Attrs().OperState))
	}

	ones, _ := n.IPv4Subnet.Mask.Size()
	wantAddr := fmt.Sprintf("%s/%d", n.GatewayIP, ones)
	addrs, _ := handle.AddrList(link, netlink.FAMILY_V4)
	for _, a := range addrs {
		if a.IPNet != nil && a.IPNet.String() == mustParseCIDR(wantAddr).String() {
			report.GatewayAssigned = true
		}
	}
	if !report.GatewayAssigned {
		report.Issues = append(report.Issues, fmt.Sprintf("bridge %s missing gateway %s", n.BridgeName, wantAddr))
	}

	subnet := n.IPv4Subnet.String()
	if _, _, err := runCmd("iptables", "-t", "nat", "-C", "POSTROUTING", "-s", subnet, "!", "-o", n.BridgeName, "-j", "MASQUERADE"); err == nil {
		report.NATMasquerade = true
	} else {
		report.Issues = append(report.Issues, fmt.Sprintf("missing NAT masquerade rule for %s on %s", subnet, n.BridgeName))
	}
	if _, _, err := runCmd("iptables", "-C", "FORWARD", "-i", n.BridgeName, "!", "-o", n.BridgeName, "-j", "ACCEPT"); err == nil {
		report.ForwardOutbound = true
	} else {
		report.Issues = append(report.Issues, fmt.Sprintf("missing FORWARD outbound rule for %s", n.BridgeName))
	}
	if _, _, err := runCmd("iptables", "-C", "FORWARD", "!", "-i", n.BridgeName, "-o", n.BridgeName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err == nil {
		report.ForwardEstablished = true
	} else {
		report.Issues = append(report.Issues, fmt.Sprintf("missing FORWARD established rule for %s", n.BridgeName))
	}

	links, _ := netlink.LinkList()
	expectedPrefix := fmt.Sprintf("tn%d", n.TenantNetID)
	for _, l := range links {
		if l.Attrs().MasterIndex == link.Attrs().Index {
			report.TapDevices = append(report.TapDevices, l.Attrs().Name)
			if !strings.HasPrefix(l.Attrs().Name, expectedPrefix) {
				report.Issues = append(report.Issues, fmt.Sprintf("TAP %s attached to %s but doesn't match tenant net_id %d", l.Attrs().Name, n.BridgeName, n.TenantNetID))
			}
		}
	}

	return report, nil
}
