// Package network implements component C: idempotent per-tenant
// Linux bridge networking with deterministic TAP attachment. One
// bridge is shared by every instance of a tenant; only this package
// mutates it, and every mutation here is safe to repeat.
package network

import (
	"fmt"
	"net"
	"os"

	"github.com/vishvananda/netlink"

	"fleetd/internal/ferr"
	"fleetd/internal/naming"
)

// TenantNet is the network identity a tenant's desired-state entry
// carries verbatim (spec §3, data model invariant 1).
type TenantNet struct {
	TenantNetID uint16
	IPv4Subnet  *net.IPNet
	GatewayIP   net.IP
	BridgeName  string
}

// NewTenantNet derives GatewayIP and BridgeName from TenantNetID and
// a parsed subnet, matching the deterministic naming rules.
func NewTenantNet(netID uint16, subnet *net.IPNet) (*TenantNet, error) {
	gw, err := naming.GatewayIP(subnet)
	if err != nil {
		return nil, err
	}
	return &TenantNet{
		TenantNetID: netID,
		IPv4Subnet:  subnet,
		GatewayIP:   gw,
		BridgeName:  naming.BridgeName(netID),
	}, nil
}

// EnsureTenantBridge creates the per-tenant bridge if missing,
// assigns its gateway address, brings it up, enables global IP
// forwarding, and installs the idempotent MASQUERADE/FORWARD rules.
// Every step first checks whether it is already satisfied.
func EnsureTenantBridge(net_ *TenantNet) error {
	return withRootNetns(func() error {
		if err := ensureIPForward(); err != nil {
			return err
		}

		handle, err := netlink.NewHandle()
		if err != nil {
			return ferr.Wrap(ferr.Network, "EnsureTenantBridge", err)
		}
		defer handle.Delete()

		link, err := handle.LinkByName(net_.BridgeName)
		if err != nil {
			br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: net_.BridgeName}}
			if aerr := handle.LinkAdd(br); aerr != nil {
				return ferr.Wrap(ferr.Network, "EnsureTenantBridge:LinkAdd", aerr)
			}
			link, err = handle.LinkByName(net_.BridgeName)
			if err != nil {
				return ferr.Wrap(ferr.Network, "EnsureTenantBridge:LinkByName", err)
			}
		}

		ones, _ := net_.IPv4Subnet.Mask.Size()
		wantAddr := fmt.Sprintf("%s/%d", net_.GatewayIP, ones)
		addrs, err := handle.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return ferr.Wrap(ferr.Network, "EnsureTenantBridge:AddrList", err)
		}
		haveAddr := false
		for _, a := range addrs {
			if a.IPNet != nil && a.IPNet.String() == mustParseCIDR(wantAddr).String() {
				haveAddr = true
				break
			}
		}
		if !haveAddr {
			addr, perr := netlink.ParseAddr(wantAddr)
			if perr != nil {
				return ferr.Wrap(ferr.Network, "EnsureTenantBridge:ParseAddr", perr)
			}
			if aerr := handle.AddrAdd(link, addr); aerr != nil && !os.IsExist(aerr) {
				return ferr.Wrap(ferr.Network, "EnsureTenantBridge:AddrAdd", aerr)
			}
		}

		if link.Attrs().OperState != netlink.OperUp {
			if uerr := handle.LinkSetUp(link); uerr != nil {
				return ferr.Wrap(ferr.Network, "EnsureTenantBridge:LinkSetUp", uerr)
			}
		}

		if err := ensureNATRules(net_); err != nil {
			return err
		}
		return nil
	})
}

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		ip, subnet, _ := net.ParseCIDR(s)
		_ = ip
		return subnet
	}
	return n
}

func ensureIPForward() error {
	data, err := os.ReadFile("/proc/sys/net/ipv4/ip_forward")
	if err == nil && len(data) > 0 && data[0] == '1' {
		return nil
	}
	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1\n"), 0o644); err != nil {
		return ferr.Wrap(ferr.Network, "ensureIPForward", err)
	}
	return nil
}

// ensureNATRules appends (if absent) MASQUERADE for the tenant
// subnet and the two FORWARD rules that let bridged traffic leave
// and stateful return traffic back in, checked with "-C" before
// "-A" exactly like the reference server's global-MASQUERADE idiom,
// but scoped per-tenant per the bridge design's isolation
// requirement instead of one broad rule.
func ensureNATRules(n *TenantNet) error {
	subnet := n.IPv4Subnet.String()
	bridge := n.BridgeName

	if _, _, err := runCmd("iptables", "-t", "nat", "-C", "POSTROUTING", "-s", subnet, "!", "-o", bridge, "-j", "MASQUERADE"); err != nil {
		if _, _, aerr := runCmd("iptables", "-t", "nat", "-A", "POSTROUTING", "-s", subnet, "!", "-o", bridge, "-j", "MASQUERADE"); aerr != nil {
			return aerr
		}
	}
	if _, _, err := runCmd("iptables", "-C", "FORWARD", "-i", bridge, "!", "-o", bridge, "-j", "ACCEPT"); err != nil {
		if _, _, aerr := runCmd("iptables", "-A", "FORWARD", "-i", bridge, "!", "-o", bridge, "-j", "ACCEPT"); aerr != nil {
			return aerr
		}
	}
	if _, _, err := runCmd("iptables", "-C", "FORWARD", "!", "-i", bridge, "-o", bridge, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err != nil {
		if _, _, aerr := runCmd("iptables", "-A", "FORWARD", "!", "-i", bridge, "-o", bridge, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"); aerr != nil {
			return aerr
		}
	}
	return nil
}

// DestroyTenantBridge is called only when the tenant itself is
// destroyed: it drops the NAT/FORWARD rules and removes the bridge.
func DestroyTenantBridge(n *TenantNet) error {
	return withRootNetns(func() error {
		subnet := n.IPv4Subnet.String()
		bridge := n.BridgeName

		runCmd("iptables", "-t", "nat", "-D", "POSTROUTING", "-s", subnet, "!", "-o", bridge, "-j", "MASQUERADE")
		runCmd("iptables", "-D", "FORWARD", "-i", bridge, "!", "-o", bridge, "-j", "ACCEPT")
		runCmd("iptables", "-D", "FORWARD", "!", "-i", bridge, "-o", bridge, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT")

		handle, err := netlink.NewHandle()
		if err != nil {
			return ferr.Wrap(ferr.Network, "DestroyTenantBridge", err)
		}
		defer handle.Delete()

		link, err := handle.LinkByName(bridge)
		if err != nil {
			return nil // already gone
		}
		handle.LinkSetDown(link)
		if err := handle.LinkDel(link); err != nil {
			return ferr.Wrap(ferr.Network, "DestroyTenantBridge:LinkDel", err)
		}
		return nil
	})
}

// SetupTAP creates a TAP device for one instance and attaches it to
// its tenant's bridge, bringing both the TAP and the master link up.
func SetupTAP(n *TenantNet, tapName string, mac net.HardwareAddr) error {
	return withRootNetns(func() error {
		handle, err := netlink.NewHandle()
		if err != nil {
			return ferr.Wrap(ferr.Network, "SetupTAP", err)
		}
		defer handle.Delete()

		bridgeLink, err := handle.LinkByName(n.BridgeName)
		if err != nil {
			return ferr.Wrap(ferr.Network, "SetupTAP:bridge-missing", err)
		}

		if existing, eerr := handle.LinkByName(tapName); eerr == nil {
			// Idempotent: already present. Ensure attached and up.
			return finishTAPAttach(handle, existing, bridgeLink)
		}

		tap := &netlink.Tuntap{
			LinkAttrs: netlink.LinkAttrs{Name: tapName, HardwareAddr: mac},
			Mode:      netlink.TUNTAP_MODE_TAP,
			Flags:     netlink.TUNTAP_NO_PI | netlink.TUNTAP_VNET_HDR | netlink.TUNTAP_ONE_QUEUE,
		}
		if err := handle.LinkAdd(tap); err != nil {
			return ferr.Wrap(ferr.Network, "SetupTAP:LinkAdd", err)
		}
		link, err := handle.LinkByName(tapName)
		if err != nil {
			return ferr.Wrap(ferr.Network, "SetupTAP:LinkByName", err)
		}
		return finishTAPAttach(handle, link, bridgeLink)
	})
}

func finishTAPAttach(handle *netlink.Handle, tap, bridge netlink.Link) error {
	if tap.Attrs().MasterIndex != bridge.Attrs().Index {
		if err := handle.LinkSetMaster(tap, bridge.(*netlink.Bridge)); err != nil {
			return ferr.Wrap(ferr.Network, "finishTAPAttach:LinkSetMaster", err)
		}
	}
	if err := handle.LinkSetUp(tap); err != nil {
		return ferr.Wrap(ferr.Network, "finishTAPAttach:LinkSetUp", err)
	}
	return nil
}

// TeardownTAP removes an instance's TAP device; the bridge itself is
// left untouched.
func TeardownTAP(tapName string) error {
	return withRootNetns(func() error {
		handle, err := netlink.NewHandle()
		if err != nil {
			return ferr.Wrap(ferr.Network, "TeardownTAP", err)
		}
		defer handle.Delete()

		link, err := handle.LinkByName(tapName)
		if err != nil {
			return nil // already gone
		}
		if err := handle.LinkDel(link); err != nil {
			return ferr.Wrap(ferr.Network, "TeardownTAP:LinkDel", err)
		}
		return nil
	})
}
