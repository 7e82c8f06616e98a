package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"fleetd/internal/network"
)

func netCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "net", Short: "Inspect tenant networking"}
	cmd.AddCommand(netVerifyCmd())
	return cmd
}

func netVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <tenant_id>",
		Short: "Check a tenant's bridge, NAT rules, and TAP isolation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openRoot().LoadTenant(args[0])
			if err != nil {
				return err
			}
			_, subnet, err := net.ParseCIDR(t.Network.IPv4Subnet)
			if err != nil {
				return err
			}
			tn := &network.TenantNet{
				TenantNetID: t.Network.TenantNetID,
				IPv4Subnet:  subnet,
				GatewayIP:   net.ParseIP(t.Network.GatewayIP),
				BridgeName:  t.Network.BridgeName,
			}
			report, err := network.VerifyTenantBridge(args[0], tn)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if len(report.Issues) > 0 {
				return usageErrf("bridge for tenant %s has %d issue(s)", args[0], len(report.Issues))
			}
			fmt.Println("bridge OK")
			return nil
		},
	}
}
