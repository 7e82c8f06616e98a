package main

import (
	"fmt"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fleetd/internal/naming"
	"fleetd/internal/store"
)

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	cmd.AddCommand(tenantCreateCmd(), tenantListCmd(), tenantInfoCmd(), tenantDestroyCmd(), tenantSecretsCmd())
	return cmd
}

func tenantCreateCmd() *cobra.Command {
	var netID uint16
	var subnetStr string
	var vcpus, memMiB, running, warm, pools, instancesPerPool, diskGiB int
	var pinned bool
	var auditRetentionDays uint32

	cmd := &cobra.Command{
		Use:   "create <tenant_id>",
		Short: "Create a tenant with its network and quotas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]
			_, subnet, err := net.ParseCIDR(subnetStr)
			if err != nil {
				return usageErrf("invalid --subnet %q: %v", subnetStr, err)
			}
			gw, err := naming.GatewayIP(subnet)
			if err != nil {
				return err
			}

			t := &store.Tenant{
				TenantID: tenantID,
				Network: store.TenantNetwork{
					TenantNetID: netID,
					IPv4Subnet:  subnet.String(),
					GatewayIP:   gw.String(),
					BridgeName:  naming.BridgeName(netID),
				},
				Quotas: store.Quotas{
					MaxVCPUs:            uint32(vcpus),
					MaxMemMiB:           uint64(memMiB),
					MaxRunning:          uint32(running),
					MaxWarm:             uint32(warm),
					MaxPools:            uint32(pools),
					MaxInstancesPerPool: uint32(instancesPerPool),
					MaxDiskGiB:          uint64(diskGiB),
				},
				Pinned:             pinned,
				AuditRetentionDays: auditRetentionDays,
				CreatedAt:          time.Now().UTC(),
				UpdatedAt:          time.Now().UTC(),
			}
			if err := openRoot().SaveTenant(t); err != nil {
				return err
			}
			fmt.Printf("tenant %s created: bridge=%s gateway=%s\n", tenantID, t.Network.BridgeName, t.Network.GatewayIP)
			return nil
		},
	}
	cmd.Flags().Uint16Var(&netID, "net-id", 0, "tenant network id (required)")
	cmd.Flags().StringVar(&subnetStr, "subnet", "", "tenant IPv4 subnet CIDR, e.g. 10.240.3.0/24 (required)")
	cmd.Flags().IntVar(&vcpus, "quota-vcpus", 0, "vCPU quota")
	cmd.Flags().IntVar(&memMiB, "quota-mem-mib", 0, "memory quota (MiB)")
	cmd.Flags().IntVar(&running, "quota-running", 0, "max concurrently running instances")
	cmd.Flags().IntVar(&warm, "quota-warm", 0, "max warm instances")
	cmd.Flags().IntVar(&pools, "quota-pools", 0, "max pools")
	cmd.Flags().IntVar(&instancesPerPool, "quota-instances-per-pool", 0, "max instances per pool")
	cmd.Flags().IntVar(&diskGiB, "quota-disk-gib", 0, "disk quota (GiB)")
	cmd.Flags().BoolVar(&pinned, "pinned", false, "exempt from auto-destroy/prune")
	cmd.Flags().Uint32Var(&auditRetentionDays, "audit-retention-days", 30, "audit log retention window")
	cmd.MarkFlagRequired("net-id")
	cmd.MarkFlagRequired("subnet")
	return cmd
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := openRoot().ListTenants()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TENANT\tSUBNET\tBRIDGE\tPINNED")
			for _, id := range ids {
				t, err := openRoot().LoadTenant(id)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", t.TenantID, t.Network.IPv4Subnet, t.Network.BridgeName, t.Pinned)
			}
			return w.Flush()
		},
	}
}

func tenantInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <tenant_id>",
		Short: "Show one tenant's full record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openRoot().LoadTenant(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("tenant_id:    %s\n", t.TenantID)
			fmt.Printf("subnet:       %s\n", t.Network.IPv4Subnet)
			fmt.Printf("gateway_ip:   %s\n", t.Network.GatewayIP)
			fmt.Printf("bridge:       %s\n", t.Network.BridgeName)
			fmt.Printf("quotas:       vcpus=%d mem_mib=%d running=%d warm=%d pools=%d instances_per_pool=%d disk_gib=%d\n",
				t.Quotas.MaxVCPUs, t.Quotas.MaxMemMiB, t.Quotas.MaxRunning, t.Quotas.MaxWarm, t.Quotas.MaxPools, t.Quotas.MaxInstancesPerPool, t.Quotas.MaxDiskGiB)
			fmt.Printf("pinned:       %v\n", t.Pinned)
			fmt.Printf("created_at:   %s\n", t.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func tenantDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <tenant_id>",
		Short: "Destroy a tenant's record (pools and instances must already be gone)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := openRoot()
			t, err := r.LoadTenant(args[0])
			if err != nil {
				return err
			}
			if t.Pinned {
				return usageErrf("tenant %s is pinned; cannot destroy without first unpinning", args[0])
			}
			pools, err := r.ListPools(args[0])
			if err != nil {
				return err
			}
			if len(pools) > 0 {
				return usageErrf("tenant %s still has %d pool(s); destroy those first", args[0], len(pools))
			}
			if err := r.DeleteTenant(args[0]); err != nil {
				return err
			}
			fmt.Printf("tenant %s destroyed\n", args[0])
			return nil
		},
	}
}

func tenantSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "secrets", Short: "Manage tenant secret material"}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <tenant_id> <key> <value>",
		Short: "Set one flat secret key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := openRoot()
			secrets, err := r.LoadTenantSecrets(args[0])
			if err != nil {
				return err
			}
			if secrets.Flat == nil {
				secrets.Flat = map[string]string{}
			}
			secrets.Flat[args[1]] = args[2]
			if err := r.SaveTenantSecrets(args[0], secrets); err != nil {
				return err
			}
			fmt.Printf("secret %s set for tenant %s\n", args[1], args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list <tenant_id>",
		Short: "List secret keys (never prints values)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secrets, err := openRoot().LoadTenantSecrets(args[0])
			if err != nil {
				return err
			}
			for k := range secrets.Flat {
				fmt.Println(k)
			}
			for integration, scoped := range secrets.Scoped {
				for k := range scoped {
					fmt.Printf("%s/%s\n", integration, k)
				}
			}
			return nil
		},
	})
	return cmd
}
