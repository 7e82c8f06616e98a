package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fleetd/internal/controlplane"
)

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node", Short: "Query a node's control plane"}
	cmd.AddCommand(nodeInfoCmd(), nodeStatsCmd(), nodeDiskCmd(), nodeGCCmd())
	return cmd
}

func nodeInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <node_addr>",
		Short: "Print architecture, capacity, and attestation provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := sendControlPlane(cmd.Context(), args[0], controlplane.Request{Kind: controlplane.KindNodeInfo})
			if err != nil {
				return err
			}
			return printJSON(resp.NodeInfo)
		},
	}
}

func nodeStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <node_addr>",
		Short: "Print instance counts by status and memory/snapshot usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := sendControlPlane(cmd.Context(), args[0], controlplane.Request{Kind: controlplane.KindNodeStats})
			if err != nil {
				return err
			}
			return printJSON(resp.NodeStats)
		},
	}
}

func nodeDiskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disk <node_addr>",
		Short: "Print snapshot disk usage as reported by NodeStats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := sendControlPlane(cmd.Context(), args[0], controlplane.Request{Kind: controlplane.KindNodeStats})
			if err != nil {
				return err
			}
			if resp.NodeStats == nil {
				return usageErrf("node returned no stats")
			}
			fmt.Printf("snapshot_bytes: %d\n", resp.NodeStats.SnapshotBytes)
			fmt.Printf("mem_used_bytes: %d\n", resp.NodeStats.MemUsedBytes)
			return nil
		},
	}
}

func nodeGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc <tenant_id> <pool_id>",
		Short: "Remove revision directories other than the pool's current one (local node, alias of pool gc)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return poolGCCmd().RunE(cmd, args)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
