package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fleetd/internal/lifecycle"
	"fleetd/internal/snapshot"
	"fleetd/internal/store"
)

func newLifecycleManager() *lifecycle.Manager {
	cfg := loadFleetdConfigForCLI()
	root := openRoot()
	keys := store.FileKeyProvider{Root: root}
	snapshots := snapshot.NewEngine(root, keys)
	return lifecycle.New(root, snapshots, keys, cfg.FirecrackerBin, cfg.CgroupRoot, cfg.Production)
}

type fleetdCLIConfig struct {
	FirecrackerBin string
	CgroupRoot     string
	Production     bool
}

func loadFleetdConfigForCLI() fleetdCLIConfig {
	return fleetdCLIConfig{
		FirecrackerBin: envOr("FIRECRACKER_BIN", "firecracker"),
		CgroupRoot:     envOr("CGROUP_ROOT", "/sys/fs/cgroup/fleetd"),
		Production:     envOr("PRODUCTION", "0") != "0",
	}
}

func instanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "instance", Short: "Manage instances (runs against local node state)"}
	cmd.AddCommand(
		instanceCreateCmd(), instanceListCmd(), instanceStartCmd(), instanceWarmCmd(),
		instanceSleepCmd(), instanceWakeCmd(), instanceStopCmd(), instanceSSHCmd(),
		instanceStatsCmd(), instanceLogsCmd(), instanceDestroyCmd(),
	)
	return cmd
}

func instanceCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <tenant_id> <pool_id>",
		Short: "Allocate a new instance record in Created state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := newLifecycleManager().Create(args[0], args[1], store.ActorManual)
			if err != nil {
				return err
			}
			fmt.Printf("instance %s created (status=%s)\n", inst.InstanceID, inst.Status)
			return nil
		},
	}
}

func instanceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <tenant_id> <pool_id>",
		Short: "List a pool's instances",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := openRoot()
			ids, err := r.ListInstances(args[0], args[1])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tSTATUS\tGUEST_IP\tUPDATED_AT")
			for _, id := range ids {
				inst, err := r.LoadInstance(args[0], args[1], id)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", inst.InstanceID, inst.Status, inst.Net.GuestIP, inst.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func instanceStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <tenant_id> <pool_id> <instance_id>",
		Short: "Start an instance from Created/Stopped toward Running",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			if err := newLifecycleManager().Start(ctx, args[0], args[1], args[2], store.ActorManual); err != nil {
				return err
			}
			fmt.Printf("instance %s started\n", args[2])
			return nil
		},
	}
}

func instanceWarmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warm <tenant_id> <pool_id> <instance_id>",
		Short: "Snapshot a running instance into Warm state",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newLifecycleManager().Warm(args[0], args[1], args[2], store.ActorManual); err != nil {
				return err
			}
			fmt.Printf("instance %s warmed\n", args[2])
			return nil
		},
	}
}

func instanceSleepCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sleep <tenant_id> <pool_id> <instance_id>",
		Short: "Drain and snapshot an instance into Sleeping state",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newLifecycleManager().Sleep(args[0], args[1], args[2], force, store.ActorManual); err != nil {
				return err
			}
			fmt.Printf("instance %s sleeping\n", args[2])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass the manual-override guard")
	return cmd
}

func instanceWakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wake <tenant_id> <pool_id> <instance_id>",
		Short: "Restore an instance from Warm/Sleeping into Running",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			if err := newLifecycleManager().Wake(ctx, args[0], args[1], args[2], store.ActorManual); err != nil {
				return err
			}
			fmt.Printf("instance %s woken\n", args[2])
			return nil
		},
	}
}

func instanceStopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop <tenant_id> <pool_id> <instance_id>",
		Short: "Stop a running or warm instance",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newLifecycleManager().Stop(args[0], args[1], args[2], force, store.ActorManual); err != nil {
				return err
			}
			fmt.Printf("instance %s stopped\n", args[2])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass the manual-override guard")
	return cmd
}

func instanceSSHCmd() *cobra.Command {
	var keyPath string
	cmd := &cobra.Command{
		Use:   "ssh <tenant_id> <pool_id> <instance_id>",
		Short: "Exec an interactive ssh session into a running instance's guest IP",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newLifecycleManager().SSH(args[0], args[1], args[2], keyPath)
		},
	}
	cmd.Flags().StringVar(&keyPath, "identity", "", "path to an ssh private key")
	return cmd
}

func instanceStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <tenant_id> <pool_id> <instance_id>",
		Short: "Print an instance's current runtime metrics",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := newLifecycleManager().Stats(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}

func instanceLogsCmd() *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs <tenant_id> <pool_id> <instance_id>",
		Short: "Print the instance's firecracker.log",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(openRoot().InstanceDir(args[0], args[1], args[2]), "firecracker.log")
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			lines := splitLines(string(data))
			if tail > 0 && len(lines) > tail {
				lines = lines[len(lines)-tail:]
			}
			for _, l := range lines {
				fmt.Println(l)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 0, "only print the last N lines (0 = all)")
	return cmd
}

func instanceDestroyCmd() *cobra.Command {
	var wipe bool
	cmd := &cobra.Command{
		Use:   "destroy <tenant_id> <pool_id> <instance_id>",
		Short: "Permanently remove an instance and its records",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newLifecycleManager().Destroy(args[0], args[1], args[2], wipe, store.ActorManual); err != nil {
				return err
			}
			fmt.Printf("instance %s destroyed (wipe_volumes=%v)\n", args[2], wipe)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wipe, "wipe-volumes", false, "also remove persisted snapshot and data-disk volumes")
	return cmd
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
