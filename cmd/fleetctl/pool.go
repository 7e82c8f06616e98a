package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fleetd/internal/snapshot"
	"fleetd/internal/store"
)

func poolCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pool", Short: "Manage tenant pools"}
	cmd.AddCommand(poolCreateCmd(), poolListCmd(), poolInfoCmd(), poolBuildCmd(), poolScaleCmd(), poolDestroyCmd(), poolGCCmd(), poolRollbackCmd())
	return cmd
}

func poolCreateCmd() *cobra.Command {
	var role, profile, flakeRef, seccomp, compression string
	var vcpus, memMiB, dataDiskMiB int
	var pinned, critical bool

	cmd := &cobra.Command{
		Use:   "create <tenant_id> <pool_id>",
		Short: "Create a pool with zero desired instances",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := openRoot()
			if _, err := r.LoadTenant(args[0]); err != nil {
				return usageErrf("unknown tenant %s: %v", args[0], err)
			}
			p := &store.Pool{
				TenantID:            args[0],
				PoolID:              args[1],
				Role:                store.PoolRole(role),
				Profile:             profile,
				FlakeRef:            flakeRef,
				InstanceResources:   store.InstanceResources{VCPUs: uint8(vcpus), MemMiB: uint32(memMiB), DataDiskMiB: uint32(dataDiskMiB)},
				SeccompPolicy:       store.SeccompPolicy(seccomp),
				SnapshotCompression: store.SnapshotCompression(compression),
				RuntimePolicy:       store.DefaultRuntimePolicy(),
				Pinned:              pinned,
				Critical:            critical,
				CreatedAt:           time.Now().UTC(),
				UpdatedAt:           time.Now().UTC(),
			}
			if err := r.SavePool(p); err != nil {
				return err
			}
			fmt.Printf("pool %s/%s created (role=%s, desired_counts all zero)\n", args[0], args[1], role)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(store.RoleWorker), "gateway|builder|worker|capability")
	cmd.Flags().StringVar(&profile, "profile", "minimal", "guest image profile")
	cmd.Flags().StringVar(&flakeRef, "flake-ref", "", "flake reference building the pool's image")
	cmd.Flags().IntVar(&vcpus, "vcpus", 1, "vCPUs per instance")
	cmd.Flags().IntVar(&memMiB, "mem-mib", 512, "memory per instance (MiB)")
	cmd.Flags().IntVar(&dataDiskMiB, "data-disk-mib", 1024, "data disk size per instance (MiB)")
	cmd.Flags().StringVar(&seccomp, "seccomp", string(store.SeccompBaseline), "baseline|strict")
	cmd.Flags().StringVar(&compression, "snapshot-compression", string(store.CompressionNone), "none|lz4|zstd")
	cmd.Flags().BoolVar(&pinned, "pinned", false, "exempt from prune")
	cmd.Flags().BoolVar(&critical, "critical", false, "never scaled to zero during pressure")
	cmd.MarkFlagRequired("flake-ref")
	return cmd
}

func poolListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <tenant_id>",
		Short: "List a tenant's pools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := openRoot()
			ids, err := r.ListPools(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "POOL\tROLE\tRUNNING\tWARM\tSLEEPING\tREVISION")
			for _, id := range ids {
				p, err := r.LoadPool(args[0], id)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", p.PoolID, p.Role, p.DesiredCounts.Running, p.DesiredCounts.Warm, p.DesiredCounts.Sleeping, p.CurrentRevisionHash)
			}
			return w.Flush()
		},
	}
}

func poolInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <tenant_id> <pool_id>",
		Short: "Show one pool's full record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openRoot().LoadPool(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("pool_id:      %s\n", p.PoolID)
			fmt.Printf("role:         %s\n", p.Role)
			fmt.Printf("flake_ref:    %s\n", p.FlakeRef)
			fmt.Printf("resources:    vcpus=%d mem_mib=%d data_disk_mib=%d\n", p.InstanceResources.VCPUs, p.InstanceResources.MemMiB, p.InstanceResources.DataDiskMiB)
			fmt.Printf("desired:      running=%d warm=%d sleeping=%d\n", p.DesiredCounts.Running, p.DesiredCounts.Warm, p.DesiredCounts.Sleeping)
			fmt.Printf("revision:     %s\n", p.CurrentRevisionHash)
			fmt.Printf("pinned:       %v  critical: %v\n", p.Pinned, p.Critical)
			return nil
		},
	}
}

func poolBuildCmd() *cobra.Command {
	var flakeRef string
	cmd := &cobra.Command{
		Use:   "build <tenant_id> <pool_id>",
		Short: "Clear current_revision_hash so the next reconcile tick requests a fresh build",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := openRoot()
			p, err := r.LoadPool(args[0], args[1])
			if err != nil {
				return err
			}
			if flakeRef != "" {
				p.FlakeRef = flakeRef
			}
			p.CurrentRevisionHash = ""
			p.UpdatedAt = time.Now().UTC()
			if err := r.SavePool(p); err != nil {
				return err
			}
			fmt.Printf("pool %s/%s queued for build on next reconcile tick (flake_ref=%s)\n", args[0], args[1], p.FlakeRef)
			return nil
		},
	}
	cmd.Flags().StringVar(&flakeRef, "flake-ref", "", "replace the pool's flake reference before rebuilding")
	return cmd
}

func poolScaleCmd() *cobra.Command {
	var running, warm, sleeping int
	cmd := &cobra.Command{
		Use:   "scale <tenant_id> <pool_id>",
		Short: "Update desired_counts; the next reconcile tick converges toward it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := openRoot()
			p, err := r.LoadPool(args[0], args[1])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("running") {
				p.DesiredCounts.Running = uint32(running)
			}
			if cmd.Flags().Changed("warm") {
				p.DesiredCounts.Warm = uint32(warm)
			}
			if cmd.Flags().Changed("sleeping") {
				p.DesiredCounts.Sleeping = uint32(sleeping)
			}
			p.UpdatedAt = time.Now().UTC()
			if err := r.SavePool(p); err != nil {
				return err
			}
			fmt.Printf("pool %s/%s desired_counts now running=%d warm=%d sleeping=%d\n", args[0], args[1], p.DesiredCounts.Running, p.DesiredCounts.Warm, p.DesiredCounts.Sleeping)
			return nil
		},
	}
	cmd.Flags().IntVar(&running, "running", 0, "desired running count")
	cmd.Flags().IntVar(&warm, "warm", 0, "desired warm count")
	cmd.Flags().IntVar(&sleeping, "sleeping", 0, "desired sleeping count")
	return cmd
}

func poolDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <tenant_id> <pool_id>",
		Short: "Destroy a pool's record (instances must already be gone)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := openRoot()
			instanceIDs, err := r.ListInstances(args[0], args[1])
			if err != nil {
				return err
			}
			if len(instanceIDs) > 0 {
				return usageErrf("pool %s/%s still has %d instance(s); destroy those first", args[0], args[1], len(instanceIDs))
			}
			if err := r.DeletePool(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("pool %s/%s destroyed\n", args[0], args[1])
			return nil
		},
	}
}

func poolGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc <tenant_id> <pool_id>",
		Short: "Remove revision directories other than the pool's current one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := openRoot()
			p, err := r.LoadPool(args[0], args[1])
			if err != nil {
				return err
			}
			entries, err := os.ReadDir(r.RevisionsDir(args[0], args[1]))
			if os.IsNotExist(err) {
				fmt.Println("no revisions to collect")
				return nil
			}
			if err != nil {
				return err
			}
			removed := 0
			for _, e := range entries {
				if e.Name() == p.CurrentRevisionHash {
					continue
				}
				if err := os.RemoveAll(r.RevisionDir(args[0], args[1], e.Name())); err == nil {
					removed++
				}
			}
			fmt.Printf("removed %d stale revision(s), kept %s\n", removed, p.CurrentRevisionHash)
			return nil
		},
	}
}

func poolRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <tenant_id> <pool_id> <revision_hash>",
		Short: "Point current_revision_hash at a previously built revision",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := openRoot()
			p, err := r.LoadPool(args[0], args[1])
			if err != nil {
				return err
			}
			if _, err := os.Stat(r.RevisionDir(args[0], args[1], args[2])); err != nil {
				return usageErrf("revision %s not found for pool %s/%s", args[2], args[0], args[1])
			}
			p.CurrentRevisionHash = args[2]
			p.UpdatedAt = time.Now().UTC()
			if err := r.SavePool(p); err != nil {
				return err
			}
			if err := snapshot.NewEngine(r, nil).InvalidateBase(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("pool %s/%s rolled back to revision %s\n", args[0], args[1], args[2])
			return nil
		},
	}
}
