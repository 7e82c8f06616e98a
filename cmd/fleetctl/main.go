// Command fleetctl is the operator CLI for the fleet control plane:
// tenant/pool/instance management against the local data root, plus
// agent-certs and coordinator-proxy helper subcommands. Spec §6.7
// names its subcommand tree explicitly enough to warrant a minimal
// implementation even though the CLI itself sits outside the core
// system.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fleetd/internal/store"
)

var dataRoot string

func main() {
	root := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Operate a fleetd node's tenants, pools, and instances",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dataRoot, "data-root", envOr("DATA_ROOT", "/var/lib/fleetd"), "node data root")

	root.AddCommand(
		tenantCmd(),
		poolCmd(),
		instanceCmd(),
		agentCmd(),
		coordinatorCmd(),
		netCmd(),
		nodeCmd(),
		eventsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to spec §6.7's closed exit-code set: 0
// success, 1 runtime error, 2 validation/usage.
func exitCodeFor(err error) int {
	if ue, ok := err.(usageError); ok {
		_ = ue
		return 2
	}
	return 1
}

// usageError marks an error as a validation/usage failure (exit 2)
// rather than a runtime failure (exit 1).
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

func usageErrf(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

func openRoot() *store.Root { return store.NewRoot(dataRoot) }

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
