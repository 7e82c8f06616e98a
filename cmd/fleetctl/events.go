package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func eventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events <tenant_id>",
		Short: "Print a tenant's recent audit log entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := openRoot().ReadAudit(args[0], n)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tACTOR\tACTION\tPOOL\tINSTANCE\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02T15:04:05Z"), e.Actor, e.Action, e.PoolID, e.InstanceID, e.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of entries to print, most recent")
	return cmd
}
