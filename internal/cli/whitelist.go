package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/and161185/fieldtrace/internal/agent"
)

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(whitelistCmd)
	whitelistCmd.AddCommand(whitelistListCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull the whitelist from the server of record",
	Long:  "Replaces the local whitelist snapshot atomically. On failure the cached snapshot is kept.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
			n, err := a.Whitelist.Sync(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d entries for scope %s\n", n, a.Whitelist.Scope())
			return nil
		})
	},
}

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Inspect the local whitelist",
}

var whitelistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached whitelist entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
			snap, err := a.Whitelist.Snapshot(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			synced := "never"
			if !snap.LastSyncedAt.IsZero() {
				synced = snap.LastSyncedAt.Local().Format(time.RFC3339)
			}
			fmt.Fprintf(out, "scope %s, %d entries, last synced %s\n", snap.Scope, len(snap.Entries), synced)
			if len(snap.Entries) == 0 {
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-13s  %-20s  %s\n", "TOKEN", "STATUS", "LOCATION", "ACTIVATED")
			for _, e := range snap.Entries {
				loc := "-"
				if e.Location != nil {
					loc = truncate(e.Location.Name, 20)
				}
				fmt.Fprintf(out, "%-36s  %-13s  %-20s  %s\n", e.Token, e.Status, loc, e.ActivatedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		})
	},
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
