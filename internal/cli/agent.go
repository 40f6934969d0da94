package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/and161185/fieldtrace/internal/agent"
)

func init() {
	rootCmd.AddCommand(agentCmd)
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the background loop",
	Long:  "Probes the server of record, drains the offline queue and syncs the whitelist on\nreconnect, and reloads the config and master secret files when they change.\nRuns until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
			return a.Run(ctx)
		})
	},
}
