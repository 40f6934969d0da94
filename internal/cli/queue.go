package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"

	"github.com/and161185/fieldtrace/internal/agent"
	"github.com/and161185/fieldtrace/internal/model"
)

var queueStatus string

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueDrainCmd, queueRequeueCmd, queueAddCmd)
	queueListCmd.Flags().StringVar(&queueStatus, "status", "", "filter by status (pending, in_flight, failed)")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Offline action queue operations",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions in enqueue order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
			list, err := a.Queue.List(ctx, model.ActionStatus(queueStatus))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "Queue is empty.")
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-13s  %-9s  %-8s  %-8s  %s\n", "ID", "KIND", "STATUS", "ATTEMPTS", "NEXT", "LAST ERROR")
			for _, q := range list {
				next := "-"
				if q.Status == model.ActionPending {
					next = q.NextRetryAt.Local().Format("15:04:05")
				}
				fmt.Fprintf(out, "%-36s  %-13s  %-9s  %-8d  %-8s  %s\n", q.ID, q.Kind, q.Status, q.Attempts, next, truncate(q.LastError, 60))
			}
			return nil
		})
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Submit due actions now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
			rep, err := a.Queue.Drain(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, done %d (conflicts %d, discarded %d), retrying %d, failed %d\n",
				rep.Attempted, rep.Done, rep.Conflicts, rep.Discarded, rep.Retried, rep.Failed)
			return err
		})
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Return a failed action to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.FromString(args[0])
		if err != nil {
			return fmt.Errorf("action id: %w", err)
		}
		return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
			if err := a.Queue.Requeue(ctx, id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "requeued")
			return nil
		})
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <kind> <json>",
	Short: "Queue a generic action for the server of record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("payload is not valid JSON")
		}
		return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
			q, err := a.Queue.Enqueue(ctx, model.ActionKind(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s at %s\n", q.ID, q.EnqueuedAt.Local().Format(time.RFC3339))
			return nil
		})
	},
}
