package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"

	"github.com/and161185/fieldtrace/internal/agent"
	"github.com/and161185/fieldtrace/internal/session"
)

var (
	endResult     string
	endResultFile string
)

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(endCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(sessionsCmd)
	endCmd.Flags().StringVar(&endResult, "result", "", "result payload (JSON)")
	endCmd.Flags().StringVar(&endResultFile, "result-file", "", "read the result payload from a file")
}

var startCmd = &cobra.Command{
	Use:   "start [work-ref]",
	Short: "Start a timed session with a token tap",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ref string
		if len(args) == 1 {
			ref = args[0]
		}
		return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
			s, err := a.Sessions.Start(ctx, ref)
			if s != nil {
				note := ""
				if s.StartQueued {
					note = " (start record queued)"
				}
				at := "-"
				if s.StartedAt != nil {
					at = s.StartedAt.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %s started for %s at %s%s\n",
					s.ID, s.Subject, at, note)
			}
			return err
		})
	},
}

var endCmd = &cobra.Command{
	Use:   "end",
	Short: "End the tapping subject's session",
	Long:  "Waits for the second tap of the same token and submits the timing record.\nA record the server cannot take now is queued; one rejected by the timing\npolicy is discarded and audited.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := resultPayload()
		if err != nil {
			return err
		}
		return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
			rep, err := a.Sessions.End(ctx, payload)
			if err != nil {
				return err
			}
			d := rep.EndedAt.Sub(*rep.Session.StartedAt).Round(time.Second)
			fmt.Fprintf(cmd.OutOrStdout(), "session %s completed after %s: %s", rep.Session.ID, d, rep.Delivery)
			if rep.Delivery == session.Queued {
				fmt.Fprintf(cmd.OutOrStdout(), " as action %s", rep.QueuedID)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <token>",
	Short: "Drop a subject's open session without a second tap",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, err := uuid.FromString(args[0])
		if err != nil {
			return fmt.Errorf("token id: %w", err)
		}
		return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
			if err := a.Sessions.Cancel(ctx, subject); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
			return nil
		})
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List open sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
			list, err := a.Sessions.Active(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No open sessions.")
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-36s  %-12s  %-16s  %s\n", "SESSION", "SUBJECT", "STATE", "WORK", "STARTED")
			for _, s := range list {
				started := "-"
				if s.StartedAt != nil {
					started = s.StartedAt.Local().Format("15:04:05")
				}
				fmt.Fprintf(out, "%-36s  %-36s  %-12s  %-16s  %s\n", s.ID, s.Subject, s.State, truncate(s.WorkRef, 16), started)
			}
			return nil
		})
	},
}

func resultPayload() (json.RawMessage, error) {
	switch {
	case endResult != "" && endResultFile != "":
		return nil, fmt.Errorf("--result and --result-file are exclusive")
	case endResultFile != "":
		b, err := os.ReadFile(endResultFile)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(b), nil
	case endResult != "":
		return json.RawMessage(endResult), nil
	}
	return nil, nil
}
