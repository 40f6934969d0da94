package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/and161185/fieldtrace/internal/agent"
	"github.com/and161185/fieldtrace/internal/scan"
)

var scanWatch bool

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolVar(&scanWatch, "watch", false, "keep validating taps until interrupted")
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Validate a presented token",
	Long:  "Waits for a tap and runs the full offline validation: plaintext read, derived-key\nverification and whitelist lookup. Exits 2 when the token is not authorized and 3\nwhen a clone is suspected.",
	Args:  cobra.NoArgs,
	RunE:  runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
		out := cmd.OutOrStdout()
		for {
			res, ok := <-a.Scanner.Scan(ctx)
			if !ok {
				return ctx.Err()
			}
			printResult(out, res)
			if !scanWatch {
				return res.AsError()
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	})
}

func printResult(out io.Writer, res scan.Result) {
	switch res.Outcome {
	case scan.Valid:
		loc := "-"
		if res.Entry.Location != nil {
			loc = res.Entry.Location.Name
		}
		fmt.Fprintf(out, "%-20s token=%s uid=%s location=%s\n", res.Outcome, res.Subject(), hex.EncodeToString(res.Readout.UID), loc)
	default:
		fmt.Fprintf(out, "%-20s token=%s uid=%s reason=%q retryable=%t\n", res.Outcome, res.Subject(),
			hex.EncodeToString(res.Readout.UID), res.Reason, res.Outcome.Retryable())
	}
}
