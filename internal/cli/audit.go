package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/and161185/fieldtrace/internal/audit"
)

var auditKind string

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditShowCmd)
	auditShowCmd.Flags().StringVar(&auditKind, "kind", "", "only events of this kind")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Security audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of the audit log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := auditPath(args)
		if err != nil {
			return err
		}
		res := audit.Verify(path)
		if !res.Valid {
			return fmt.Errorf("audit log %s: FAILED at line %d: %s", path, res.ErrorLine, res.Error)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", res.Lines)
		return nil
	},
}

var auditShowCmd = &cobra.Command{
	Use:   "show [path]",
	Short: "Print audit events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := auditPath(args)
		if err != nil {
			return err
		}
		events, err := audit.Read(path, auditKind)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	},
}

func auditPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.AuditPath(), nil
}
