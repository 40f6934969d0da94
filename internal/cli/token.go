package cli

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"

	"github.com/and161185/fieldtrace/internal/agent"
)

var provisionID string

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenProvisionCmd)
	tokenProvisionCmd.Flags().StringVar(&provisionID, "id", "", "identity to write (default: random)")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Labor token maintenance",
}

var tokenProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Write an identity to a blank token",
	Long:  "Writes the identity to the plaintext and verification blocks, the checksum block,\nand locks the protected sectors with the key derived from the master secret.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var id uuid.UUID
		if provisionID != "" {
			var err error
			if id, err = uuid.FromString(provisionID); err != nil {
				return fmt.Errorf("token id: %w", err)
			}
		}
		return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
			id, err := a.Provision(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "provisioned %s\n", id)
			return nil
		})
	},
}
