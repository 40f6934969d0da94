package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/and161185/fieldtrace/internal/agent"
)

var (
	loginDevice   string
	loginPassword string
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	loginCmd.Flags().StringVar(&loginDevice, "device", "", "device name (default device.name from config)")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "device password (default $FT_DEVICE_PASSWORD)")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate the device and pull the master secret",
	Long:  "Exchanges device credentials for an access token and the scope's master secret,\nboth stored sealed under the device passphrase.",
	Args:  cobra.NoArgs,
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Wipe all device state",
	Long:  "Clears the whitelist, scope marker, queued actions, open sessions and sealed credentials.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
			if err := a.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		})
	},
}

func runLogin(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
		device := loginDevice
		if device == "" {
			device = a.Config.Device.Name
		}
		password := loginPassword
		if password == "" {
			password = os.Getenv("FT_DEVICE_PASSWORD")
		}
		if device == "" || password == "" {
			return errors.New("device and password are required")
		}
		tk, err := a.Login(ctx, device, password)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s, scope %s, token valid until %s, secret %s\n",
			device, tk.Scope, tk.ExpiresAt.Local().Format(time.RFC3339), a.Secret.Fingerprint())
		return nil
	})
}
