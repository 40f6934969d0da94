package cli

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/and161185/fieldtrace/internal/reader/simradio"
)

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.AddCommand(simPresentCmd, simRemoveCmd, simCloneCmd)
}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Manipulate the simulated reader field",
	Long:  "With reader.driver=sim the field is the card image file; these commands put\ntokens into it and take them out.",
}

var simPresentCmd = &cobra.Command{
	Use:   "present <uid-hex>",
	Short: "Put a blank factory token into the field",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := parseUID(args[0])
		if err != nil {
			return err
		}
		path, err := cardImage()
		if err != nil {
			return err
		}
		if err := simradio.SaveImage(path, simradio.NewBlankCard(uid)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "blank token %s in field\n", args[0])
		return nil
	},
}

var simRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Take the token out of the field",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := cardImage()
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "field empty")
		return nil
	},
}

var simCloneCmd = &cobra.Command{
	Use:   "clone <uid-hex>",
	Short: "Replace the token in the field with a copy made without the derived key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := parseUID(args[0])
		if err != nil {
			return err
		}
		path, err := cardImage()
		if err != nil {
			return err
		}
		c, err := simradio.LoadImage(path)
		if err != nil {
			return fmt.Errorf("no token in field: %w", err)
		}
		if err := simradio.SaveImage(path, c.CopyReadable(uid)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cloned token %s in field\n", args[0])
		return nil
	},
}

func parseUID(s string) ([]byte, error) {
	uid, err := hex.DecodeString(s)
	if err != nil || (len(uid) != 4 && len(uid) != 7) {
		return nil, fmt.Errorf("uid %q: want 4 or 7 hex bytes", s)
	}
	return uid, nil
}

func cardImage() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Reader.Driver != "sim" {
		return "", fmt.Errorf("reader.driver is %q, not sim", cfg.Reader.Driver)
	}
	return cfg.Reader.CardImage, nil
}
