// Package cli implements the ft device commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/fieldtrace/internal/agent"
	"github.com/and161185/fieldtrace/internal/config"
	"github.com/and161185/fieldtrace/internal/errs"
)

// Build metadata, set by cmd/ft.
var (
	Version   = "dev"
	BuildDate = "unknown"
)

var (
	cfgPath  string
	logLevel string
)

// Exit codes beyond 1.
const (
	exitRejected = 2 // tap did not validate
	exitSecurity = 3 // clone suspected
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:           "ft",
	Short:         "Field traceability device agent",
	Long:          "Validates labor tokens offline, times scan-pair sessions and delivers records\nto the server of record through a durable offline queue.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with a signal-bound context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ft: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errs.ErrCloneSuspected):
		return exitSecurity
	case errors.Is(err, errs.ErrNotAuthorized), errors.Is(err, errs.ErrAuthentication),
		errors.Is(err, errs.ErrTransport), errors.Is(err, errs.ErrNoMasterSecret):
		return exitRejected
	default:
		return 1
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc.Level = lvl
	return zc.Build()
}

// withAgent opens the device agent for one command.
func withAgent(cmd *cobra.Command, fn func(ctx context.Context, a *agent.Agent) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	path := cfgPath
	if path == "" {
		path = config.DefaultPath()
	}
	a, err := agent.Open(cmd.Context(), cfg, agent.Options{Logger: logger, ConfigPath: path})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}
