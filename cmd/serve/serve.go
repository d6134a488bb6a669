// Package serve implements the "simmanager serve" subcommand: it loads
// configuration, starts the daemon, and blocks until an interrupt
// signal or a fatal component error.
package serve

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/simfleet/manager/internal/config"
	"github.com/simfleet/manager/internal/daemon"
	"github.com/simfleet/manager/internal/logging"
)

// NewCommand returns the "serve" subcommand.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the simulation manager daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	logManager := logging.NewManager()
	logger := logManager.Logger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.LogFile != "" {
		level := logging.ParseLevelOrDefault(cfg.LogLevel)
		if err := logManager.Upgrade(cfg.LogFile, level); err != nil {
			slog.Warn("failed to upgrade logging to full mode", "error", err)
		}
	}
	defer logManager.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return err
	}

	if err := d.Start(ctx); err != nil {
		return err
	}

	return d.Run(ctx)
}
