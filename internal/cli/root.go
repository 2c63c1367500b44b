package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/careloop/careloop/internal/app"
	"github.com/careloop/careloop/internal/config"
	"github.com/careloop/careloop/internal/memory"
	"github.com/careloop/careloop/internal/scheduler"
)

const version = "0.1.0"

func NewRoot(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "careloop",
		Short: "Careloop is a Slack event pipeline with two-stage reply routing",
	}

	root.AddCommand(newServeCommand(logger))
	root.AddCommand(newCompactCommand(logger))
	root.AddCommand(newVersionCommand())

	return root
}

func newServeCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run webhook gateway and orchestrator services",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			runtime, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer runtime.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runtime.Run(ctx)
		},
	}
}

func newCompactCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Fold aged conversation summaries once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			store, err := memory.NewSQLite(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := store.AutoMigrate(ctx); err != nil {
				return err
			}

			service := scheduler.New(
				cfg.MemoryCompactionCronSpec,
				time.Duration(cfg.MemoryCompactionMaxAge)*24*time.Hour,
				store,
				logger,
			)
			service.RunOnce(ctx)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}
