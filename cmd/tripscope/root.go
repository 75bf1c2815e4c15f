package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360/tripscope/config"
	"github.com/c360/tripscope/workflow"
)

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Vehicle telemetry dashboard widget runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := flags.validate(); err != nil {
				return err
			}
			logger := setupLogger(cmd.ErrOrStderr(), flags.logLevel, flags.logFormat)
			slog.SetDefault(logger)
			return nil
		},
	}
	flags.register(cmd)

	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newValidateCmd(flags))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range paths {
		loader.AddLayer(p)
	}
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the widget runtime, gateway and metrics endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.configPaths)
			if err != nil {
				return err
			}
			return runApp(cmd.Context(), cfg, slog.Default(), flags)
		},
	}
}

func runApp(parent context.Context, cfg *config.Config, logger *slog.Logger, flags *rootFlags) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting tripscope",
		"version", Version,
		"build_time", BuildTime,
		"config_paths", flags.configPaths,
		"storage", cfg.Storage.Mode)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		_ = a.stop(flags.shutdownTimeout)
		return err
	}
	logger.Info("tripscope started", "widgets", len(a.engine.ListInstances()))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-a.errCh:
		logger.Error("Server failed", "error", runErr)
	}

	if err := a.stop(flags.shutdownTimeout); err != nil {
		logger.Error("Graceful shutdown failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	a.logTotals()
	logger.Info("tripscope shutdown complete")
	return runErr
}

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and workflow files, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.configPaths)
			if err != nil {
				return err
			}
			wfs, err := workflow.LoadFiles(cfg.Workflow.Files...)
			if err != nil {
				return fmt.Errorf("load workflows: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: storage=%s widgets=%d workflows=%d\n",
				cfg.Storage.Mode, len(cfg.Widgets), len(wfs))
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build %s)\n", appName, Version, BuildTime)
			return err
		},
	}
}
