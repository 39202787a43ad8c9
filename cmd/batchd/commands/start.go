package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shizukutanaka/batchd/internal/app"
	"github.com/shizukutanaka/batchd/internal/config"
	"github.com/shizukutanaka/batchd/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the batching daemon",
	Long: `Start the batching daemon against the simulated environment.

Examples:
  # Start with built-in defaults
  batchd start

  # Start with a config file, logging JSON to a rotated file
  batchd start --config config.yaml --log-file batchd.log

  # Plan and log batches without dispatching anything
  batchd start --dry-run`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("log-file", "", "Log file path (JSON, rotated)")
	startCmd.Flags().String("log-level", "", "Override logging.level")
	startCmd.Flags().Bool("dry-run", false, "Log stages instead of dispatching them")
}

func runStart(cmd *cobra.Command, args []string) error {
	logFile, _ := cmd.Flags().GetString("log-file")
	logLevel, _ := cmd.Flags().GetString("log-level")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logFile != "" {
		cfg.Logging.OutputPath = logFile
		cfg.Logging.Encoding = "json"
		cfg.Logging.Development = false
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if dryRun {
		cfg.Batcher.DryRun = true
	}

	factory, err := logging.NewLoggerFactory(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer factory.Sync()
	logger := factory.Root()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Loaded configuration",
		zap.String("version", Version),
		zap.String("config", cfgFile),
	)

	application, err := app.New(ctx, logger, cfg, Version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}
	if addr := application.APIAddr(); addr != "" {
		logger.Info("Status API listening", zap.String("addr", addr))
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case <-application.Done():
		runErr = application.Err()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown gracefully", zap.Error(err))
		return err
	}
	return runErr
}
