package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/blocksock/pkg/blocksock/config"
	"github.com/tsarna/blocksock/pkg/blocksock/otel"
)

var runCmd = &cobra.Command{
	Use:   "run [config-files-or-directories...]",
	Short: "Load a project and run its scripts",
	Long: `Load .bsk files from the given files or directories, start the
extensions and run scripts until interrupted.

Examples:
  blocksock run echo.bsk
  blocksock run ./project/
  blocksock run --otel base.bsk ./scripts/`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var useOtel bool

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&useOtel, "otel", false, "report metrics and traces through the global OpenTelemetry providers")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting blocksock", zap.Strings("config-paths", args))

	builder := config.NewConfig().
		WithLogger(logger).
		WithSources(stringSliceToAnySlice(args)...)

	if useOtel {
		provider := otel.NewProvider("blocksock", version)
		builder = builder.WithMetrics(provider).WithTracing(provider)
	}

	cfg, diags := builder.Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Error(diags))
		return diags
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cfg.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	logger.Info("Running (Press Ctrl+C to exit)")
	<-ctx.Done()

	logger.Info("Shutting down")
	if err := cfg.Stop(); err != nil {
		logger.Warn("Error during shutdown", zap.Error(err))
	}

	return nil
}

func stringSliceToAnySlice(strs []string) []any {
	anys := make([]any, len(strs))
	for i, s := range strs {
		anys[i] = s
	}
	return anys
}
