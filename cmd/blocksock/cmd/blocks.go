package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/blocksock/pkg/blocksock/blocks"
	"github.com/tsarna/blocksock/pkg/blocksock/config"
)

var blocksCmd = &cobra.Command{
	Use:   "blocks [config-files-or-directories...]",
	Short: "Print the block manifests of the loaded extensions",
	Long: `Print the manifest of every extension a project loads, in the order
they are registered. Without arguments the default extensions are shown.

Examples:
  blocksock blocks
  blocksock blocks --format yaml ./project/`,
	RunE: runBlocks,
}

var blocksFormat string

func init() {
	rootCmd.AddCommand(blocksCmd)

	blocksCmd.Flags().StringVarP(&blocksFormat, "format", "f", string(blocks.FormatJSON), "output format (json, yaml)")
}

func runBlocks(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithSources(stringSliceToAnySlice(args)...).
		Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Error(diags))
		return diags
	}

	return blocks.Encode(cmd.OutOrStdout(), blocks.Format(blocksFormat), cfg.Runtime.Manifests()...)
}
