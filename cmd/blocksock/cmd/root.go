package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	verbose  bool
	debug    bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "blocksock",
	Short: "Block extension host for webhooks and websockets",
	Long: `blocksock hosts the webhooks and websockets block extensions outside
the browser. Scripts are attached to hat blocks in HCL (.bsk) files and
run whenever an extension fires the hat.`,
	SilenceUsage: true,
}

// Execute runs the root command. It is called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
}

func setupLogger() (*zap.Logger, error) {
	level := strings.ToLower(logLevel)
	if level == "warning" {
		level = "warn"
	}
	if debug || (verbose && level == "info") {
		level = "debug"
	}

	zapLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Development = debug

	return config.Build()
}
