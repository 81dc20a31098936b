// Package cmd implements the usagesync CLI commands.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/theirongolddev/usagesync/internal/config"
	"github.com/theirongolddev/usagesync/internal/store"

	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagVerbose bool
	flagQuiet   bool
)

var rootCmd = &cobra.Command{
	Use:           "usagesync",
	Short:         "LLM provider usage ingestion",
	Long:          "Pull usage from provider admin APIs, price it, and store it idempotently.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		slog.SetDefault(newLogger(os.Stderr))
	},
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "  Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", config.Path(), "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Only log warnings and errors")
}

func newLogger(w *os.File) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case flagVerbose:
		level = slog.LevelDebug
	case flagQuiet:
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig is the shared config path used by all commands.
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadFile(flagConfig)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s:\n%w", flagConfig, err)
	}
	return cfg, nil
}

// openStore opens the configured storage engine.
func openStore(ctx context.Context, cfg config.Config) (store.Backend, error) {
	return store.Open(ctx, cfg.Storage.Driver, config.GetStorageDSN(cfg))
}
