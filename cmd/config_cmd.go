package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/theirongolddev/usagesync/internal/config"
	"github.com/theirongolddev/usagesync/internal/model"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	RunE:  runConfig,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  runConfigInit,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfig(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(flagConfig)
	if err != nil {
		return err
	}

	fmt.Printf("  Config file: %s\n", flagConfig)
	if config.Exists(flagConfig) {
		fmt.Println("  Status: loaded")
	} else {
		fmt.Println("  Status: using defaults (no config file)")
	}
	fmt.Println()

	fmt.Println("  [Admin API]")
	fmt.Printf("    Base URL:        %s\n", cfg.AdminAPI.BaseURL)
	fmt.Printf("    Completions:     %s\n", cfg.AdminAPI.CompletionsPath)
	fmt.Printf("    Standard:        %s\n", cfg.AdminAPI.StandardPath)
	fmt.Printf("    Request timeout: %s\n", cfg.AdminAPI.RequestTimeout.Duration)
	fmt.Printf("    Page limit:      %d (max %d pages)\n", cfg.AdminAPI.PageLimit, cfg.AdminAPI.MaxPages)
	fmt.Println()

	fmt.Println("  [Rate limit]")
	fmt.Printf("    %.0f req/min, burst %d, wait up to %s\n",
		cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, cfg.RateLimit.AcquireTimeout.Duration)
	fmt.Println()

	fmt.Println("  [Transport]")
	fmt.Printf("    Attempts: %d, base delay %s, jitter %s, Retry-After %v\n",
		cfg.Transport.MaxAttempts, cfg.Transport.BaseDelay.Duration,
		cfg.Transport.MaxJitter.Duration, cfg.Transport.RespectRetryAfter)
	fmt.Println()

	fmt.Println("  [Ingest]")
	fmt.Printf("    Lookback days:   %d\n", cfg.Ingest.LookbackDays)
	fmt.Printf("    Simulate on 401: %v\n", cfg.Ingest.SimulateOnPermissionFailure)
	fmt.Printf("    Chunks:          %d subjects, %d concurrent, %s pause\n",
		cfg.Ingest.ChunkSize, cfg.Ingest.Concurrency, cfg.Ingest.ChunkPause.Duration)
	fmt.Println()

	fmt.Println("  [Storage]")
	fmt.Printf("    Driver: %s\n", cfg.Storage.Driver)
	if dsn := config.GetStorageDSN(cfg); dsn != "" {
		if cfg.Storage.Driver == config.DriverPostgres {
			dsn = model.MaskSecret(dsn)
		}
		fmt.Printf("    DSN:    %s\n", dsn)
	}
	fmt.Println()

	fmt.Println("  [Daemon]")
	fmt.Printf("    Listen %s every %s\n", cfg.Daemon.Addr, cfg.Daemon.Interval.Duration)
	fmt.Println()

	fmt.Printf("  [Credentials] %d configured\n", len(cfg.Credentials))
	for _, c := range cfg.Credentials {
		secret := config.GetSecret(c)
		masked := "not set"
		if secret != "" {
			masked = model.MaskSecret(secret)
		}
		mode := c.UsageMode
		if mode == "" {
			mode = string(model.ModeStandard)
		}
		fmt.Printf("    %-12s %-16s %-8s %s\n", c.Subject, c.Ref, mode, masked)
	}
	if n := len(cfg.Pricing.Overrides); n > 0 {
		fmt.Println()
		fmt.Printf("  [Pricing] %d override(s); see `usagesync pricing`\n", n)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Println()
		fmt.Println("  Problems:")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("    - %s\n", line)
		}
	}
	return nil
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	if config.Exists(flagConfig) {
		return errors.New("config file already exists: " + flagConfig)
	}
	if err := config.Save(config.DefaultConfig(), flagConfig); err != nil {
		return err
	}
	fmt.Printf("  Wrote %s\n", flagConfig)
	return nil
}
