package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theirongolddev/usagesync/internal/cli"
	"github.com/theirongolddev/usagesync/internal/ingest"
	"github.com/theirongolddev/usagesync/internal/model"

	"github.com/spf13/cobra"
)

var (
	flagIngestSubjects []string
	flagIngestDays     int
	flagIngestSimulate bool
	flagIngestJSON     bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest usage for one or more subjects",
	Long:  "Fetch, price and store provider usage for the last N days. All configured subjects run when --subject is omitted.",
	RunE:  runIngest,
}

func init() {
	ingestCmd.Flags().StringSliceVarP(&flagIngestSubjects, "subject", "s", nil, "Subject to ingest (repeatable)")
	ingestCmd.Flags().IntVarP(&flagIngestDays, "days", "n", 0, "Days to ingest, ending today (default from config)")
	ingestCmd.Flags().BoolVar(&flagIngestSimulate, "simulate", false, "Store simulated usage when a key lacks usage permissions")
	ingestCmd.Flags().BoolVar(&flagIngestJSON, "json", false, "Print telemetry as JSON")
	rootCmd.AddCommand(ingestCmd)
}

type ingestReport struct {
	Runs  []model.Telemetry `json:"runs"`
	Total model.Telemetry   `json:"total"`
	Error string            `json:"error,omitempty"`
}

func runIngest(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagIngestSimulate {
		cfg.Ingest.SimulateOnPermissionFailure = true
	}
	days := cfg.Ingest.LookbackDays
	if flagIngestDays > 0 {
		days = flagIngestDays
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	eng, err := ingest.NewEngine(cfg, db, ingest.EngineOptions{Logger: slog.Default()})
	if err != nil {
		return err
	}

	window := model.LastDays(time.Now(), days)
	runs, runErr := eng.Batch.Run(ctx, flagIngestSubjects, window)
	total := ingest.Total(runs)

	if flagIngestJSON {
		report := ingestReport{Runs: runs, Total: total}
		if runErr != nil {
			report.Error = runErr.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		return runErr
	}

	if len(runs) == 0 && runErr == nil {
		fmt.Println("\n  No subjects configured. Add [[credentials]] to the config file.")
		return nil
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle(fmt.Sprintf("INGEST  %s to %s",
		window.Start.Format(time.DateOnly), window.End.Add(-time.Second).Format(time.DateOnly))))
	fmt.Println()
	fmt.Print(cli.RenderTelemetry(runs, total))
	fmt.Println()
	fmt.Print(cli.RenderIssues(total.Issues))
	if !total.StartedAt.IsZero() {
		elapsed := total.FinishedAt.Sub(total.StartedAt)
		fmt.Printf("\n  Finished in %s\n", cli.FormatDuration(int64(elapsed.Seconds())))
	}

	return runErr
}
