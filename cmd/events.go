package cmd

import (
	"context"
	"fmt"

	"github.com/theirongolddev/usagesync/internal/cli"

	"github.com/spf13/cobra"
)

var flagEventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List the most recent stored usage events",
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().IntVarP(&flagEventsLimit, "limit", "l", 20, "Number of events to show")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	events, err := db.Recent(ctx, flagEventsLimit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("\n  No usage events stored yet. Run `usagesync ingest`.")
		return nil
	}
	total, err := db.Count(ctx)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle(fmt.Sprintf("USAGE EVENTS  %d of %s", len(events), cli.FormatNumber(int64(total)))))
	fmt.Println()
	fmt.Print(cli.RenderEvents(events))
	fmt.Println("  * estimated with fallback pricing")
	return nil
}
