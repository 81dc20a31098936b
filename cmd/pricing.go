package cmd

import (
	"fmt"
	"sort"

	"github.com/theirongolddev/usagesync/internal/cli"
	"github.com/theirongolddev/usagesync/internal/config"
	"github.com/theirongolddev/usagesync/internal/normalize"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var pricingCmd = &cobra.Command{
	Use:   "pricing [model...]",
	Short: "Show how models are priced",
	Long:  "With no arguments, list the built-in pricing table. With model names, show which price each resolves to after overrides.",
	RunE:  runPricing,
}

func init() {
	rootCmd.AddCommand(pricingCmd)
}

func runPricing(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if len(args) == 0 {
		names := lo.Keys(config.DefaultPricing)
		sort.Strings(names)
		rows := make([][]string, 0, len(names))
		for _, name := range names {
			p := config.DefaultPricing[name]
			rows = append(rows, []string{name, perMillion(p.InputPer1K), perMillion(p.OutputPer1K)})
		}

		fmt.Println()
		fmt.Println(cli.RenderTitle("BUILT-IN PRICING  USD per 1M tokens"))
		fmt.Println()
		fmt.Print(cli.RenderTable(cli.Table{
			Headers: []string{"Model", "Input", "Output"},
			Rows:    rows,
		}))
		if n := len(cfg.Pricing.Overrides); n > 0 {
			fmt.Printf("  %d override(s) in %s\n", n, flagConfig)
		}
		return nil
	}

	est := normalize.NewEstimator(cfg.Pricing, nil, nil)
	rows := make([][]string, 0, len(args))
	for _, arg := range args {
		name := normalize.ModelName(arg)
		r := est.Resolve(name)
		source := string(r.Source)
		if r.Fallback {
			source += " (fallback)"
		}
		rows = append(rows, []string{
			arg,
			name,
			r.Key,
			source,
			perMillion(r.Pricing.InputPer1K),
			perMillion(r.Pricing.OutputPer1K),
		})
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("PRICE RESOLUTION  USD per 1M tokens"))
	fmt.Println()
	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Model", "Normalized", "Key", "Source", "Input", "Output"},
		Rows:    rows,
	}))
	return nil
}

func perMillion(per1K float64) string {
	return fmt.Sprintf("$%.2f", per1K*1000)
}
