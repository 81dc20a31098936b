package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/theirongolddev/usagesync/internal/model"
)

// RenderTelemetry renders per-subject run counters with a totals row when
// more than one subject ran.
func RenderTelemetry(runs []model.Telemetry, total model.Telemetry) string {
	rows := make([][]string, 0, len(runs)+2)
	for _, t := range runs {
		rows = append(rows, telemetryRow(t.Subject, t))
	}
	if len(runs) > 1 {
		rows = append(rows, []string{"---"}, telemetryRow("Total", total))
	}

	return RenderTable(Table{
		Headers: []string{"Subject", "Keys", "Failed", "Simulated", "Stored", "Updated", "Skipped", "Issues"},
		Rows:    rows,
	})
}

func telemetryRow(label string, t model.Telemetry) []string {
	return []string{
		label,
		FormatNumber(int64(t.ProcessedKeys)),
		FormatNumber(int64(t.FailedKeys)),
		FormatNumber(int64(t.SimulatedKeys)),
		FormatNumber(int64(t.StoredEvents)),
		FormatNumber(int64(t.UpdatedEvents)),
		FormatNumber(int64(t.SkippedEvents)),
		FormatNumber(int64(len(t.Issues))),
	}
}

// RenderIssues lists run issues, one per line, colored by severity.
func RenderIssues(issues []model.Issue) string {
	if len(issues) == 0 {
		return "  " + okStyle.Render("No issues") + "\n"
	}

	var b strings.Builder
	for _, is := range issues {
		style := errStyle
		switch is.Code {
		case model.CodePricingFallback, model.CodeAuthorization:
			style = warnStyle
		}
		code := is.Code
		if is.Status != 0 {
			code = fmt.Sprintf("%s %d", code, is.Status)
		}
		fmt.Fprintf(&b, "  %s %s %s\n",
			style.Render(fmt.Sprintf("%-24s", code)),
			mutedStyle.Render(is.CredentialRef),
			valueStyle.Render(is.Message),
		)
	}
	return b.String()
}

// RenderEvents renders stored usage events, newest first as given.
func RenderEvents(events []model.UsageEvent) string {
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		cost := FormatCost(ev.CostEstimate)
		if ev.PricingIsFallback {
			cost += "*"
		}
		rows = append(rows, []string{
			ev.WindowStart.UTC().Format(time.DateOnly),
			ev.CredentialRef,
			ev.Model,
			FormatTokens(ev.TokensIn),
			FormatTokens(ev.TokensOut),
			cost,
		})
	}

	return RenderTable(Table{
		Headers: []string{"Day", "Credential", "Model", "Input", "Output", "Cost"},
		Rows:    rows,
	})
}
