package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"winrate-watch/internal/baseline"
	"winrate-watch/internal/driver"
	"winrate-watch/internal/metrics"
	"winrate-watch/internal/rules"
	"winrate-watch/internal/service"
)

// Show prints the committed baseline: run, drivers, cooldowns and recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	state, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if state.Empty() {
		fmt.Fprintln(a.Out, "no committed run found")
		return nil
	}

	fmt.Fprintf(a.Out, "Run %s committed %s\n", state.RunID, state.CommittedAt.UTC().Format(time.RFC3339))
	if state.DriversRunID != "" && state.DriversRunID != state.RunID {
		fmt.Fprintf(a.Out, "Drivers carried from run %s\n", state.DriversRunID)
	}

	a.printDrivers(state.Drivers, opts.Limit)

	now := time.Now().UTC()
	active := rules.NewLedger(state.Cooldowns).Active(now)
	fmt.Fprintln(a.Out)
	if len(active) == 0 {
		fmt.Fprintln(a.Out, "no active cooldowns")
	} else {
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Rule\tSubject\tQuiet until (UTC)")
		for _, c := range active {
			fmt.Fprintf(writer, "%s\t%s\t%s\n", c.RuleID, c.Subject, c.ExpiresAt.UTC().Format(time.RFC3339))
		}
		writer.Flush()
	}

	alerts := state.Alerts
	if log, ok := store.(baseline.AlertLog); ok {
		if alerts, err = log.ListRecentAlerts(ctx, opts.Limit); err != nil {
			return err
		}
	}
	fmt.Fprintln(a.Out)
	a.printAlerts(alerts, opts.Limit)
	return nil
}

func (a *App) printSummary(result *service.RunResult) {
	topN := a.Config.Output.TopN
	report := result.Report

	status := "committed"
	if !result.Committed {
		status = "not committed (dry run)"
	}
	fmt.Fprintf(a.Out, "Run %s, period %s, %s\n", result.RunID, result.Period, status)
	fmt.Fprintf(a.Out, "Rows %d, accepted %d, rejected %d, open %d\n",
		report.RowsIn, report.Accepted, report.Rejected, report.OpenDeals)

	current := metrics.ForPeriod(result.Metrics, result.Period)
	for _, r := range current {
		if r.Key.IsGlobal() && r.WinRate != nil {
			fmt.Fprintf(a.Out, "Overall win rate %.4f over %d closed deals\n", *r.WinRate, r.DealCount)
		}
	}

	fmt.Fprintln(a.Out)
	impact := topImpact(current, topN)
	if len(impact) == 0 {
		fmt.Fprintln(a.Out, "no segment under the overall win rate")
	} else {
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Grouping\tSegment\tDeals\tWin rate\tShare\tImpact\tTrend")
		for _, r := range impact {
			fmt.Fprintf(writer, "%s\t%s\t%d\t%s\t%.3f\t%.4f\t%s\n",
				r.Grouping, r.Key.Label(), r.DealCount, formatPercent(r.WinRate), r.VolumeShare, r.ImpactScore, formatSigned(r.TrendDelta))
		}
		writer.Flush()
	}

	gaps := metrics.RankByCycleGap(current)
	if len(gaps) > 0 {
		if topN > 0 && len(gaps) > topN {
			gaps = gaps[:topN]
		}
		fmt.Fprintln(a.Out)
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Grouping\tSegment\tCycle gap (days)")
		for _, r := range gaps {
			fmt.Fprintf(writer, "%s\t%s\t%.1f\n", r.Grouping, r.Key.Label(), *r.CycleOutcomeGap)
		}
		writer.Flush()
	}

	fmt.Fprintln(a.Out)
	if result.DriversStale {
		fmt.Fprintf(a.Out, "Driver model stale, showing results of run %s\n", result.DriversRunID)
	}
	a.printDrivers(result.Drivers, topN)

	fmt.Fprintln(a.Out)
	a.printAlerts(result.Alerts, 0)

	if len(result.Warnings) > 0 {
		fmt.Fprintln(a.Out)
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Warning\tSubject\tMessage")
		for _, w := range result.Warnings {
			fmt.Fprintf(writer, "%s\t%s\t%s\n", w.Class, w.Subject, sanitizeInline(w.Message))
		}
		writer.Flush()
	}
}

func (a *App) printDrivers(results []driver.Result, limit int) {
	if len(results) == 0 {
		fmt.Fprintln(a.Out, "no driver results")
		return
	}
	ranked := append([]driver.Result(nil), results...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Rank < ranked[j].Rank })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Rank\tFeature\tReference\tEffect\tDirection")
	for _, r := range ranked {
		feature := r.FeatureName
		if r.Unit != "" {
			feature += " (per " + r.Unit + ")"
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%+.4f\t%s\n", r.Rank, feature, r.ReferenceLevel, r.MarginalEffect, r.Direction)
	}
	writer.Flush()
}

func (a *App) printAlerts(alerts []rules.Alert, limit int) {
	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "no alerts")
		return
	}
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	writeAlertTable(a.Out, alerts)
}

func writeAlertTable(out io.Writer, alerts []rules.Alert) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Fired (UTC)\tRule\tSeverity\tSubject\tMetric\tObserved\tBaseline")
	for _, alert := range alerts {
		subject := alert.SegmentKey.Label()
		if alert.Feature != "" {
			subject = alert.Feature
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%.4f\t%.4f\n",
			alert.FiredAt.UTC().Format(time.RFC3339),
			alert.RuleID,
			alert.Severity,
			subject,
			alert.MetricName,
			alert.ObservedValue,
			alert.BaselineValue,
		)
	}
	writer.Flush()
}

func formatPercent(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", *v*100)
}

func formatSigned(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%+.4f", *v)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
