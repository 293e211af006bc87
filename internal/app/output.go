package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"winrate-watch/internal/driver"
	"winrate-watch/internal/metrics"
	"winrate-watch/internal/rules"
	"winrate-watch/internal/service"
)

// Output file names.
const (
	MetricsFile   = "metrics.csv"
	DriversFile   = "drivers.csv"
	AlertsFile    = "alerts.csv"
	WarningsFile  = "warnings.csv"
	DriversChart  = "drivers.png"
	TrendChart    = "win_rate_trend.png"
	maxChartBars  = 15
	maxTrendLines = 3
)

var errNothingToChart = errors.New("nothing to chart")

// OutputWriter writes the tables of a run into Dir. Tables are rendered into
// a staging dir next to Dir and each file is renamed into place on Publish,
// so a reader never sees a half-written table or the tables of an
// uncommitted run.
type OutputWriter struct {
	Dir    string
	Chart  bool
	Logger zerolog.Logger
}

// Write stages the tables of result and publishes them straight away.
func (w *OutputWriter) Write(ctx context.Context, result *service.RunResult) error {
	staged, err := w.Stage(ctx, result)
	if err != nil {
		return err
	}
	return staged.Publish()
}

// Stage implements service.Sink.
func (w *OutputWriter) Stage(ctx context.Context, result *service.RunResult) (service.Staged, error) {
	parent := filepath.Dir(filepath.Clean(w.Dir))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(filepath.Clean(w.Dir))+".staging-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	staged := &stagedOutput{dir: tmp, dest: w.Dir, runID: result.RunID, logger: w.Logger}
	if err := w.render(ctx, tmp, result, staged); err != nil {
		staged.Discard()
		return nil, err
	}
	return staged, nil
}

func (w *OutputWriter) render(ctx context.Context, dir string, result *service.RunResult, staged *stagedOutput) error {
	tables := []struct {
		name  string
		write func(*csv.Writer) error
	}{
		{MetricsFile, func(cw *csv.Writer) error { return writeMetricsCSV(cw, result.Metrics) }},
		{DriversFile, func(cw *csv.Writer) error {
			return writeDriversCSV(cw, result.Drivers, result.DriversStale, result.DriversRunID)
		}},
		{AlertsFile, func(cw *csv.Writer) error { return writeAlertsCSV(cw, result.Alerts) }},
		{WarningsFile, func(cw *csv.Writer) error { return writeWarningsCSV(cw, result.Warnings) }},
	}

	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(dir, table.name)
		err := writeFileAtomic(path, func(out io.Writer) error {
			cw := csv.NewWriter(out)
			if err := table.write(cw); err != nil {
				return err
			}
			cw.Flush()
			return cw.Error()
		})
		if err != nil {
			return fmt.Errorf("write %s: %w", table.name, err)
		}
		staged.files = append(staged.files, table.name)
	}

	if w.Chart {
		if w.renderChart(dir, DriversChart, func(out io.Writer) error {
			return renderDriverChart(out, result.Drivers, result.DriversStale)
		}) {
			staged.files = append(staged.files, DriversChart)
		}
		if w.renderChart(dir, TrendChart, func(out io.Writer) error {
			return renderTrendChart(out, result.Metrics)
		}) {
			staged.files = append(staged.files, TrendChart)
		}
	}

	w.Logger.Debug().Str("dir", dir).Str("run_id", result.RunID).Msg("outputs staged")
	return nil
}

// renderChart never fails the run; charts are a convenience view of the CSVs.
func (w *OutputWriter) renderChart(dir, name string, render func(io.Writer) error) bool {
	err := writeFileAtomic(filepath.Join(dir, name), render)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errNothingToChart):
		w.Logger.Debug().Str("chart", name).Msg("chart skipped, no data")
	default:
		w.Logger.Warn().Err(err).Str("chart", name).Msg("failed to render chart")
	}
	return false
}

type stagedOutput struct {
	dir    string
	dest   string
	runID  string
	files  []string
	logger zerolog.Logger
}

// Publish moves every staged file into the output dir. Each rename is atomic;
// a file that was not staged keeps whatever an earlier run left there.
func (s *stagedOutput) Publish() error {
	defer os.RemoveAll(s.dir)
	if err := os.MkdirAll(s.dest, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for _, name := range s.files {
		if err := os.Rename(filepath.Join(s.dir, name), filepath.Join(s.dest, name)); err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
	}
	s.logger.Debug().Str("dir", s.dest).Str("run_id", s.runID).Msg("outputs written")
	return nil
}

func (s *stagedOutput) Discard() {
	if err := os.RemoveAll(s.dir); err != nil {
		s.logger.Warn().Err(err).Str("dir", s.dir).Msg("failed to remove staged outputs")
	}
}

func writeMetricsCSV(cw *csv.Writer, records []metrics.Record) error {
	header := []string{"grouping", "segment_key", "period", "deal_count", "win_count", "win_rate",
		"volume_share", "segment_impact_score", "cycle_outcome_gap", "trend_delta", "impact_rank"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range records {
		record := []string{
			r.Grouping,
			r.Key.String(),
			string(r.Period),
			strconv.Itoa(r.DealCount),
			strconv.Itoa(r.WinCount),
			formatNullable(r.WinRate),
			formatFloat(r.VolumeShare),
			formatFloat(r.ImpactScore),
			formatNullable(r.CycleOutcomeGap),
			formatNullable(r.TrendDelta),
			strconv.Itoa(r.ImpactRank),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func writeDriversCSV(cw *csv.Writer, results []driver.Result, stale bool, sourceRun string) error {
	header := []string{"rank", "feature_name", "reference_level", "unit", "coefficient",
		"marginal_effect", "direction", "stale", "source_run_id"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range results {
		record := []string{
			strconv.Itoa(r.Rank),
			r.FeatureName,
			r.ReferenceLevel,
			r.Unit,
			formatFloat(r.Coefficient),
			formatFloat(r.MarginalEffect),
			string(r.Direction),
			strconv.FormatBool(stale),
			sourceRun,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func writeAlertsCSV(cw *csv.Writer, alerts []rules.Alert) error {
	header := []string{"run_id", "rule_id", "segment_key", "feature", "metric_name", "observed_value",
		"baseline_value", "severity", "fired_at", "cooldown_expires_at"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, a := range alerts {
		record := []string{
			a.RunID,
			a.RuleID,
			a.SegmentKey.String(),
			a.Feature,
			a.MetricName,
			formatFloat(a.ObservedValue),
			formatFloat(a.BaselineValue),
			string(a.Severity),
			a.FiredAt.UTC().Format(time.RFC3339),
			a.CooldownExpiresAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func writeWarningsCSV(cw *csv.Writer, warnings []service.Warning) error {
	if err := cw.Write([]string{"class", "subject", "message"}); err != nil {
		return err
	}
	for _, w := range warnings {
		if err := cw.Write([]string{string(w.Class), w.Subject, sanitizeInline(w.Message)}); err != nil {
			return err
		}
	}
	return nil
}

func renderDriverChart(out io.Writer, results []driver.Result, stale bool) error {
	ranked := append([]driver.Result(nil), results...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Rank < ranked[j].Rank })
	if len(ranked) > maxChartBars {
		ranked = ranked[:maxChartBars]
	}
	if len(ranked) == 0 {
		return errNothingToChart
	}

	bars := make([]chart.Value, len(ranked))
	for i, r := range ranked {
		color := chart.ColorGreen
		if r.Direction == driver.Negative {
			color = chart.ColorRed
		}
		bars[i] = chart.Value{
			Label: r.FeatureName,
			Value: r.MarginalEffect,
			Style: chart.Style{FillColor: color, StrokeColor: color},
		}
	}

	title := "Win-rate drivers (marginal effect on P(win))"
	if stale {
		title += " [stale]"
	}
	graph := chart.BarChart{
		Title:        title,
		Width:        max(640, 90*len(bars)),
		Height:       480,
		BarWidth:     50,
		UseBaseValue: true,
		BaseValue:    0,
		YAxis: chart.YAxis{
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.3f")
			},
		},
		Bars: bars,
	}
	return graph.Render(chart.PNG, out)
}

// renderTrendChart plots the overall win rate per period together with the
// segments ranked highest on impact in the latest period.
func renderTrendChart(out io.Writer, records []metrics.Record) error {
	latest, ok := metrics.LatestPeriod(records)
	if !ok {
		return errNothingToChart
	}

	periods := make([]string, 0)
	seen := make(map[string]bool)
	for _, r := range records {
		if !seen[string(r.Period)] {
			seen[string(r.Period)] = true
			periods = append(periods, string(r.Period))
		}
	}
	sort.Strings(periods)
	if len(periods) < 2 {
		return errNothingToChart
	}
	position := make(map[string]float64, len(periods))
	ticks := make([]chart.Tick, len(periods))
	for i, p := range periods {
		position[p] = float64(i)
		ticks[i] = chart.Tick{Value: float64(i), Label: p}
	}

	type line struct {
		name string
		xs   []float64
		ys   []float64
	}
	lines := map[string]*line{"": {name: "Overall"}}
	order := []string{""}
	for _, r := range topImpact(metrics.ForPeriod(records, latest), maxTrendLines) {
		id := r.Grouping + "#" + r.Key.String()
		lines[id] = &line{name: r.Key.Label()}
		order = append(order, id)
	}
	for _, r := range records {
		l, ok := lines[r.Grouping+"#"+r.Key.String()]
		if r.Key.IsGlobal() {
			l, ok = lines[""], true
		}
		if !ok || r.WinRate == nil {
			continue
		}
		l.xs = append(l.xs, position[string(r.Period)])
		l.ys = append(l.ys, *r.WinRate)
	}

	series := make([]chart.Series, 0, len(order))
	for _, id := range order {
		l := lines[id]
		if len(l.xs) < 2 {
			continue
		}
		series = append(series, chart.ContinuousSeries{Name: l.name, XValues: l.xs, YValues: l.ys})
	}
	if len(series) == 0 {
		return errNothingToChart
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			Name:  "Period",
			Ticks: ticks,
		},
		YAxis: chart.YAxis{
			Name: "Win rate",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	return graph.Render(chart.PNG, out)
}

// topImpact returns segment records with a positive impact score ordered by
// impact rank within their grouping.
func topImpact(records []metrics.Record, n int) []metrics.Record {
	out := make([]metrics.Record, 0, len(records))
	for _, r := range records {
		if !r.Key.IsGlobal() && r.ImpactScore > 0 {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ImpactScore != out[j].ImpactScore {
			return out[i].ImpactScore > out[j].ImpactScore
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// writeFileAtomic renders into a temp file next to path and renames it into
// place once fully synced.
func writeFileAtomic(path string, render func(io.Writer) error) (err error) {
	if err := ensureDir(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = render(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return decimal.NewFromFloat(v).String()
}

func formatNullable(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
