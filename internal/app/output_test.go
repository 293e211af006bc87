package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"winrate-watch/internal/deal"
	"winrate-watch/internal/driver"
	"winrate-watch/internal/metrics"
	"winrate-watch/internal/rules"
	"winrate-watch/internal/service"
)

func ptr(v float64) *float64 { return &v }

func sampleResult() *service.RunResult {
	apac := deal.SegmentKey{{Dimension: deal.Region, Value: "APAC"}}
	fired := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	return &service.RunResult{
		RunID:  "run-1",
		Period: "2024-Q2",
		Metrics: []metrics.Record{
			{Period: "2024-Q1", DealCount: 10, WinCount: 5, WinRate: ptr(0.5), VolumeShare: 1, ImpactRank: 1},
			{Period: "2024-Q2", DealCount: 10, WinCount: 3, WinRate: ptr(0.3), VolumeShare: 1, TrendDelta: ptr(-0.2), ImpactRank: 1},
			{Grouping: "region", Key: apac, Period: "2024-Q1", DealCount: 4, WinCount: 2, WinRate: ptr(0.5), VolumeShare: 0.4, ImpactRank: 1},
			{Grouping: "region", Key: apac, Period: "2024-Q2", DealCount: 4, WinCount: 0, WinRate: ptr(0), VolumeShare: 0.4,
				ImpactScore: 0.12, ImpactRank: 1},
		},
		Drivers: []driver.Result{
			{FeatureName: "region_India", ReferenceLevel: "APAC", Coefficient: 0.8, MarginalEffect: 0.19, Direction: driver.Positive, Rank: 1},
			{FeatureName: "deal_amount", Unit: "10000", Coefficient: -0.1, MarginalEffect: -0.02, Direction: driver.Negative, Rank: 2},
		},
		DriversRunID: "run-1",
		Alerts: []rules.Alert{{
			RunID: "run-1", RuleID: "apac_low", SegmentKey: apac, MetricName: "win_rate",
			ObservedValue: 0, BaselineValue: 0.25, Severity: rules.SeverityCritical,
			FiredAt: fired, CooldownExpiresAt: fired.Add(24 * time.Hour),
		}},
		Warnings: []service.Warning{{Class: service.ClassInsufficientSample, Message: "thin\nsegments"}},
	}
}

func TestOutputWriterWritesTables(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	w := &OutputWriter{Dir: dir, Logger: zerolog.Nop()}

	require.NoError(t, w.Write(context.Background(), sampleResult()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{AlertsFile, DriversFile, MetricsFile, WarningsFile}, names)

	rows := readCSV(t, filepath.Join(dir, MetricsFile))
	require.Len(t, rows, 5)
	assert.Equal(t, []string{"region", "region=APAC", "2024-Q2", "4", "0", "0", "0.4", "0.12", "", "", "1"}, rows[4])
	assert.Equal(t, "", rows[1][1], "global key renders empty")

	drivers := readCSV(t, filepath.Join(dir, DriversFile))
	assert.Equal(t, []string{"2", "deal_amount", "", "10000", "-0.1", "-0.02", "negative", "false", "run-1"}, drivers[2])

	alerts := readCSV(t, filepath.Join(dir, AlertsFile))
	assert.Equal(t, []string{"run-1", "apac_low", "region=APAC", "", "win_rate", "0", "0.25", "critical",
		"2024-07-01T09:00:00Z", "2024-07-02T09:00:00Z"}, alerts[1])

	warnings := readCSV(t, filepath.Join(dir, WarningsFile))
	assert.Equal(t, []string{"InsufficientSample", "", "thin segments"}, warnings[1])
}

func TestOutputWriterRendersCharts(t *testing.T) {
	dir := t.TempDir()
	w := &OutputWriter{Dir: dir, Chart: true, Logger: zerolog.Nop()}

	require.NoError(t, w.Write(context.Background(), sampleResult()))

	for _, name := range []string{DriversChart, TrendChart} {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.True(t, bytes.HasPrefix(raw, []byte("\x89PNG")), name)
	}
}

func TestOutputWriterStopsWhenCancelled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &OutputWriter{Dir: dir, Logger: zerolog.Nop()}
	assert.ErrorIs(t, w.Write(ctx, sampleResult()), context.Canceled)
	assert.NoFileExists(t, filepath.Join(dir, MetricsFile))
}

func TestStagedOutputsStayHiddenUntilPublished(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "out")
	w := &OutputWriter{Dir: dir, Logger: zerolog.Nop()}

	staged, err := w.Stage(context.Background(), sampleResult())
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, MetricsFile))

	require.NoError(t, staged.Publish())
	for _, name := range []string{MetricsFile, DriversFile, AlertsFile, WarningsFile} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1, "staging dir is removed after publish")
	assert.Equal(t, "out", entries[0].Name())
}

func TestDiscardedOutputsLeaveEarlierTables(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "out")
	w := &OutputWriter{Dir: dir, Logger: zerolog.Nop()}
	require.NoError(t, w.Write(context.Background(), sampleResult()))
	before, err := os.ReadFile(filepath.Join(dir, AlertsFile))
	require.NoError(t, err)

	next := sampleResult()
	next.RunID = "run-2"
	next.Alerts = nil
	staged, err := w.Stage(context.Background(), next)
	require.NoError(t, err)
	staged.Discard()

	after, err := os.ReadFile(filepath.Join(dir, AlertsFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestChartsNeedData(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, renderDriverChart(&buf, nil, false), errNothingToChart)
	assert.ErrorIs(t, renderTrendChart(&buf, sampleResult().Metrics[:1]), errNothingToChart)
}

func TestTopImpact(t *testing.T) {
	records := sampleResult().Metrics
	top := topImpact(records, 5)
	require.Len(t, top, 1)
	assert.Equal(t, "APAC", top[0].Key.Label())
	assert.Equal(t, deal.Period("2024-Q2"), top[0].Period)
}
