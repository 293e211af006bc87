package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"winrate-watch/internal/baseline"
	"winrate-watch/internal/config"
	"winrate-watch/internal/deal"
	"winrate-watch/internal/rules"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// snapshotCSV builds two quarters of eight deals each; the second quarter
// wins three of eight.
func snapshotCSV() string {
	var b strings.Builder
	b.WriteString("id,region,industry,product_type,lead_source,deal_amount,open_date,close_date,outcome\n")
	regions := []string{"APAC", "Europe", "India", "North America"}
	for q, start := range []string{"2024-01-05", "2024-04-05"} {
		opened, _ := time.Parse("2006-01-02", start)
		wins := 4 - q
		for i := 0; i < 8; i++ {
			outcome := "Lost"
			if i < wins {
				outcome = "Won"
			}
			closed := opened.AddDate(0, 0, 20+i*5)
			fmt.Fprintf(&b, "Q%d-%02d,%s,SaaS,Pro,Inbound,%d,%s,%s,%s\n",
				q+1, i, regions[i%len(regions)], 10000+i*2500,
				opened.Format("2006-01-02"), closed.Format("2006-01-02"), outcome)
		}
	}
	return b.String()
}

func newTestApp(t *testing.T, extra string) (*App, string, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	snapshot := writeFile(t, dir, "deals.csv", snapshotCSV())
	rulesPath := writeFile(t, dir, "rules.yaml", `
rules:
  overall_low:
    metric: win_rate
    comparator: below
    threshold: 0.9
    scope: global
    cooldown: 24h
    severity: warning
`)
	cfgPath := writeFile(t, dir, "config.yaml", fmt.Sprintf(`
baseline:
  path: %s
normalizer:
  snapshot: %s
rules:
  path: %s
output:
  dir: %s
  driver_chart: false
%s`, filepath.Join(dir, "state", "baseline.json"), snapshot, rulesPath, filepath.Join(dir, "out"), extra))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	a := NewApp(cfg, zerolog.Nop())
	out := &bytes.Buffer{}
	a.Out = out
	return a, dir, out
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestAnalyzeWritesOutputsAndCommits(t *testing.T) {
	a, dir, out := newTestApp(t, "")

	require.NoError(t, a.Analyze(context.Background(), AnalyzeOptions{}))

	alerts := readCSV(t, filepath.Join(dir, "out", AlertsFile))
	require.Len(t, alerts, 2)
	assert.Equal(t, "overall_low", alerts[1][1])
	assert.Equal(t, "win_rate", alerts[1][4])
	assert.Equal(t, "0.375", alerts[1][5])

	metrics := readCSV(t, filepath.Join(dir, "out", MetricsFile))
	assert.Equal(t, "grouping", metrics[0][0])
	assert.Greater(t, len(metrics), 2)

	warnings := readCSV(t, filepath.Join(dir, "out", WarningsFile))
	var classes []string
	for _, row := range warnings[1:] {
		classes = append(classes, row[0])
	}
	assert.Contains(t, classes, "ModelFitFailed")

	state, err := baseline.NewFileStore(filepath.Join(dir, "state", "baseline.json")).Load(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Empty())
	require.Len(t, state.Alerts, 1)
	assert.Equal(t, state.RunID, state.Alerts[0].RunID)

	summary := out.String()
	assert.Contains(t, summary, "period 2024-Q2, committed")
	assert.Contains(t, summary, "overall_low")
}

func TestAnalyzeSecondRunIsQuietWithinCooldown(t *testing.T) {
	a, dir, _ := newTestApp(t, "")

	require.NoError(t, a.Analyze(context.Background(), AnalyzeOptions{}))
	require.NoError(t, a.Analyze(context.Background(), AnalyzeOptions{}))

	alerts := readCSV(t, filepath.Join(dir, "out", AlertsFile))
	assert.Len(t, alerts, 1, "only the header row")
}

func TestAnalyzeDryRunDoesNotCommit(t *testing.T) {
	a, dir, out := newTestApp(t, "")

	require.NoError(t, a.Analyze(context.Background(), AnalyzeOptions{DryRun: true}))

	_, err := os.Stat(filepath.Join(dir, "state", "baseline.json"))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, filepath.Join(dir, "out", MetricsFile))
	assert.Contains(t, out.String(), "not committed (dry run)")
}

func TestAnalyzeMissingSnapshotFails(t *testing.T) {
	a, dir, _ := newTestApp(t, "")

	err := a.Analyze(context.Background(), AnalyzeOptions{SnapshotPath: filepath.Join(dir, "missing.csv")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SnapshotUnavailable")
}

func TestShowAndExportCommittedRun(t *testing.T) {
	a, dir, out := newTestApp(t, "")
	require.NoError(t, a.Analyze(context.Background(), AnalyzeOptions{}))
	out.Reset()

	require.NoError(t, a.Show(context.Background(), ShowOptions{Limit: 5}))
	assert.Contains(t, out.String(), "overall_low")
	assert.Contains(t, out.String(), "Quiet until")

	exportDir := filepath.Join(dir, "export")
	require.NoError(t, a.Export(context.Background(), ExportOptions{OutDir: exportDir}))
	alerts := readCSV(t, filepath.Join(exportDir, AlertsFile))
	require.Len(t, alerts, 2)
	assert.Equal(t, "overall_low", alerts[1][1])
}

func TestShowWithoutBaseline(t *testing.T) {
	a, _, out := newTestApp(t, "")
	require.NoError(t, a.Show(context.Background(), ShowOptions{Limit: 5}))
	assert.Equal(t, "no committed run found\n", out.String())
}

func TestSimulateAlertSendsTelegram(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(raw))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	a, _, _ := newTestApp(t, fmt.Sprintf(`alerting:
  enabled: true
  telegram:
    enabled: true
    bot_token: token
    chat_id: "42"
    api_base: %s
`, srv.URL))

	err := a.SimulateAlert(context.Background(), SimulateOptions{
		RuleID:   "drill",
		Segment:  "region=APAC,product_type=Enterprise",
		Observed: 0.18,
		Baseline: 0.25,
		Severity: "critical",
	})
	require.NoError(t, err)
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "simulated")
	assert.Contains(t, bodies[0], "APAC/Enterprise")
}

func TestSimulateAlertRequiresAlerting(t *testing.T) {
	a, _, _ := newTestApp(t, "")
	err := a.SimulateAlert(context.Background(), SimulateOptions{Severity: "warning"})
	assert.EqualError(t, err, "alerting is not enabled")
}

func TestSimulatedAlert(t *testing.T) {
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	alert, err := simulatedAlert(SimulateOptions{Feature: "region_India", Severity: "INFO"}, now)
	require.NoError(t, err)
	assert.Equal(t, rules.SeverityInfo, alert.Severity)
	assert.Equal(t, string(rules.MetricDriverDirection), alert.MetricName)
	assert.Equal(t, "simulated", alert.RuleID)
	assert.True(t, alert.SegmentKey.IsGlobal())

	_, err = simulatedAlert(SimulateOptions{Severity: "loud"}, now)
	assert.Error(t, err)
}

func TestParseSegment(t *testing.T) {
	key, err := parseSegment("region=APAC | product_type=Pro")
	require.NoError(t, err)
	assert.Equal(t, deal.SegmentKey{
		{Dimension: deal.Region, Value: "APAC"},
		{Dimension: deal.ProductType, Value: "Pro"},
	}, key)

	key, err = parseSegment("")
	require.NoError(t, err)
	assert.True(t, key.IsGlobal())

	_, err = parseSegment("planet=Mars")
	assert.Error(t, err)
	_, err = parseSegment("region")
	assert.Error(t, err)
}
