package telemetry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"winrate-watch/internal/deal"
	"winrate-watch/internal/normalize"
	"winrate-watch/internal/rules"
)

func TestRecordNormalization(t *testing.T) {
	r := NewRegistry()
	r.RecordNormalization(normalize.Report{
		RowsIn:      10,
		Rejected:    3,
		OpenDeals:   2,
		Reasons:     map[normalize.Reason]int{normalize.ReasonMissingID: 1, normalize.ReasonNegativeAmount: 2},
		OtherMapped: map[deal.Dimension]int{deal.Region: 4},
	})

	assert.Equal(t, 10.0, testutil.ToFloat64(r.RowsIn))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.RowsRejected.WithLabelValues(string(normalize.ReasonNegativeAmount))))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.OtherMapped.WithLabelValues("region")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.OpenDeals))
}

func TestRecordRules(t *testing.T) {
	r := NewRegistry()
	r.RecordRules(
		[]rules.RuleReport{
			{RuleID: "impact", Fired: 1, Suppressed: 2},
			{RuleID: "flip", Err: errors.New("no prior")},
		},
		[]rules.Alert{{RuleID: "impact", Severity: rules.SeverityCritical}},
	)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.AlertsFired.WithLabelValues("impact", "critical")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.AlertsSuppressed.WithLabelValues("impact")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.RuleErrors.WithLabelValues("flip")))
}

func TestWriteTextfile(t *testing.T) {
	r := NewRegistry()
	r.RecordModel(true)
	r.RecordRun("ok", time.Unix(1700000000, 0))
	r.StartStage("metrics").Stop()

	path := filepath.Join(t.TempDir(), "winratewatch.prom")
	require.NoError(t, r.WriteTextfile(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "winratewatch_model_stale 1")
	assert.Contains(t, string(raw), `winratewatch_runs_total{result="ok"} 1`)
	assert.Contains(t, string(raw), "winratewatch_stage_duration_seconds_count{stage=\"metrics\"} 1")
}
