package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"winrate-watch/internal/deal"
	"winrate-watch/internal/rules"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", "app:\n  environment: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Environment)
	assert.Equal(t, BackendFile, cfg.BaselineBackend())
	assert.Equal(t, string(deal.Quarterly), cfg.Metrics.Granularity)
	assert.Equal(t, 5, cfg.Metrics.MinSampleSize)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.Interval)

	groupings, err := cfg.Groupings()
	require.NoError(t, err)
	assert.Equal(t, [][]deal.Dimension{{deal.Region}, {deal.LeadSource}, {deal.Region, deal.ProductType}}, groupings)

	dims, err := cfg.ModelDimensions()
	require.NoError(t, err)
	assert.Equal(t, deal.Dimensions, dims)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, "config.yaml", `
database:
  dsn: postgres://localhost/winrate
normalizer:
  vocabulary:
    region: [EMEA, AMER, APJ]
metrics:
  groupings: ["industry", "region+lead_source"]
model:
  reference_levels:
    region: EMEA
`)
	t.Setenv("WINRATEWATCH_METRICS_GRANULARITY", "month")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.BaselineBackend())
	assert.Equal(t, "month", cfg.Metrics.Granularity)

	vocab := cfg.Vocabulary()
	assert.Equal(t, []string{"AMER", "APJ", "EMEA"}, vocab.Levels(deal.Region))
	assert.Equal(t, []string{"Core", "Enterprise", "Pro"}, vocab.Levels(deal.ProductType))

	refs, err := cfg.ReferenceLevels()
	require.NoError(t, err)
	assert.Equal(t, "EMEA", refs[deal.Region])
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown grouping":       "metrics:\n  groupings: [\"planet\"]\n",
		"repeated grouping":      "metrics:\n  groupings: [\"region\", \"region\"]\n",
		"bad granularity":        "metrics:\n  granularity: week\n",
		"reference not in vocab": "model:\n  reference_levels:\n    region: Mars\n",
		"telegram without token": "alerting:\n  telegram:\n    enabled: true\n    chat_id: x\n",
		"kafka without brokers":  "alerting:\n  kafka:\n    enabled: true\n",
		"postgres without dsn":   "baseline:\n  backend: postgres\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestLoadRules(t *testing.T) {
	path := writeFile(t, "rules.yaml", `
rules:
  impact_high:
    metric: segment_impact_score
    comparator: above
    threshold: 0.05
    cooldown: 24h
    severity: critical
    grouping: [region, product_type]
  win_rate_drop:
    metric: win_rate
    comparator: delta_exceeds
    threshold: 0.1
    cooldown: 72h
    baseline:
      source: rolling
      periods: 3
  driver_flip:
    metric: driver_direction
    cooldown: 168h
`)

	compiled, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, compiled, 3)

	assert.Equal(t, "driver_flip", compiled[0].ID)
	assert.Equal(t, rules.MetricDriverDirection, compiled[0].Metric)

	impact := compiled[1]
	assert.Equal(t, "impact_high", impact.ID)
	assert.Equal(t, rules.Above, impact.Comparator)
	assert.Equal(t, 24*time.Hour, impact.Cooldown)
	assert.Equal(t, rules.SeverityCritical, impact.Severity)
	assert.Equal(t, "region+product_type", impact.Grouping)

	drop := compiled[2]
	require.NotNil(t, drop.Baseline)
	assert.Equal(t, rules.BaselineRolling, drop.Baseline.Source)
	assert.Equal(t, 3, drop.Baseline.Periods)
}

func TestLoadRulesInvalid(t *testing.T) {
	path := writeFile(t, "rules.yaml", `
rules:
  bad:
    metric: win_rate
    comparator: sideways
    cooldown: 1h
`)
	_, err := LoadRules(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, ErrInvalid))
}
