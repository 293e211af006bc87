package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"winrate-watch/internal/normalize"
	"winrate-watch/internal/rules"
)

// Registry holds the run metrics of winratewatch. It owns a private
// prometheus registry so several pipelines can coexist in one process.
type Registry struct {
	reg *prometheus.Registry

	RowsIn        prometheus.Counter
	RowsRejected  *prometheus.CounterVec
	OtherMapped   *prometheus.CounterVec
	OpenDeals     prometheus.Gauge
	MetricRecords prometheus.Gauge
	ModelStale    prometheus.Gauge

	StageDuration *prometheus.HistogramVec
	Runs          *prometheus.CounterVec
	LastCommit    prometheus.Gauge

	AlertsFired      *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	RuleErrors       *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
}

// NewRegistry creates and registers all metrics.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		RowsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "winratewatch_snapshot_rows_total",
			Help: "Raw snapshot rows read",
		}),
		RowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "winratewatch_snapshot_rows_rejected_total",
			Help: "Snapshot rows rejected by the normalizer",
		}, []string{"reason"}),
		OtherMapped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "winratewatch_other_bucket_total",
			Help: "Categorical values bucketed into Other",
		}, []string{"dimension"}),
		OpenDeals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "winratewatch_open_deals",
			Help: "Open deals in the last snapshot",
		}),
		MetricRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "winratewatch_metric_records",
			Help: "Metric records produced by the last run",
		}),
		ModelStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "winratewatch_model_stale",
			Help: "1 when the last run fell back to earlier driver results",
		}),

		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "winratewatch_stage_duration_seconds",
			Help:    "Duration of each pipeline stage in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"stage"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "winratewatch_runs_total",
			Help: "Pipeline runs by result",
		}, []string{"result"}),
		LastCommit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "winratewatch_last_commit_timestamp_seconds",
			Help: "Unix time of the last committed baseline",
		}),

		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "winratewatch_alerts_fired_total",
			Help: "Alerts fired by rule and severity",
		}, []string{"rule", "severity"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "winratewatch_alerts_suppressed_total",
			Help: "Alert conditions suppressed by cooldown",
		}, []string{"rule"}),
		RuleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "winratewatch_rule_errors_total",
			Help: "Rules that could not be evaluated",
		}, []string{"rule"}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "winratewatch_delivery_failures_total",
			Help: "Alert deliveries that failed",
		}, []string{"channel"}),
	}

	r.reg.MustRegister(
		r.RowsIn,
		r.RowsRejected,
		r.OtherMapped,
		r.OpenDeals,
		r.MetricRecords,
		r.ModelStale,
		r.StageDuration,
		r.Runs,
		r.LastCommit,
		r.AlertsFired,
		r.AlertsSuppressed,
		r.RuleErrors,
		r.DeliveryFailures,
	)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// StageTimer times one pipeline stage.
type StageTimer struct {
	registry *Registry
	stage    string
	start    time.Time
}

// StartStage starts timing stage.
func (r *Registry) StartStage(stage string) *StageTimer {
	return &StageTimer{registry: r, stage: stage, start: time.Now()}
}

// Stage names the timed stage.
func (t *StageTimer) Stage() string {
	return t.stage
}

// Stop records the elapsed time and returns it.
func (t *StageTimer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.registry != nil {
		t.registry.StageDuration.WithLabelValues(t.stage).Observe(elapsed.Seconds())
	}
	return elapsed
}

// RecordNormalization folds a normalization report into the counters.
func (r *Registry) RecordNormalization(report normalize.Report) {
	r.RowsIn.Add(float64(report.RowsIn))
	for reason, n := range report.Reasons {
		r.RowsRejected.WithLabelValues(string(reason)).Add(float64(n))
	}
	for dim, n := range report.OtherMapped {
		r.OtherMapped.WithLabelValues(string(dim)).Add(float64(n))
	}
	r.OpenDeals.Set(float64(report.OpenDeals))
}

// RecordRules folds per-rule reports and fired alerts into the counters.
func (r *Registry) RecordRules(reports []rules.RuleReport, alerts []rules.Alert) {
	for _, rep := range reports {
		if rep.Suppressed > 0 {
			r.AlertsSuppressed.WithLabelValues(rep.RuleID).Add(float64(rep.Suppressed))
		}
		if rep.Err != nil {
			r.RuleErrors.WithLabelValues(rep.RuleID).Inc()
		}
	}
	for _, a := range alerts {
		r.AlertsFired.WithLabelValues(a.RuleID, string(a.Severity)).Inc()
	}
}

// RecordModel sets the staleness gauge.
func (r *Registry) RecordModel(stale bool) {
	if stale {
		r.ModelStale.Set(1)
		return
	}
	r.ModelStale.Set(0)
}

// RecordRun counts a finished run.
func (r *Registry) RecordRun(result string, committedAt time.Time) {
	r.Runs.WithLabelValues(result).Inc()
	if !committedAt.IsZero() {
		r.LastCommit.Set(float64(committedAt.Unix()))
	}
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (r *Registry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write telemetry textfile: %w", err)
	}
	return nil
}
