package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"winrate-watch/internal/alerting"
	"winrate-watch/internal/baseline"
	"winrate-watch/internal/deal"
	"winrate-watch/internal/driver"
	"winrate-watch/internal/metrics"
	"winrate-watch/internal/normalize"
	"winrate-watch/internal/rules"
	"winrate-watch/internal/scheduler"
	"winrate-watch/internal/telemetry"
)

// RulesLoader returns the compiled rule set; it is called once per run.
type RulesLoader func() ([]rules.Rule, error)

// Sink stages the complete result of a run before it is committed. Nothing
// staged is visible until Publish; a run that fails to commit discards it.
type Sink interface {
	Stage(ctx context.Context, result *RunResult) (Staged, error)
}

// Staged is output held back until the run commits.
type Staged interface {
	Publish() error
	Discard()
}

// RunResult is everything one run produced.
type RunResult struct {
	RunID        string
	Period       deal.Period
	StartedAt    time.Time
	Report       normalize.Report
	Metrics      []metrics.Record
	Fit          *driver.Fit
	Drivers      []driver.Result
	DriversStale bool
	DriversRunID string
	Alerts       []rules.Alert
	RuleReports  []rules.RuleReport
	Warnings     []Warning
	Committed    bool
	Delivered    int
}

func (r *RunResult) warn(class Class, subject, format string, args ...any) {
	r.Warnings = append(r.Warnings, Warning{Class: class, Subject: subject, Message: fmt.Sprintf(format, args...)})
}

// Components wires the collaborators of a Pipeline.
type Components struct {
	Source     normalize.Source
	Store      baseline.Store
	Normalizer *normalize.Normalizer
	Engine     *metrics.Engine
	Model      *driver.Model
	Rules      RulesLoader
	Notifier   alerting.Notifier
	Sink       Sink
	Telemetry  *telemetry.Registry
}

// Options tune a Pipeline.
type Options struct {
	// EvaluationPeriod pins the period rules look at; empty means the latest.
	EvaluationPeriod deal.Period
	RuleWorkers      int
	// DryRun computes and writes outputs but neither commits nor delivers.
	DryRun        bool
	LockKey       int64
	Retention     time.Duration
	TelemetryPath string
	Clock         func() time.Time
}

// Pipeline runs the read, compute, write cycle. External reads happen before
// any computation and all writes after it, so a run is all-or-nothing from
// the baseline store's point of view.
type Pipeline struct {
	c      Components
	opts   Options
	locker baseline.AdvisoryLocker
	logger zerolog.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(c Components, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	var locker baseline.AdvisoryLocker
	if l, ok := c.Store.(baseline.AdvisoryLocker); ok {
		locker = l
	}
	return &Pipeline{
		c:      c,
		opts:   opts,
		locker: locker,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Execute runs once under the advisory lock. It returns ErrBusy when another
// process holds the lock.
func (p *Pipeline) Execute(ctx context.Context) (*RunResult, error) {
	unlock, proceed, err := p.acquireLock(ctx)
	if err != nil {
		return nil, fatal(ClassStateUnavailable, "acquire advisory lock: %w", err)
	}
	if !proceed {
		return nil, ErrBusy
	}
	if unlock != nil {
		defer unlock()
	}
	return p.Run(ctx)
}

// Watch runs the pipeline on every scheduler tick until ctx is cancelled.
func (p *Pipeline) Watch(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, p.ProcessTick)
}

// ProcessTick executes one scheduled run. Fatal errors are returned to the
// scheduler for logging; the loop keeps going.
func (p *Pipeline) ProcessTick(ctx context.Context, tick time.Time) error {
	result, err := p.Execute(ctx)
	if errors.Is(err, ErrBusy) {
		p.logger.Debug().Time("tick", tick).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if err != nil {
		return err
	}
	p.logger.Info().Time("tick", tick).
		Str("run_id", result.RunID).
		Int("alerts", len(result.Alerts)).
		Int("warnings", len(result.Warnings)).
		Msg("scheduled run finished")
	return nil
}

// Run executes one atomic run. Fatal failures return a *RunError and leave
// the baseline store untouched; recovered failures are listed in the result's
// warnings.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	result := &RunResult{StartedAt: p.opts.Clock()}

	ruleSet, err := p.loadRules()
	if err != nil {
		p.recordRun("config_invalid")
		return nil, err
	}

	timer := p.c.Telemetry.StartStage("read")
	rows, err := p.c.Source.Load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.recordRun("snapshot_unavailable")
		return nil, fatal(ClassSnapshotUnavailable, "load snapshot: %w", err)
	}
	prior, err := p.c.Store.Load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.recordRun("state_unavailable")
		return nil, fatal(ClassStateUnavailable, "load baseline: %w", err)
	}
	p.stopStage(timer)

	timer = p.c.Telemetry.StartStage("normalize")
	deals, report := p.c.Normalizer.Normalize(rows)
	p.stopStage(timer)
	result.Report = report
	if p.c.Telemetry != nil {
		p.c.Telemetry.RecordNormalization(report)
	}
	if report.Accepted == 0 {
		p.recordRun("snapshot_unavailable")
		return nil, fatal(ClassSnapshotUnavailable, "snapshot has no valid rows (%d rejected)", report.Rejected)
	}
	if report.Rejected > 0 {
		result.warn(ClassRowRejected, "", "%d of %d rows rejected: %s", report.Rejected, report.RowsIn, reasonSummary(report.Reasons))
	}

	result.RunID = RunID(deals, ruleSet, prior.RunID)
	logger := p.logger.With().Str("run_id", result.RunID).Logger()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timer = p.c.Telemetry.StartStage("metrics")
	records, err := p.c.Engine.Compute(ctx, deals, prior.Metrics)
	if err != nil {
		return nil, err
	}
	p.stopStage(timer)
	result.Metrics = records
	if n := thinRecords(records); n > 0 {
		result.warn(ClassInsufficientSample, "", "cycle_outcome_gap is null for %d segment periods below the minimum sample", n)
	}

	timer = p.c.Telemetry.StartStage("model")
	fit, fitErr := p.c.Model.Fit(ctx, deals)
	p.stopStage(timer)
	switch {
	case fitErr == nil:
		result.Fit = fit
		result.Drivers = fit.Results
		result.DriversRunID = result.RunID
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		result.DriversStale = true
		result.Drivers = prior.Drivers
		result.DriversRunID = prior.DriversRunID
		if len(prior.Drivers) == 0 {
			result.warn(ClassModelFitFailed, "", "%v; no earlier driver results to fall back to", fitErr)
		} else {
			result.warn(ClassModelFitFailed, "", "%v; using driver results of run %s", fitErr, prior.DriversRunID)
		}
	}
	if p.c.Telemetry != nil {
		p.c.Telemetry.RecordModel(result.DriversStale)
	}

	result.Period = p.opts.EvaluationPeriod
	if result.Period == "" {
		result.Period, _ = metrics.LatestPeriod(records)
	}

	timer = p.c.Telemetry.StartStage("rules")
	now := p.opts.Clock()
	ledger := rules.NewLedger(prior.Cooldowns)
	evaluator := rules.NewEvaluator(ruleSet, p.opts.RuleWorkers, logger)
	evaluation, err := evaluator.Evaluate(ctx, rules.Input{
		Period:       result.Period,
		Metrics:      records,
		PriorMetrics: prior.Metrics,
		Drivers:      result.Drivers,
		DriversStale: result.DriversStale,
		PriorDrivers: prior.Drivers,
		Now:          now,
	}, ledger)
	if err != nil {
		return nil, err
	}
	p.stopStage(timer)
	for i := range evaluation.Alerts {
		evaluation.Alerts[i].RunID = result.RunID
	}
	result.Alerts = evaluation.Alerts
	result.RuleReports = evaluation.Reports
	for _, rep := range evaluation.Reports {
		if rep.Err != nil {
			result.warn(ClassRuleEvaluationError, rep.RuleID, "%v", rep.Err)
		}
	}
	if p.c.Telemetry != nil {
		p.c.Telemetry.RecordRules(evaluation.Reports, evaluation.Alerts)
		p.c.Telemetry.MetricRecords.Set(float64(len(records)))
	}

	// Everything below writes. A cancelled run stops here with nothing committed.
	if err := ctx.Err(); err != nil {
		logger.Warn().Msg("run cancelled before commit; results discarded")
		return nil, err
	}

	var staged Staged
	if p.c.Sink != nil {
		s, err := p.c.Sink.Stage(ctx, result)
		if err != nil {
			p.recordRun("output_failed")
			return nil, fmt.Errorf("write outputs: %w", err)
		}
		staged = s
	}

	if p.opts.DryRun {
		if staged != nil {
			if err := staged.Publish(); err != nil {
				p.recordRun("output_failed")
				return nil, fmt.Errorf("publish outputs: %w", err)
			}
		}
		p.recordRun("dry_run")
		p.finish(logger, result)
		return result, nil
	}

	state := baseline.State{
		RunID:        result.RunID,
		CommittedAt:  now,
		Metrics:      records,
		Drivers:      result.Drivers,
		DriversRunID: result.DriversRunID,
		Cooldowns:    ledger.Active(now),
		Alerts:       result.Alerts,
	}
	timer = p.c.Telemetry.StartStage("commit")
	if err := p.c.Store.Commit(ctx, state); err != nil {
		if staged != nil {
			staged.Discard()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.recordRun("commit_failed")
		return nil, fatal(ClassStateUnavailable, "commit baseline: %w", err)
	}
	p.stopStage(timer)
	result.Committed = true
	if staged != nil {
		if err := staged.Publish(); err != nil {
			logger.Error().Err(err).Msg("failed to publish outputs of committed run")
			result.warn(ClassOutputFailed, "", "%v; rerun export to regenerate", err)
		}
	}
	p.prune(ctx, logger, now)

	p.deliver(ctx, logger, result)
	if p.c.Telemetry != nil {
		p.c.Telemetry.RecordRun("ok", now)
	}
	p.finish(logger, result)
	return result, nil
}

func (p *Pipeline) loadRules() ([]rules.Rule, error) {
	if p.c.Rules == nil {
		return nil, nil
	}
	ruleSet, err := p.c.Rules()
	if err != nil {
		return nil, fatal(ClassConfigInvalid, "load rules: %w", err)
	}
	return ruleSet, nil
}

// deliver sends committed alerts. Failures become warnings and never undo the commit.
func (p *Pipeline) deliver(ctx context.Context, logger zerolog.Logger, result *RunResult) {
	if p.c.Notifier == nil || len(result.Alerts) == 0 {
		return
	}
	for _, a := range result.Alerts {
		note := alerting.Notification{RunID: result.RunID, Period: result.Period, Alert: a}
		if err := p.c.Notifier.Notify(ctx, note); err != nil {
			logger.Warn().Err(err).Str("rule", a.RuleID).Str("subject", a.Subject()).Msg("alert delivery failed")
			result.warn(ClassDeliveryFailed, a.RuleID, "%v", err)
			p.recordDeliveryFailure(err)
			continue
		}
		result.Delivered++
	}
}

func (p *Pipeline) recordDeliveryFailure(err error) {
	if p.c.Telemetry == nil {
		return
	}
	var channels []string
	for _, e := range unwrapAll(err) {
		var de *alerting.DeliveryError
		if errors.As(e, &de) {
			channels = append(channels, de.Channel)
		}
	}
	if len(channels) == 0 {
		channels = []string{alerting.ChannelName(p.c.Notifier)}
	}
	for _, ch := range channels {
		p.c.Telemetry.DeliveryFailures.WithLabelValues(ch).Inc()
	}
}

func unwrapAll(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

type runPruner interface {
	DeleteRunsBefore(ctx context.Context, olderThan time.Time) error
}

func (p *Pipeline) prune(ctx context.Context, logger zerolog.Logger, now time.Time) {
	if p.opts.Retention <= 0 {
		return
	}
	pruner, ok := p.c.Store.(runPruner)
	if !ok {
		return
	}
	if err := pruner.DeleteRunsBefore(ctx, now.Add(-p.opts.Retention)); err != nil {
		logger.Warn().Err(err).Msg("failed to prune old baseline runs")
	}
}

func (p *Pipeline) finish(logger zerolog.Logger, result *RunResult) {
	for _, w := range result.Warnings {
		logger.Warn().Str("class", string(w.Class)).Str("subject", w.Subject).Msg(w.Message)
	}
	logger.Info().
		Str("period", string(result.Period)).
		Int("records", len(result.Metrics)).
		Int("drivers", len(result.Drivers)).
		Bool("drivers_stale", result.DriversStale).
		Int("alerts", len(result.Alerts)).
		Int("delivered", result.Delivered).
		Bool("committed", result.Committed).
		Dur("elapsed", p.opts.Clock().Sub(result.StartedAt)).
		Msg("run finished")

	if p.c.Telemetry != nil && p.opts.TelemetryPath != "" {
		if err := p.c.Telemetry.WriteTextfile(p.opts.TelemetryPath); err != nil {
			logger.Warn().Err(err).Msg("failed to write telemetry")
		}
	}
}

func (p *Pipeline) stopStage(t *telemetry.StageTimer) {
	d := t.Stop()
	p.logger.Debug().Str("stage", t.Stage()).Dur("elapsed", d).Msg("stage done")
}

func (p *Pipeline) recordRun(result string) {
	if p.c.Telemetry != nil {
		p.c.Telemetry.RecordRun(result, time.Time{})
	}
}

func (p *Pipeline) acquireLock(ctx context.Context) (func(), bool, error) {
	if p.opts.LockKey == 0 || p.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := p.locker.TryAdvisoryLock(ctx, p.opts.LockKey)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func thinRecords(records []metrics.Record) int {
	var n int
	for _, r := range records {
		if r.DealCount > 0 && r.CycleOutcomeGap == nil {
			n++
		}
	}
	return n
}

func reasonSummary(reasons map[normalize.Reason]int) string {
	keys := make([]string, 0, len(reasons))
	for r := range reasons {
		keys = append(keys, string(r))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, reasons[normalize.Reason(k)])
	}
	return strings.Join(parts, ", ")
}
