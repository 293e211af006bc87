package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"winrate-watch/internal/deal"
	"winrate-watch/internal/driver"
	"winrate-watch/internal/metrics"
)

var (
	// ErrMetricUnavailable means the referenced value was null or absent for every subject.
	ErrMetricUnavailable = errors.New("referenced metric unavailable")
	// ErrNoSubjects means no record or driver matched the rule.
	ErrNoSubjects = errors.New("no matching subjects")
	// ErrNoPriorDrivers means there is no fresh previous driver set to compare with.
	ErrNoPriorDrivers = errors.New("no prior driver results to compare")
)

// EvaluationError reports why a single rule produced no verdict.
type EvaluationError struct {
	RuleID string
	Err    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Alert is one fired rule.
type Alert struct {
	RunID             string          `json:"run_id"`
	RuleID            string          `json:"rule_id"`
	SegmentKey        deal.SegmentKey `json:"segment_key"`
	Feature           string          `json:"feature,omitempty"`
	MetricName        string          `json:"metric_name"`
	ObservedValue     float64         `json:"observed_value"`
	BaselineValue     float64         `json:"baseline_value"`
	Severity          Severity        `json:"severity"`
	FiredAt           time.Time       `json:"fired_at"`
	CooldownExpiresAt time.Time       `json:"cooldown_expires_at"`
}

// Subject is the cooldown identity of the alert within its rule.
func (a Alert) Subject() string {
	if a.Feature != "" {
		return driverSubject(a.Feature)
	}
	return a.SegmentKey.String()
}

func driverSubject(feature string) string {
	return "driver:" + feature
}

// Input is everything a rule may read. All of it is read-only.
type Input struct {
	Period       deal.Period
	Metrics      []metrics.Record
	PriorMetrics []metrics.Record
	Drivers      []driver.Result
	DriversStale bool
	PriorDrivers []driver.Result
	Now          time.Time
}

// RuleReport is the per-rule outcome of an evaluation.
type RuleReport struct {
	RuleID     string `json:"rule_id"`
	Evaluated  int    `json:"evaluated"`
	Fired      int    `json:"fired"`
	Suppressed int    `json:"suppressed"`
	Skipped    int    `json:"skipped"`
	Err        error  `json:"-"`
}

// Evaluation is the output of one pass over all rules.
type Evaluation struct {
	Alerts  []Alert
	Reports []RuleReport
}

// Evaluator runs independent rules concurrently.
type Evaluator struct {
	rules   []Rule
	workers int
	logger  zerolog.Logger
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(rules []Rule, workers int, logger zerolog.Logger) *Evaluator {
	if workers <= 0 {
		workers = 4
	}
	return &Evaluator{rules: rules, workers: workers, logger: logger.With().Str("component", "alert_evaluator").Logger()}
}

// Rules returns the compiled rules.
func (e *Evaluator) Rules() []Rule {
	return e.rules
}

// Evaluate runs every rule against in. A failing rule is reported in its
// RuleReport and never stops the others; the returned error is only set when
// ctx is cancelled.
func (e *Evaluator) Evaluate(ctx context.Context, in Input, ledger *Ledger) (*Evaluation, error) {
	current := metrics.NewIndex(in.Metrics)
	prior := metrics.NewIndex(in.PriorMetrics)

	alerts := make([][]Alert, len(e.rules))
	reports := make([]RuleReport, len(e.rules))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range e.rules {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rule := e.rules[i]
			if rule.Metric.IsDriver() {
				alerts[i], reports[i] = e.evaluateDriverRule(rule, in, ledger)
			} else {
				alerts[i], reports[i] = e.evaluateMetricRule(rule, in, current, prior, ledger)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Evaluation{Reports: reports}
	for _, a := range alerts {
		out.Alerts = append(out.Alerts, a...)
	}
	sort.SliceStable(out.Alerts, func(i, j int) bool {
		if out.Alerts[i].RuleID != out.Alerts[j].RuleID {
			return out.Alerts[i].RuleID < out.Alerts[j].RuleID
		}
		return out.Alerts[i].Subject() < out.Alerts[j].Subject()
	})

	for _, r := range reports {
		ev := e.logger.Debug()
		if r.Err != nil {
			ev = e.logger.Warn().Err(r.Err)
		}
		ev.Str("rule", r.RuleID).
			Int("evaluated", r.Evaluated).
			Int("fired", r.Fired).
			Int("suppressed", r.Suppressed).
			Int("skipped", r.Skipped).
			Msg("rule evaluated")
	}
	return out, nil
}

func (e *Evaluator) evaluateMetricRule(rule Rule, in Input, current, prior metrics.Index, ledger *Ledger) ([]Alert, RuleReport) {
	report := RuleReport{RuleID: rule.ID}
	field := metrics.Field(rule.Metric)

	var alerts []Alert
	var candidates int
	for _, rec := range in.Metrics {
		if rec.Period != in.Period {
			continue
		}
		if rule.Scope == ScopeGlobal {
			if !rec.Key.IsGlobal() {
				continue
			}
		} else if rec.Key.IsGlobal() || (rule.Grouping != "" && rec.Grouping != rule.Grouping) {
			continue
		}
		candidates++

		observed := rec.Value(field)
		if observed == nil {
			report.Skipped++
			continue
		}
		reference, ok := metricReference(rule, rec, field, current, prior)
		if !ok {
			report.Skipped++
			continue
		}
		report.Evaluated++
		if !rule.Holds(*observed, reference) {
			continue
		}

		var key deal.SegmentKey
		if !rec.Key.IsGlobal() {
			key = rec.Key
		}
		if a, fired := fire(rule, key, "", *observed, reference, in.Now, ledger); fired {
			alerts = append(alerts, a)
			report.Fired++
		} else {
			report.Suppressed++
		}
	}

	report.Err = verdictError(rule.ID, candidates, report)
	return alerts, report
}

// metricReference resolves the comparison value: the baseline when one is
// configured, else the threshold.
func metricReference(rule Rule, rec metrics.Record, field metrics.Field, current, prior metrics.Index) (float64, bool) {
	if rule.Baseline == nil {
		return rule.Threshold, true
	}
	if rule.Baseline.Source == BaselineStatic {
		return rule.Baseline.Value, true
	}

	var sum float64
	var n int
	for _, p := range rec.Period.Window(rule.Baseline.Periods) {
		r, ok := current.Get(rec.Grouping, rec.Key, p)
		if !ok {
			r, ok = prior.Get(rec.Grouping, rec.Key, p)
		}
		if !ok {
			continue
		}
		if v := r.Value(field); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func (e *Evaluator) evaluateDriverRule(rule Rule, in Input, ledger *Ledger) ([]Alert, RuleReport) {
	report := RuleReport{RuleID: rule.ID}

	var candidates []driver.Result
	for _, d := range in.Drivers {
		if rule.Feature == "" || d.FeatureName == rule.Feature {
			candidates = append(candidates, d)
		}
	}

	prior := make(map[string]driver.Result, len(in.PriorDrivers))
	if !in.DriversStale {
		for _, d := range in.PriorDrivers {
			prior[d.Key()] = d
		}
	}
	needsPrior := rule.Metric == MetricDriverDirection || (rule.Comparator == DeltaExceeds && rule.Baseline == nil)
	if needsPrior && len(prior) == 0 {
		report.Skipped = len(candidates)
		report.Err = &EvaluationError{RuleID: rule.ID, Err: ErrNoPriorDrivers}
		return nil, report
	}

	var alerts []Alert
	for _, c := range candidates {
		var observed, reference float64
		var holds bool

		prev, hasPrev := prior[c.Key()]
		if needsPrior && !hasPrev {
			report.Skipped++
			continue
		}

		switch rule.Metric {
		case MetricDriverDirection:
			observed, reference = c.Coefficient, prev.Coefficient
			holds = c.Direction != prev.Direction
		default:
			observed = c.Coefficient
			if rule.Metric == MetricDriverMarginalEffect {
				observed = c.MarginalEffect
			}
			switch {
			case rule.Baseline != nil:
				reference = rule.Baseline.Value
			case rule.Comparator == DeltaExceeds:
				reference = prev.Coefficient
				if rule.Metric == MetricDriverMarginalEffect {
					reference = prev.MarginalEffect
				}
			default:
				reference = rule.Threshold
			}
			holds = rule.Holds(observed, reference)
		}
		report.Evaluated++
		if !holds {
			continue
		}

		if a, fired := fire(rule, nil, c.FeatureName, observed, reference, in.Now, ledger); fired {
			alerts = append(alerts, a)
			report.Fired++
		} else {
			report.Suppressed++
		}
	}

	report.Err = verdictError(rule.ID, len(candidates), report)
	return alerts, report
}

func fire(rule Rule, key deal.SegmentKey, feature string, observed, reference float64, now time.Time, ledger *Ledger) (Alert, bool) {
	subject := key.String()
	if feature != "" {
		subject = driverSubject(feature)
	}
	cd, ok := ledger.TryAcquire(rule.ID, subject, now, rule.Cooldown)
	if !ok {
		return Alert{}, false
	}
	return Alert{
		RuleID:            rule.ID,
		SegmentKey:        key,
		Feature:           feature,
		MetricName:        string(rule.Metric),
		ObservedValue:     observed,
		BaselineValue:     reference,
		Severity:          rule.Severity,
		FiredAt:           cd.FiredAt,
		CooldownExpiresAt: cd.ExpiresAt,
	}, true
}

func verdictError(ruleID string, candidates int, report RuleReport) error {
	switch {
	case candidates == 0:
		return &EvaluationError{RuleID: ruleID, Err: ErrNoSubjects}
	case report.Evaluated == 0 && report.Skipped > 0:
		return &EvaluationError{RuleID: ruleID, Err: ErrMetricUnavailable}
	}
	return nil
}
