package rules

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"winrate-watch/internal/deal"
	"winrate-watch/internal/metrics"
)

// ErrInvalidRule marks a rule configuration that cannot be compiled.
var ErrInvalidRule = errors.New("invalid rule")

// Metric names the observed value of a rule.
type Metric string

// Driver metrics; every metrics.Field is also a valid Metric.
const (
	MetricDriverCoefficient    Metric = "driver_coefficient"
	MetricDriverMarginalEffect Metric = "driver_marginal_effect"
	MetricDriverDirection      Metric = "driver_direction"
)

// IsDriver reports whether m reads DriverResult rows.
func (m Metric) IsDriver() bool {
	switch m {
	case MetricDriverCoefficient, MetricDriverMarginalEffect, MetricDriverDirection:
		return true
	}
	return false
}

func (m Metric) valid() bool {
	if m.IsDriver() {
		return true
	}
	for _, f := range metrics.Fields {
		if Metric(f) == m {
			return true
		}
	}
	return false
}

// Comparator decides whether a rule condition holds.
type Comparator string

const (
	Below        Comparator = "below"
	Above        Comparator = "above"
	DeltaExceeds Comparator = "delta_exceeds"
)

// BaselineSource selects where a rule's reference value comes from.
type BaselineSource string

const (
	BaselineStatic  BaselineSource = "static"
	BaselineRolling BaselineSource = "rolling"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Scope decides which records a metric rule looks at.
type Scope string

const (
	ScopeSegment Scope = "segment"
	ScopeGlobal  Scope = "global"
)

// BaselineSpec is the decoded baseline block of a rule.
type BaselineSpec struct {
	Source  string  `mapstructure:"source"`
	Value   float64 `mapstructure:"value"`
	Periods int     `mapstructure:"periods"`
}

// Spec is a rule as written in the rules file.
type Spec struct {
	Metric     string        `mapstructure:"metric"`
	Comparator string        `mapstructure:"comparator"`
	Threshold  float64       `mapstructure:"threshold"`
	Baseline   *BaselineSpec `mapstructure:"baseline"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
	Severity   string        `mapstructure:"severity"`
	Scope      string        `mapstructure:"scope"`
	Grouping   []string      `mapstructure:"grouping"`
	Feature    string        `mapstructure:"feature"`
}

// Baseline is a compiled reference source.
type Baseline struct {
	Source  BaselineSource
	Value   float64
	Periods int
}

// Rule is a compiled, validated alert rule.
type Rule struct {
	ID         string
	Metric     Metric
	Comparator Comparator
	Threshold  float64
	Baseline   *Baseline
	Cooldown   time.Duration
	Severity   Severity
	Scope      Scope
	// Grouping restricts segment rules to one dimension set; empty matches all.
	Grouping string
	// Feature restricts driver rules to one feature name; empty matches all.
	Feature string
}

// Compile validates specs and returns rules sorted by ID.
func Compile(specs map[string]Spec) ([]Rule, error) {
	ids := make([]string, 0, len(specs))
	for id := range specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Rule, 0, len(ids))
	for _, id := range ids {
		r, err := compileOne(id, specs[id])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func compileOne(id string, s Spec) (Rule, error) {
	fail := func(format string, args ...any) (Rule, error) {
		return Rule{}, fmt.Errorf("%w %q: %s", ErrInvalidRule, id, fmt.Sprintf(format, args...))
	}
	if id == "" {
		return fail("rule id is empty")
	}

	r := Rule{
		ID:         id,
		Metric:     Metric(s.Metric),
		Comparator: Comparator(s.Comparator),
		Threshold:  s.Threshold,
		Cooldown:   s.Cooldown,
		Severity:   Severity(s.Severity),
		Scope:      Scope(s.Scope),
		Feature:    s.Feature,
	}
	if !r.Metric.valid() {
		return fail("unknown metric %q", s.Metric)
	}
	if r.Severity == "" {
		r.Severity = SeverityWarning
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return fail("unknown severity %q", s.Severity)
	}
	if r.Cooldown <= 0 {
		return fail("cooldown must be positive")
	}

	if r.Metric.IsDriver() {
		if r.Scope != "" || len(s.Grouping) > 0 {
			return fail("driver rules take no scope or grouping")
		}
	} else {
		if r.Feature != "" {
			return fail("feature applies to driver rules only")
		}
		if r.Scope == "" {
			r.Scope = ScopeSegment
		}
		if r.Scope != ScopeSegment && r.Scope != ScopeGlobal {
			return fail("unknown scope %q", s.Scope)
		}
		dims := make([]deal.Dimension, 0, len(s.Grouping))
		for _, name := range s.Grouping {
			dim, ok := deal.ParseDimension(name)
			if !ok {
				return fail("unknown grouping dimension %q", name)
			}
			dims = append(dims, dim)
		}
		if r.Scope == ScopeGlobal && len(dims) > 0 {
			return fail("global rules take no grouping")
		}
		r.Grouping = deal.Grouping(dims)
	}

	if s.Baseline != nil {
		b := &Baseline{Source: BaselineSource(s.Baseline.Source), Value: s.Baseline.Value, Periods: s.Baseline.Periods}
		switch b.Source {
		case BaselineStatic:
		case BaselineRolling:
			if r.Metric.IsDriver() {
				return fail("driver rules cannot use a rolling baseline")
			}
			if b.Periods <= 0 {
				return fail("rolling baseline needs periods > 0")
			}
		default:
			return fail("unknown baseline source %q", s.Baseline.Source)
		}
		r.Baseline = b
	}

	if r.Metric == MetricDriverDirection {
		if r.Comparator != "" || r.Baseline != nil {
			return fail("driver_direction compares against the previous run only")
		}
		return r, nil
	}

	switch r.Comparator {
	case Below, Above:
	case DeltaExceeds:
		if r.Threshold < 0 {
			return fail("delta_exceeds threshold cannot be negative")
		}
		if r.Baseline == nil && !r.Metric.IsDriver() {
			return fail("delta_exceeds needs a baseline")
		}
	default:
		return fail("unknown comparator %q", s.Comparator)
	}
	return r, nil
}

// Holds applies the comparator. reference is the threshold for below/above
// and the baseline for delta_exceeds.
func (r Rule) Holds(observed, reference float64) bool {
	switch r.Comparator {
	case Below:
		return observed < reference
	case Above:
		return observed > reference
	case DeltaExceeds:
		diff := observed - reference
		if diff < 0 {
			diff = -diff
		}
		return diff > r.Threshold
	}
	return false
}
