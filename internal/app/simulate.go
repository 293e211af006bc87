package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"winrate-watch/internal/alerting"
	"winrate-watch/internal/deal"
	"winrate-watch/internal/rules"
)

// SimulateAlert pushes a synthetic alert through the configured channels
// without touching the baseline.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	alert, err := simulatedAlert(opts, time.Now().UTC())
	if err != nil {
		return err
	}

	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	note := alerting.Notification{
		RunID:     "simulated",
		Period:    deal.PeriodOf(alert.FiredAt, deal.Granularity(a.Config.Metrics.Granularity)),
		Alert:     alert,
		Simulated: true,
		Note:      "Synthetic alert sent by simulate-alert",
	}
	if err := notifier.Notify(ctx, note); err != nil {
		return err
	}

	a.Logger.Info().Str("rule", alert.RuleID).Str("subject", alert.Subject()).Msg("simulated alert delivered")
	return nil
}

func simulatedAlert(opts SimulateOptions, now time.Time) (rules.Alert, error) {
	severity := rules.Severity(strings.ToLower(opts.Severity))
	switch severity {
	case rules.SeverityInfo, rules.SeverityWarning, rules.SeverityCritical:
	default:
		return rules.Alert{}, fmt.Errorf("unknown severity %q", opts.Severity)
	}

	key, err := parseSegment(opts.Segment)
	if err != nil {
		return rules.Alert{}, err
	}
	metric := opts.Metric
	if metric == "" {
		metric = "win_rate"
		if opts.Feature != "" {
			metric = string(rules.MetricDriverDirection)
		}
	}
	ruleID := opts.RuleID
	if ruleID == "" {
		ruleID = "simulated"
	}

	return rules.Alert{
		RunID:             "simulated",
		RuleID:            ruleID,
		SegmentKey:        key,
		Feature:           opts.Feature,
		MetricName:        metric,
		ObservedValue:     opts.Observed,
		BaselineValue:     opts.Baseline,
		Severity:          severity,
		FiredAt:           now,
		CooldownExpiresAt: now,
	}, nil
}

// parseSegment reads "region=APAC,product_type=Enterprise"; empty is the
// global segment.
func parseSegment(raw string) (deal.SegmentKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var key deal.SegmentKey
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '|' }) {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("segment part %q must be dimension=value", part)
		}
		dim, known := deal.ParseDimension(strings.TrimSpace(name))
		if !known {
			return nil, fmt.Errorf("unknown dimension %q", name)
		}
		key = append(key, deal.Pair{Dimension: dim, Value: strings.TrimSpace(value)})
	}
	return key, nil
}
