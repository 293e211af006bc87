package cli

import (
	"github.com/spf13/cobra"

	"winrate-watch/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic alert through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), simulateOpts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOpts.RuleID, "rule", "simulated", "Rule id shown in the alert")
	simulateCmd.Flags().StringVar(&simulateOpts.Segment, "segment", "", "Segment as dimension=value pairs, e.g. region=APAC,product_type=Enterprise")
	simulateCmd.Flags().StringVar(&simulateOpts.Feature, "feature", "", "Driver feature name; makes this a driver alert")
	simulateCmd.Flags().StringVar(&simulateOpts.Metric, "metric", "", "Metric name (defaults to win_rate, or driver_direction with --feature)")
	simulateCmd.Flags().Float64Var(&simulateOpts.Observed, "observed", 0.18, "Observed value")
	simulateCmd.Flags().Float64Var(&simulateOpts.Baseline, "baseline", 0.25, "Baseline value")
	simulateCmd.Flags().StringVar(&simulateOpts.Severity, "severity", "warning", "info, warning or critical")
}
