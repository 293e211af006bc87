package cli

import (
	"github.com/spf13/cobra"

	"winrate-watch/internal/app"
)

var analyzeOpts app.AnalyzeOptions

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run one analysis over a deal snapshot",
	Long: `Normalize the snapshot, compute segment metrics and driver rankings,
evaluate the alert rules and commit the run as the new baseline.

Only snapshot, baseline and configuration failures end with a non-zero exit;
degraded runs report warnings and still commit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Analyze(cmd.Context(), analyzeOpts)
	},
}

var watchOpts app.AnalyzeOptions

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-run the analysis on the configured schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Watch(cmd.Context(), watchOpts)
	},
}

func bindRunFlags(cmd *cobra.Command, opts *app.AnalyzeOptions) {
	cmd.Flags().StringVar(&opts.SnapshotPath, "snapshot", "", "Deal snapshot CSV (defaults to normalizer.snapshot)")
	cmd.Flags().StringVar(&opts.RulesPath, "rules", "", "Alert rules file (defaults to rules.path)")
	cmd.Flags().StringVar(&opts.OutDir, "out", "", "Output directory (defaults to output.dir)")
	cmd.Flags().StringVar(&opts.Period, "period", "", "Period to evaluate rules against, e.g. 2024-Q3 (defaults to the latest)")
	cmd.Flags().BoolVar(&opts.NoChart, "no-chart", false, "Skip PNG charts")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Write outputs but neither commit nor deliver alerts")
}

func init() {
	bindRunFlags(analyzeCmd, &analyzeOpts)
	bindRunFlags(watchCmd, &watchOpts)
}
