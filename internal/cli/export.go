package cli

import (
	"github.com/spf13/cobra"

	"winrate-watch/internal/app"
)

var exportOpts app.ExportOptions

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the tables and charts of the last committed run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Export(cmd.Context(), exportOpts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOpts.OutDir, "out", "", "Output directory (defaults to output.dir)")
	exportCmd.Flags().BoolVar(&exportOpts.NoChart, "no-chart", false, "Skip PNG charts")
}
