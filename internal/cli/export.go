package cli

import (
	"github.com/spf13/cobra"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/app"
)

var (
	exportFeed      string
	exportCSVPath   string
	exportPNGPath   string
	exportColumn    string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export <code>",
	Short: "Export one instrument's dataset as CSV and/or a PNG chart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Feed:      exportFeed,
			Code:      args[0],
			CSVPath:   exportCSVPath,
			PNGPath:   exportPNGPath,
			Column:    exportColumn,
			MaxPoints: exportMaxPoints,
		}
		return getApp().Export(opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFeed, "feed", "", "Feed to export from (defaults to config)")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Write the rows to this CSV file")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Render a chart to this PNG file")
	exportCmd.Flags().StringVar(&exportColumn, "column", "", "Numeric column to chart (default futs_prpr)")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Downsample to at most this many rows (defaults to config)")
}
