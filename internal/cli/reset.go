package cli

import (
	"github.com/spf13/cobra"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/app"
)

var resetFeed string

var resetCmd = &cobra.Command{
	Use:   "reset <code> [code...]",
	Short: "Delete watermarks so the next run refetches the full lookback window",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Reset(app.ResetOptions{Feed: resetFeed, Codes: args})
	},
}

func init() {
	resetCmd.Flags().StringVar(&resetFeed, "feed", "", "Feed whose watermarks to reset (defaults to config)")
}
