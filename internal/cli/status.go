package cli

import (
	"github.com/spf13/cobra"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/app"
)

var statusFeed string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the watermark position and row count of every tracked instrument",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(app.StatusOptions{Feed: statusFeed})
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFeed, "feed", "", "Feed to inspect (defaults to config)")
}
