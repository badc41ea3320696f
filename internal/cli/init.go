package cli

import (
	"github.com/spf13/cobra"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/app"
)

var initFeed string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Rebuild watermark metadata from the dataset files on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Init(app.InitOptions{Feed: initFeed})
	},
}

func init() {
	initCmd.Flags().StringVar(&initFeed, "feed", "", "Feed whose metadata to rebuild (defaults to config)")
}
