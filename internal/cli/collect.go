package cli

import (
	"github.com/spf13/cobra"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/app"
)

var (
	collectFeed        string
	collectInstruments []string
	collectForceFull   bool
	collectDryRun      bool
	collectWatch       bool
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run one incremental collection over the configured instruments",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.CollectOptions{
			Feed:        collectFeed,
			Instruments: collectInstruments,
			ForceFull:   collectForceFull,
			DryRun:      collectDryRun,
			Watch:       collectWatch,
		}
		return getApp().Collect(cmd.Context(), opts)
	},
}

func init() {
	collectCmd.Flags().StringVar(&collectFeed, "feed", "", "Feed to collect: daily, minute or investor (defaults to config)")
	collectCmd.Flags().StringSliceVar(&collectInstruments, "instruments", nil, "Instrument codes to collect, comma separated (defaults to config)")
	collectCmd.Flags().BoolVar(&collectForceFull, "force-full", false, "Ignore watermarks and refetch the whole lookback window")
	collectCmd.Flags().BoolVar(&collectDryRun, "dry-run", false, "Plan date ranges without fetching or writing anything")
	collectCmd.Flags().BoolVar(&collectWatch, "watch", false, "Keep collecting on the configured watch interval")
}
