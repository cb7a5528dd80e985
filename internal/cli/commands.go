package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bl8ckfz/dealer-engine/internal/app"
	"github.com/bl8ckfz/dealer-engine/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine: ingest samples, score, alert and serve the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Generate random-walk candles and score them or publish them to NATS",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.Count < 0 {
			return fmt.Errorf("--count must be >= 0, got %d", simulateOpts.Count)
		}
		return getApp().Simulate(cmd.Context(), cmd.OutOrStdout(), simulateOpts)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the TimescaleDB tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateOpts.Count, "count", 0, "Candles per symbol; 0 streams until interrupted")
	simulateCmd.Flags().BoolVar(&simulateOpts.Publish, "publish", false, "Publish samples to NATS instead of scoring locally")
	simulateCmd.Flags().Int64Var(&simulateOpts.Seed, "seed", 0, "Override the simulator seed")
	simulateCmd.Flags().StringSliceVar(&simulateOpts.Symbols, "symbols", nil, "Comma separated symbols to simulate")
}
