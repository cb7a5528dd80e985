package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bl8ckfz/dealer-engine/internal/app"
	"github.com/bl8ckfz/dealer-engine/internal/config"
	"github.com/bl8ckfz/dealer-engine/internal/version"
	"github.com/bl8ckfz/dealer-engine/pkg/observability"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "dealer-engine",
	Short:         "Score market regimes and fire alert rules from candle streams",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd.Name() == versionCmd.Name() {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := observability.NewLoggerWithOptions(cfg.App.Name, observability.LogOptions{
			Level:  observability.LogLevel(cfg.Logging.Level),
			Format: cfg.Logging.Format,
		})
		logger = logger.WithField("version", version.Version)
		log.Logger = logger.Zerolog()
		appHandle = app.New(cfg, logger.Zerolog())
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
