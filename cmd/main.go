package main

import (
	"fmt"
	"os"

	"github.com/okian/feedbackloop/internal/config"
	"github.com/okian/feedbackloop/pkg/logger"
	"github.com/okian/feedbackloop/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	cfg        *config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "feedbackloop",
	Short: "Outcome feedback learning loop",
	Long: "Records predictions and their real-world outcomes, scores prediction accuracy " +
		"and retrains per-metric models once enough feedback has accumulated.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := logger.Init(); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		path := configPath
		if path == "" {
			path = os.Getenv(config.EnvConfigFile)
		}
		c, err := config.LoadFile(cmd.Context(), path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		metrics.Configure(
			metrics.WithNamespace(cfg.MetricsNamespace),
			metrics.WithMetricsEnabled(cfg.MetricsEnabled),
			metrics.WithRefreshInterval(cfg.MetricsRefreshInterval),
			metrics.WithCustomLabels(cfg.MetricsLabels),
		)

		if err := logger.SetLevelString(cfg.LogLevel); err != nil {
			logger.Get().Warn(cmd.Context(), "invalid log_level; falling back to info",
				logger.String("log_level", cfg.LogLevel), logger.Error(err))
			_ = logger.SetLevelString("info")
		}
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		_ = logger.Sync()
	},
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"YAML config file (defaults to $"+config.EnvConfigFile+")")
	rootCmd.AddCommand(serveCmd, cycleCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
