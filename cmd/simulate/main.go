package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/feedbackloop/internal/simulate"
	"github.com/okian/feedbackloop/pkg/logger"
	"github.com/spf13/cobra"
)

const runTimeout = 10 * time.Minute

func newRootCmd() *cobra.Command {
	var (
		cfg     simulate.Config
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive a running feedback loop with synthetic predictions and outcomes",
		Example: "  simulate --url http://localhost:9080 --predictions 500 --workers 16\n" +
			"  simulate --replays 20 --force-cycle -v",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := logger.Init(); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if verbose {
				_ = logger.SetLevelString("debug")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, runTimeout)
			defer cancel()

			cfg.Verbose = verbose
			rep, err := simulate.Run(ctx, cfg)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "url", "http://localhost:9080", "base URL of the service")
	f.IntVar(&cfg.Predictions, "predictions", simulate.DefaultPredictions, "predictions to submit")
	f.IntVar(&cfg.Workers, "workers", simulate.DefaultWorkers, "concurrent requests")
	f.DurationVar(&cfg.Timeout, "timeout", simulate.DefaultTimeout, "per-request timeout")
	f.DurationVar(&cfg.Settle, "settle", simulate.DefaultSettle, "max wait for queued cycles to finish")
	f.Uint64Var(&cfg.Seed, "seed", 1, "seed for generated traffic")
	f.IntVar(&cfg.Replays, "replays", 0, "outcomes to resubmit as retries")
	f.BoolVar(&cfg.ForceCycle, "force-cycle", false, "request a final cycle for leftover outcomes")
	f.BoolVarP(&verbose, "verbose", "v", false, "log every outcome")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
