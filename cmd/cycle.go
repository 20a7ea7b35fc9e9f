package main

import (
	"encoding/json"
	"errors"
	"fmt"

	app "github.com/okian/feedbackloop/internal/app"
	"github.com/spf13/cobra"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one learning cycle against the configured store and print its report",
	Long: "Runs a learning cycle over the pending outcomes in the configured store. " +
		"Useful with store_driver=sqlite for scheduled offline retraining; exits " +
		"non-zero when too few outcomes are pending.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		svc, err := startService(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = svc.Stop(ctx) }()

		report, err := svc.RunCycle(ctx)
		if errors.Is(err, app.ErrInsufficientData) {
			return fmt.Errorf("no cycle run: %w", err)
		}
		if err != nil {
			return fmt.Errorf("run cycle: %w", err)
		}
		return printJSON(cmd, report)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print learning statistics from the configured store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		svc, err := startService(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = svc.Stop(ctx) }()

		stats, err := svc.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}
		return printJSON(cmd, stats)
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
