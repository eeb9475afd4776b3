package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired artifacts once and exit",
	Long: `Delete artifacts older than the TTL, then the oldest remaining artifacts
until the store fits under the size cap.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().Duration("ttl", 0, "Maximum artifact age, overrides artifacts.ttl")
	sweepCmd.Flags().String("max-bytes", "", "Size cap such as 20GB, overrides artifacts.max_bytes")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	ttl := cfg.Artifacts.TTL
	if cmd.Flags().Changed("ttl") {
		ttl, _ = cmd.Flags().GetDuration("ttl")
	}
	maxBytes := cfg.Artifacts.MaxBytes
	if raw, _ := cmd.Flags().GetString("max-bytes"); raw != "" {
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("invalid --max-bytes: %w", err)
		}
		maxBytes = int64(n)
	}

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.sweeper().Sweep(ctx, ttl, maxBytes)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, f := range result.Files {
		fmt.Fprintf(out, "deleted %s\n", f)
	}
	fmt.Fprintf(out, "%d artifacts deleted, %s freed\n", result.Deleted, humanize.Bytes(uint64(result.FreedBytes)))
	return nil
}
