package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run download workers without the HTTP API",
	Long: `Run download workers against the shared job store and queue. Requires
queue.backend=sql so that jobs submitted by the API process are visible.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().Int("count", 0, "Number of worker loops, overrides workers.count")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	if cfg.Queue.Backend != "sql" {
		return fmt.Errorf("worker needs queue.backend=sql, got %q", cfg.Queue.Backend)
	}
	if count, _ := cmd.Flags().GetInt("count"); count > 0 {
		cfg.Workers.Count = count
	}

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.maintenance(false)
	if err != nil {
		return err
	}
	sched.Start(ctx)

	logger.Info("Worker started", zap.Int("workers", cfg.Workers.Count))
	err = a.dispatcher.Run(ctx)
	logger.Info("Worker exited")
	return err
}
