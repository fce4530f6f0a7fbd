package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/brensch/panelpull/internal/orchestrator"
	"github.com/brensch/panelpull/internal/progress"
	"github.com/brensch/panelpull/internal/storage"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "List and download the exports of a date range without extracting them",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg, err := getConfig(true)
		if err != nil {
			return err
		}
		if err := cfg.ValidateStorage(); err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := storage.Open(ctx, cfg.Storage, logger)
		if err != nil {
			return fmt.Errorf("open object store: %w", err)
		}
		deps := orchestrator.Deps{Store: store, Recorder: getRecorder(cfg.RunID), Reporter: progress.NewLogReporter(logger), Logger: logger.With(slog.String("run_id", cfg.RunID))}

		objects, err := orchestrator.Discover(ctx, deps, cfg)
		if err != nil {
			return err
		}
		summary, err := orchestrator.Download(ctx, deps, cfg, objects)
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %d discovered, %d fetched, %d skipped, %d failed batches\n",
			cfg.RunID, len(objects), summary.Fetched, summary.Skipped, summary.FailedBatches)
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		return nil
	},
}
