package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/brensch/panelpull/internal/orchestrator"
	"github.com/brensch/panelpull/internal/progress"
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Merge a run's extracted record files into one CSV per entity and record type",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg, err := getConfig(false)
		if err != nil {
			return err
		}
		deps := orchestrator.Deps{Recorder: getRecorder(cfg.RunID), Reporter: progress.NewLogReporter(logger), Logger: logger.With(slog.String("run_id", cfg.RunID))}

		summary, err := orchestrator.Consolidate(cmd.Context(), deps, cfg)
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %d entities, %d artifacts, %d rows, %d failed\n",
			cfg.RunID, summary.Entities, summary.Artifacts, summary.Rows, summary.Failed)
		if err != nil {
			return fmt.Errorf("consolidate failed: %w", err)
		}
		return nil
	},
}
