package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/brensch/panelpull/internal/orchestrator"
	"github.com/brensch/panelpull/internal/progress"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract and redact the archives already downloaded for a run",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg, err := getConfig(false)
		if err != nil {
			return err
		}
		if err := cfg.ValidateLocal(); err != nil {
			return err
		}
		deps := orchestrator.Deps{Recorder: getRecorder(cfg.RunID), Reporter: progress.NewLogReporter(logger), Logger: logger.With(slog.String("run_id", cfg.RunID))}

		summary, err := orchestrator.Extract(cmd.Context(), deps, cfg)
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %d archives (%d failed), %d records, %d images redacted, %d skipped\n",
			cfg.RunID, summary.Archives, summary.FailedArchives, summary.RecordsExtracted, summary.MediaExtracted, summary.MediaSkipped)
		if err != nil {
			return fmt.Errorf("extract failed: %w", err)
		}
		return nil
	},
}
