package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/brensch/panelpull/internal/layout"
	"github.com/brensch/panelpull/internal/orchestrator"
	"github.com/brensch/panelpull/internal/progress"
	"github.com/brensch/panelpull/internal/storage"
)

var useTUI bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full download, extract and consolidate pipeline",
	Long: `Performs the complete pipeline for one run:
1. Lists every object under --prefix modified between --start and --end.
2. Downloads them in batches into {run}/zipped/{entity}, skipping files already present.
3. Extracts record files and screenshots, redacting faces in the screenshots.
4. Consolidates each entity's record files into one CSV per record type.
Re-running with the same --run-id resumes: existing downloads and images are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg, err := getConfig(true)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		store, err := storage.Open(ctx, cfg.Storage, logger)
		if err != nil {
			return fmt.Errorf("open object store: %w", err)
		}
		deps := orchestrator.Deps{Store: store, Recorder: getRecorder(cfg.RunID), Logger: logger}

		if !useTUI {
			deps.Reporter = progress.NewLogReporter(logger)
			summary, err := orchestrator.Run(ctx, deps, cfg)
			printSummary(cmd.OutOrStdout(), cfg.RunID, summary)
			if err != nil {
				return fmt.Errorf("run failed: %w", err)
			}
			return nil
		}

		// Log lines would tear the view, so they go to the run directory instead.
		if logOutput == "" || logOutput == "stderr" || logOutput == "stdout" {
			lay := layout.New(cfg.OutputRoot, cfg.RunID)
			if err := os.MkdirAll(lay.RunDir(), 0o755); err != nil {
				return err
			}
			fileLogger, err := newLogger(logLevel, logFormat, filepath.Join(lay.RunDir(), "run.log"))
			if err != nil {
				return err
			}
			deps.Logger = fileLogger
		}

		model := progress.NewModel("panelpull " + cfg.RunID)
		program := tea.NewProgram(model)
		deps.Reporter = progress.NewTUIReporter(program)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		var summary orchestrator.Summary
		var runErr error
		done := make(chan struct{})
		go func() {
			defer close(done)
			summary, runErr = orchestrator.Run(runCtx, deps, cfg)
			program.Send(progress.PipelineDoneMsg{Err: runErr})
		}()

		if _, err := program.Run(); err != nil {
			cancel()
			<-done
			return fmt.Errorf("progress view failed: %w", err)
		}
		if model.Quitting {
			logger.Warn("Interrupted from the progress view, waiting for workers to stop.")
			cancel()
		}
		<-done
		printSummary(cmd.OutOrStdout(), cfg.RunID, summary)
		if runErr != nil {
			return fmt.Errorf("run failed: %w", runErr)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&useTUI, "tui", false, "Show an interactive progress view instead of log lines")
}

func printSummary(w io.Writer, runID string, s orchestrator.Summary) {
	fmt.Fprintf(w, "\nRun %s\n", runID)
	fmt.Fprintf(w, "  discovered:   %d objects\n", s.Discovered)
	fmt.Fprintf(w, "  downloaded:   %d fetched, %d skipped, %d failed batches\n", s.Download.Fetched, s.Download.Skipped, s.Download.FailedBatches)
	fmt.Fprintf(w, "  extracted:    %d archives (%d failed), %d records, %d images redacted, %d skipped\n",
		s.Extract.Archives, s.Extract.FailedArchives, s.Extract.RecordsExtracted, s.Extract.MediaExtracted, s.Extract.MediaSkipped)
	fmt.Fprintf(w, "  consolidated: %d artifacts, %d rows, %d failed\n", s.Consolidate.Artifacts, s.Consolidate.Rows, s.Consolidate.Failed)
}
