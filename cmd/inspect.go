package cmd

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brensch/panelpull/internal/inspector"
	"github.com/brensch/panelpull/internal/layout"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Summarize a run's consolidated artifacts using DuckDB",
	Long:  `Reads every {type}-consolidated.csv of the run through DuckDB and shows the unified schema, artifact count and row count per record type.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg, err := getConfig(false)
		if err != nil {
			return err
		}

		conn := dbConn
		if conn == nil {
			if conn, err = sql.Open("duckdb", ""); err != nil {
				return fmt.Errorf("failed to open in-memory duckdb: %w", err)
			}
			defer conn.Close()
		}

		summaries, err := inspector.Summarize(cmd.Context(), conn, layout.New(cfg.OutputRoot, cfg.RunID), logger)
		if err != nil {
			return fmt.Errorf("inspection failed: %w", err)
		}
		if err := inspector.Print(cmd.OutOrStdout(), summaries); err != nil {
			logger.Warn("Inspection completed with errors", "error", err)
			return err
		}
		return nil
	},
}
