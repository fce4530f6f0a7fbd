package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/brensch/panelpull/internal/saver"
)

var saveDir string

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Saves the state tables from the DuckDB database to Parquet files",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		if dbConn == nil {
			return errors.New("no state database configured (--db-path)")
		}
		logger.Info("Starting table save process.", slog.String("db_path", appConfig.DbPath), slog.String("output_dir", saveDir))

		paths, err := saver.SaveTablesToParquet(cmd.Context(), dbConn, saveDir, logger)
		if err != nil {
			return fmt.Errorf("save failed: %w", err)
		}
		for _, p := range paths {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func init() {
	saveCmd.Flags().StringVar(&saveDir, "out", "./state_export", "Directory the Parquet files are written to")
}
