// Package saver exports the DuckDB state tables, such as the event log, to Parquet.
package saver

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	_ "github.com/marcboeker/go-duckdb"
)

// SaveTablesToParquet writes each table in db to {outputDir}/{table}.parquet
// and returns the paths written.
func SaveTablesToParquet(ctx context.Context, db *sql.DB, outputDir string, logger *slog.Logger) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory '%s': %w", outputDir, err)
	}

	tableNames, err := listTables(ctx, db)
	if err != nil {
		return nil, err
	}
	if len(tableNames) == 0 {
		logger.Info("No tables found in the database to save.")
		return nil, nil
	}
	logger.Info("Found tables to save.", slog.Int("count", len(tableNames)))

	outputs := make([]string, len(tableNames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, tn := range tableNames {
		i, tn := i, tn
		g.Go(func() error {
			l := logger.With(slog.String("table", tn))
			safeFilename := strings.ReplaceAll(strings.ReplaceAll(tn, `"`, ""), "/", "_")
			outputFilePath := filepath.Join(outputDir, safeFilename+".parquet")
			duckdbFilePath := strings.ReplaceAll(outputFilePath, `\`, `/`)

			quotedTableName := fmt.Sprintf(`"%s"`, strings.ReplaceAll(tn, `"`, `""`))
			copySQL := fmt.Sprintf(`COPY %s TO '%s' (FORMAT PARQUET);`, quotedTableName, strings.ReplaceAll(duckdbFilePath, "'", "''"))

			if _, err := db.ExecContext(gctx, copySQL); err != nil {
				l.Error("Failed to save table to Parquet.", "error", err)
				return fmt.Errorf("save %s: %w", tn, err)
			}
			outputs[i] = outputFilePath
			l.Info("Saved table to Parquet.", slog.String("output_path", outputFilePath))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

func listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA show_tables;`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tableNames []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tableNames = append(tableNames, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}
	return tableNames, nil
}
