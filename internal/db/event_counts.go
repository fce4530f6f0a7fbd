package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// EventCounts tallies events of one run by (filetype, event), keyed "filetype/event".
// Used for the end-of-run summary and the state command.
func EventCounts(ctx context.Context, dbConnPool *sql.DB, runID string, logger *slog.Logger) (map[string]int, error) {
	logger.Debug("Querying database for event counts.", slog.String("run_id", runID))
	counts := make(map[string]int)

	query := `
		SELECT filetype, event, COUNT(*)
		FROM panel_event_log
		WHERE run_id = ?
		GROUP BY filetype, event
		ORDER BY filetype, event;
	`
	rows, err := dbConnPool.QueryContext(ctx, query, runID)
	if err != nil {
		logger.Error("Failed to query event counts", "error", err, "run_id", runID)
		return nil, fmt.Errorf("query event counts: %w", err)
	}
	defer rows.Close()

	var scanErrors error
	for rows.Next() {
		var filetype, event string
		var n int
		if err := rows.Scan(&filetype, &event, &n); err != nil {
			logger.Error("Failed to scan event count row", "error", err)
			scanErrors = errors.Join(scanErrors, fmt.Errorf("scan event count: %w", err))
			continue
		}
		counts[filetype+"/"+event] = n
	}

	if err := rows.Err(); err != nil {
		logger.Error("Error iterating over event count results", "error", err)
		scanErrors = errors.Join(scanErrors, fmt.Errorf("iterate event counts: %w", err))
		return counts, scanErrors
	}

	logger.Debug("Event counts loaded.", slog.Int("distinct", len(counts)))
	return counts, scanErrors
}
