// Package inspector summarizes a run's consolidated artifacts using DuckDB.
package inspector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/brensch/panelpull/internal/layout"

	_ "github.com/marcboeker/go-duckdb"
)

// TypeSummary describes every artifact of one record type across entities.
type TypeSummary struct {
	Type      string
	Files     []string
	Rows      int64
	Columns   []Column
	SchemaErr error
	StatsErr  error
}

type Column struct {
	Name string
	Type string
}

// artifactTypeFromName turns "session_data-consolidated.csv" into "session_data".
func artifactTypeFromName(name string) (string, bool) {
	t, ok := strings.CutSuffix(name, "-consolidated.csv")
	return t, ok && t != ""
}

// Summarize groups the run's artifacts by record type and reads each group
// through read_csv_auto to get a unified schema and a row count.
func Summarize(ctx context.Context, db *sql.DB, lay layout.Layout, logger *slog.Logger) ([]TypeSummary, error) {
	pattern := filepath.Join(lay.CombinedRoot(), "*", "metadata", "*-consolidated.csv")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob artifacts: %w", err)
	}
	if len(paths) == 0 {
		logger.Info("No consolidated artifacts found.", slog.String("root", lay.CombinedRoot()))
		return nil, nil
	}

	byType := make(map[string][]string)
	for _, p := range paths {
		t, ok := artifactTypeFromName(filepath.Base(p))
		if !ok {
			continue
		}
		byType[t] = append(byType[t], p)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	summaries := make([]TypeSummary, 0, len(types))
	for _, t := range types {
		l := logger.With(slog.String("type", t))
		s := TypeSummary{Type: t, Files: byType[t]}
		source := readCSVSource(s.Files)

		s.Columns, s.SchemaErr = describe(ctx, conn, source)
		if s.SchemaErr != nil {
			l.Error("Failed getting schema for type.", "error", s.SchemaErr)
		}
		if err := conn.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s;", source)).Scan(&s.Rows); err != nil {
			s.StatsErr = fmt.Errorf("count rows of %s: %w", t, err)
			l.Error("Failed getting statistics for type.", "error", err)
		}
		l.Debug("Type summarized.", slog.Int("files", len(s.Files)), slog.Int64("rows", s.Rows))
		summaries = append(summaries, s)
	}
	return summaries, nil
}

func readCSVSource(files []string) string {
	quoted := make([]string, len(files))
	for i, p := range files {
		dp := strings.ReplaceAll(p, `\`, `/`)
		quoted[i] = fmt.Sprintf("'%s'", strings.ReplaceAll(dp, "'", "''"))
	}
	return fmt.Sprintf("read_csv_auto([%s], union_by_name=true, header=true)", strings.Join(quoted, ", "))
}

func describe(ctx context.Context, conn *sql.Conn, source string) ([]Column, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("DESCRIBE SELECT * FROM %s;", source))
	if err != nil {
		return nil, fmt.Errorf("query schema: %w", err)
	}
	defer rows.Close()
	var cols []Column
	for rows.Next() {
		var name, typ, null, key, def, extra sql.NullString
		if err := rows.Scan(&name, &typ, &null, &key, &def, &extra); err != nil {
			return nil, fmt.Errorf("scan schema row: %w", err)
		}
		cols = append(cols, Column{Name: name.String, Type: typ.String})
	}
	return cols, rows.Err()
}

// Print writes the summaries as a schema listing followed by a statistics table.
// Any per-type errors are joined into the returned error.
func Print(w io.Writer, summaries []TypeSummary) error {
	fmt.Fprintln(w, "\n--- Consolidated Artifact Summary ---")
	var errs []error
	for _, s := range summaries {
		fmt.Fprintf(w, "\n=== Record Type: %s ===\n", s.Type)
		fmt.Fprintf(w, "    (Found %d artifacts)\n", len(s.Files))
		if s.SchemaErr != nil {
			fmt.Fprintf(w, "    ERROR retrieving schema: %v\n", s.SchemaErr)
		} else {
			fmt.Fprintf(w, "  %-30s | %s\n", "Column Name", "Column Type")
			fmt.Fprintln(w, "  "+strings.Repeat("-", 50))
			for _, c := range s.Columns {
				fmt.Fprintf(w, "  %-30s | %s\n", c.Name, c.Type)
			}
		}
		errs = append(errs, s.SchemaErr, s.StatsErr)
	}

	fmt.Fprintln(w, "\n--- Aggregated Statistics ---")
	fmt.Fprintf(w, "%-30s | %-10s | %-15s | %s\n", "Record Type", "Artifacts", "Total Rows", "Errors")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, s := range summaries {
		errorStr := ""
		switch {
		case s.SchemaErr != nil && s.StatsErr != nil:
			errorStr = "Schema & Stats Error"
		case s.SchemaErr != nil:
			errorStr = "Schema Error"
		case s.StatsErr != nil:
			errorStr = "Stats Error"
		}
		fmt.Fprintf(w, "%-30s | %-10d | %-15d | %s\n", s.Type, len(s.Files), s.Rows, errorStr)
	}
	fmt.Fprintln(w, strings.Repeat("-", 80))
	return errors.Join(errs...)
}
