package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // Driver
)

// Constants for event types
const (
	EventDiscovered    = "discovered"
	EventDownloadStart = "download_start"
	EventDownloadEnd   = "download_end"
	EventSkipDownload  = "skip_download"
	EventExtractStart  = "extract_start"
	EventExtractEnd    = "extract_end"
	EventSkipExtract   = "skip_extract"
	EventRedactEnd     = "redact_end"
	EventDeleteArchive = "delete_archive"
	EventConsolidate   = "consolidate_end"
	EventError         = "error"
)

// Constants for file types
const (
	FileTypeArchive  = "archive"  // remote object / downloaded zip
	FileTypeRecord   = "record"   // extracted csv
	FileTypeImage    = "image"    // redacted media
	FileTypeArtifact = "artifact" // consolidated csv
)

// Schema SQL
const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS panel_event_log_id_seq;`
const schemaTableSQL = `
CREATE TABLE IF NOT EXISTS panel_event_log (
    log_id          BIGINT PRIMARY KEY DEFAULT nextval('panel_event_log_id_seq'),
    run_id          VARCHAR NOT NULL,
    entity          VARCHAR,
    filename        VARCHAR NOT NULL,      -- object key, archive entry or artifact name
    filetype        VARCHAR NOT NULL,      -- 'archive', 'record', 'image', 'artifact'
    event           VARCHAR NOT NULL,
    event_timestamp TIMESTAMP NOT NULL,
    output_path     VARCHAR,
    message         VARCHAR,
    size_bytes      BIGINT,
    duration_ms     BIGINT
);
CREATE INDEX IF NOT EXISTS idx_panel_event_log_file ON panel_event_log (filename, filetype);
CREATE INDEX IF NOT EXISTS idx_panel_event_log_run ON panel_event_log (run_id, event);
`

// InitializeSchema creates the sequence and tables in the correct order.
func InitializeSchema(db *sql.DB) error {
	_, err := db.Exec(schemaSequenceSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute sequence setup: %w", err)
	}
	_, err = db.Exec(schemaTableSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute table/index setup: %w", err)
	}
	return nil
}

// Event is one row of the event log.
type Event struct {
	Entity     string
	Filename   string
	FileType   string
	Event      string
	OutputPath string
	Message    string
	Size       int64
	Duration   *time.Duration
}

// Recorder appends pipeline events for one run. A nil *Recorder records nothing,
// so stages can be driven without a database.
type Recorder struct {
	db    *sql.DB
	runID string
}

func NewRecorder(db *sql.DB, runID string) *Recorder {
	if db == nil {
		return nil
	}
	return &Recorder{db: db, runID: runID}
}

// DB exposes the underlying connection for read-side commands.
func (r *Recorder) DB() *sql.DB {
	if r == nil {
		return nil
	}
	return r.db
}

// LogFileEvent inserts a new event record into the log.
func (r *Recorder) LogFileEvent(ctx context.Context, e Event) error {
	if r == nil {
		return nil
	}
	query := `
        INSERT INTO panel_event_log (run_id, entity, filename, filetype, event, event_timestamp, output_path, message, size_bytes, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
    `
	var durationMs sql.NullInt64
	if e.Duration != nil {
		durationMs = sql.NullInt64{Int64: e.Duration.Milliseconds(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		r.runID,
		sql.NullString{String: e.Entity, Valid: e.Entity != ""},
		e.Filename,
		e.FileType,
		e.Event,
		time.Now().UTC(),
		sql.NullString{String: e.OutputPath, Valid: e.OutputPath != ""},
		sql.NullString{String: e.Message, Valid: e.Message != ""},
		sql.NullInt64{Int64: e.Size, Valid: e.Size > 0},
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to log event '%s' for '%s': %w", e.Event, e.Filename, err)
	}
	return nil
}

// GetLatestFileEvent retrieves the most recent event record for a specific file.
func GetLatestFileEvent(ctx context.Context, db *sql.DB, filename, filetype string) (event string, timestamp time.Time, message string, found bool, err error) {
	query := `
        SELECT event, event_timestamp, message
        FROM panel_event_log
        WHERE filename = ? AND filetype = ?
        ORDER BY event_timestamp DESC, log_id DESC
        LIMIT 1;
    `
	var msg sql.NullString
	row := db.QueryRowContext(ctx, query, filename, filetype)
	err = row.Scan(&event, &timestamp, &msg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, "", false, nil
		}
		return "", time.Time{}, "", false, fmt.Errorf("failed query latest event for '%s' (%s): %w", filename, filetype, err)
	}
	return event, timestamp, msg.String, true, nil
}

// HistoryFilter narrows DisplayFileHistory. Empty fields match everything.
type HistoryFilter struct {
	RunID    string
	Entity   string
	FileType string
	Event    string
	Limit    int
}

// DisplayFileHistory queries and prints the event log for files.
func DisplayFileHistory(ctx context.Context, db *sql.DB, f HistoryFilter) error {
	query := `
        SELECT run_id, entity, filename, filetype, event, event_timestamp, message, duration_ms, output_path
        FROM panel_event_log
    `
	conditions := []string{}
	args := []any{}
	argCounter := 1

	for _, c := range []struct{ col, val string }{
		{"run_id", f.RunID}, {"entity", f.Entity}, {"filetype", f.FileType}, {"event", f.Event},
	} {
		if c.val == "" {
			continue
		}
		conditions = append(conditions, fmt.Sprintf("%s = $%d", c.col, argCounter))
		args = append(args, c.val)
		argCounter++
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += fmt.Sprintf(" ORDER BY event_timestamp DESC, log_id DESC LIMIT $%d", argCounter)
	args = append(args, f.Limit)

	fmt.Printf("--- Event Log History (Limit %d) ---\n", f.Limit)
	fmt.Printf("%-44s | %-12s | %-50s | %-8s | %-15s | %-25s | %-10s | %s\n", "Run", "Entity", "Filename", "Type", "Event", "Timestamp (UTC)", "DurationMS", "Message/Details")
	fmt.Println(strings.Repeat("-", 190))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query event log: %w \n Query: %s \n Args: %v", err, query, args)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var runID, filename, filetype, event string
		var timestamp time.Time
		var entity, message, outputPath sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&runID, &entity, &filename, &filetype, &event, &timestamp, &message, &durationMs, &outputPath); err != nil {
			return fmt.Errorf("failed to scan event log row: %w", err)
		}

		durationStr := ""
		if durationMs.Valid {
			durationStr = fmt.Sprintf("%d", durationMs.Int64)
		}

		details := message.String
		if outputPath.Valid && outputPath.String != "" {
			details += fmt.Sprintf(" (Output: %s)", filepath.Base(outputPath.String))
		}

		fmt.Printf("%-44s | %-12s | %-50s | %-8s | %-15s | %-25s | %-10s | %s\n",
			runID, entity.String, filename, filetype, event, timestamp.Format(time.RFC3339), durationStr, details)
		count++
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("error iterating event log rows: %w", err)
	}
	fmt.Printf("Displayed %d records.\n", count)
	return nil
}
