package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/brensch/panelpull/internal/config"
	"github.com/brensch/panelpull/internal/db"
	"github.com/brensch/panelpull/internal/util"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
	"github.com/spf13/cobra"
)

var (
	logFormat string
	logLevel  string
	logOutput string

	startDate string
	endDate   string

	// Global instances populated in PersistentPreRunE
	rootLogger *slog.Logger
	dbConn     *sql.DB
	appConfig  = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "panelpull",
	Short: "Pull panelist exports from object storage, redact faces and consolidate records.",
	Long: `panelpull downloads the zip exports published for a set of panelists within a
date range, extracts their record files and screenshots, redacts faces in the
screenshots and merges each panelist's records into one CSV per record type.

The primary command is 'run', which performs every stage in order. The stages can
also be run on their own with 'download', 'extract' and 'consolidate'. Every file
event is tracked in a DuckDB database that 'state' and 'save' can query.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(logLevel, logFormat, logOutput)
		if err != nil {
			return err
		}
		rootLogger = logger
		slog.SetDefault(rootLogger)
		rootLogger.Debug("Logger initialized", "level", logLevel, "format", logFormat, "output", logOutput)

		now := time.Now().UTC()
		if appConfig.Start, err = util.ParseDateBound(startDate, time.UTC, now.Add(-config.DefaultLookback), false); err != nil {
			return fmt.Errorf("--start: %w", err)
		}
		if appConfig.End, err = util.ParseDateBound(endDate, time.UTC, now, true); err != nil {
			return fmt.Errorf("--end: %w", err)
		}
		rootLogger.Debug("Configuration loaded", slog.Any("config", redacted(appConfig)))

		if appConfig.DbPath == "" {
			rootLogger.Debug("No state database configured, events will not be recorded.")
			return nil
		}
		if appConfig.DbPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(appConfig.DbPath), 0o755); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn := appConfig.DbPath
		if dsn == ":memory:" {
			dsn = ""
		}
		dbConn, err = sql.Open("duckdb", dsn)
		if err != nil {
			return fmt.Errorf("failed to open duckdb database (%s): %w", appConfig.DbPath, err)
		}
		pingCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := dbConn.PingContext(pingCtx); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to ping duckdb database (%s): %w", appConfig.DbPath, err)
		}
		if err := db.InitializeSchema(dbConn); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to initialize database schema: %w", err)
		}
		rootLogger.Debug("Database schema initialized.", slog.String("path", appConfig.DbPath))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if dbConn != nil {
			if err := dbConn.Close(); err != nil {
				rootLogger.Error("Failed to close DuckDB connection cleanly", "error", err)
			}
		}
		return nil
	},
}

// Execute runs the root command. An interrupt cancels the running command's context.
func Execute() {
	rootCmd.AddCommand(runCmd, downloadCmd, extractCmd, consolidateCmd, lsCmd, stateCmd, inspectCmd, saveCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&appConfig.Storage.Provider, "provider", appConfig.Storage.Provider, "Object store provider (s3, gcs, http)")
	f.StringVar(&appConfig.Storage.Bucket, "bucket", appConfig.Storage.Bucket, "Bucket holding the exports")
	f.StringVar(&appConfig.Storage.Region, "region", appConfig.Storage.Region, "S3 region")
	f.StringVar(&appConfig.Storage.Endpoint, "endpoint", "", "Custom S3 endpoint, or the index base URL for the http provider")
	f.BoolVar(&appConfig.Storage.PathStyle, "path-style", false, "Use path-style addressing for S3-compatible stores")
	f.StringVar(&appConfig.Storage.AccessKey, "access-key", os.Getenv("PANELPULL_ACCESS_KEY"), "Access key (default: provider credential chain)")
	f.StringVar(&appConfig.Storage.SecretKey, "secret-key", os.Getenv("PANELPULL_SECRET_KEY"), "Secret key")
	f.StringVar(&appConfig.Storage.SessionToken, "session-token", "", "Session token for temporary credentials")
	f.StringVar(&appConfig.Storage.CredentialsFile, "credentials-file", "", "GCS service account json")

	f.StringVar(&appConfig.Prefix, "prefix", appConfig.Prefix, "Key prefix to list exports under")
	f.StringVar(&startDate, "start", "", "First day of the range, YYYY-MM-DD UTC (default: one year ago)")
	f.StringVar(&endDate, "end", "", "Last day of the range, YYYY-MM-DD UTC, inclusive (default: now)")
	f.StringVarP(&appConfig.OutputRoot, "output-root", "o", appConfig.OutputRoot, "Directory run trees are created in")
	f.StringVar(&appConfig.RunID, "run-id", "", "Run identifier (default: a new query_<uuid> for run and download)")

	f.IntVar(&appConfig.BatchSize, "batch-size", appConfig.BatchSize, "Objects per download batch")
	f.IntVar(&appConfig.DownloadWorkers, "download-workers", appConfig.DownloadWorkers, "Download batches in flight")
	f.IntVarP(&appConfig.ExtractWorkers, "workers", "w", appConfig.ExtractWorkers, "Extraction workers")
	f.StringVar(&appConfig.ScheduleMode, "schedule", appConfig.ScheduleMode, "Worker scheduling (pool or wave)")

	f.StringVar(&appConfig.RedactMode, "redact", appConfig.RedactMode, "Face redaction (redact, blur or off)")
	f.StringVar(&appConfig.CascadePath, "cascade", "", "Path to the pigo face cascade file")
	f.StringVar(&appConfig.DeletePolicy, "delete-archives", appConfig.DeletePolicy, "Delete archives after extraction (always, on-success, never)")
	f.StringVar(&appConfig.SchemaPolicy, "schema", appConfig.SchemaPolicy, "Header handling when consolidating (strict or lenient)")
	f.BoolVar(&appConfig.Parquet, "parquet", false, "Also write each consolidated artifact as Parquet")

	f.StringVarP(&appConfig.DbPath, "db-path", "d", "./panelpull_state.duckdb", "Path to DuckDB state database file (:memory: for in-memory, empty to disable)")
	f.StringVar(&logFormat, "log-format", "text", "Log output format (text or json)")
	f.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&logOutput, "log-output", "stderr", "Log output destination (stderr, stdout, or file path)")

	rootCmd.Version = "0.1.0"
}

func newLogger(levelName, format, output string) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	switch strings.ToLower(output) {
	case "", "stderr":
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", output, err)
		}
		w = f
	}

	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// redacted hides secrets before the config is logged.
func redacted(c config.Config) config.Config {
	if c.Storage.SecretKey != "" {
		c.Storage.SecretKey = "****"
	}
	if c.Storage.SessionToken != "" {
		c.Storage.SessionToken = "****"
	}
	return c
}

func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

// getConfig returns the flag configuration. When newRun is set and no run id
// was given, a fresh one is generated; otherwise a run id is required.
func getConfig(newRun bool) (config.Config, error) {
	cfg := appConfig
	if cfg.RunID == "" {
		if !newRun {
			return cfg, errors.New("--run-id is required")
		}
		cfg.RunID = config.NewRunID()
	}
	return cfg, nil
}

func getRecorder(runID string) *db.Recorder {
	return db.NewRecorder(dbConn, runID)
}
