// Package orchestrator drives the pipeline stages in order: discovery,
// download, extraction with redaction, then consolidation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brensch/panelpull/internal/config"
	"github.com/brensch/panelpull/internal/consolidator"
	"github.com/brensch/panelpull/internal/db"
	"github.com/brensch/panelpull/internal/downloader"
	"github.com/brensch/panelpull/internal/extractor"
	"github.com/brensch/panelpull/internal/layout"
	"github.com/brensch/panelpull/internal/progress"
	"github.com/brensch/panelpull/internal/storage"
)

// Deps are the collaborators shared by every stage. Store is only needed by
// the discovery and download stages. NewRedactor defaults to one built from cfg.
type Deps struct {
	Store       storage.ObjectStore
	Recorder    *db.Recorder
	Reporter    progress.Reporter
	Logger      *slog.Logger
	NewRedactor extractor.RedactorFactory
	Registry    *consolidator.Registry
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Summary is the outcome of every stage that ran.
type Summary struct {
	Discovered  int
	Download    downloader.DownloadSummary
	Extract     extractor.ExtractSummary
	Consolidate consolidator.Summary
}

// Run executes the whole pipeline for cfg. Invalid configuration, an unusable
// run config and listing failures are fatal and returned at once. Per-unit
// failures of later stages are joined into the returned error while the
// pipeline continues to the next stage.
func Run(ctx context.Context, deps Deps, cfg config.Config) (Summary, error) {
	var summary Summary
	if err := cfg.Validate(); err != nil {
		return summary, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := deps.logger().With(slog.String("run_id", cfg.RunID))
	deps.Logger = logger
	start := time.Now()
	logger.Info("Starting pipeline.",
		slog.String("prefix", cfg.Prefix),
		slog.Time("start", cfg.Start),
		slog.Time("end", cfg.End),
	)

	objects, err := Discover(ctx, deps, cfg)
	if err != nil {
		return summary, err
	}
	summary.Discovered = len(objects)

	var errs []error
	summary.Download, err = Download(ctx, deps, cfg, objects)
	if err != nil {
		if errors.Is(err, config.ErrMalformedRunConfig) {
			return summary, err
		}
		errs = append(errs, fmt.Errorf("download: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return summary, errors.Join(append(errs, err)...)
	}

	summary.Extract, err = Extract(ctx, deps, cfg)
	if err != nil {
		errs = append(errs, fmt.Errorf("extract: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return summary, errors.Join(append(errs, err)...)
	}

	summary.Consolidate, err = Consolidate(ctx, deps, cfg)
	if err != nil {
		errs = append(errs, fmt.Errorf("consolidate: %w", err))
	}

	err = errors.Join(errs...)
	logger.Info("Pipeline finished.",
		slog.Int("discovered", summary.Discovered),
		slog.Int("downloaded", summary.Download.Fetched),
		slog.Int("archives", summary.Extract.Archives),
		slog.Int("artifacts", summary.Consolidate.Artifacts),
		slog.Bool("errors", err != nil),
		slog.Duration("duration", time.Since(start).Round(time.Millisecond)),
	)
	return summary, err
}

// Discover lists cfg.Prefix and keeps the objects modified within [Start, End].
func Discover(ctx context.Context, deps Deps, cfg config.Config) ([]storage.RemoteObject, error) {
	if deps.Store == nil {
		return nil, errors.New("no object store configured")
	}
	tr, err := downloader.NewTimeRange(cfg.Start, cfg.End)
	if err != nil {
		return nil, err
	}
	objects, err := downloader.DiscoverObjects(ctx, deps.Store, cfg.Prefix, tr, deps.logger())
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	for _, obj := range objects {
		entity, _, _ := layout.EntityFromKey(obj.Key)
		err := deps.Recorder.LogFileEvent(ctx, db.Event{Entity: entity, Filename: obj.Key, FileType: db.FileTypeArchive, Event: db.EventDiscovered,
			Size: obj.Size, Message: obj.LastModified.Format(time.RFC3339)})
		if err != nil {
			deps.logger().Warn("Failed to record discovery.", slog.String("key", obj.Key), "error", err)
			break
		}
	}
	return objects, nil
}

// Download fetches objects into the run's archive tree and keeps the run's
// query_config.json up to date after every batch.
func Download(ctx context.Context, deps Deps, cfg config.Config, objects []storage.RemoteObject) (downloader.DownloadSummary, error) {
	lay := layout.New(cfg.OutputRoot, cfg.RunID)
	logger := deps.logger()

	runCfg, err := config.LoadOrCreateRunConfig(lay.ConfigPath(), cfg.RunID, cfg.BatchSize)
	if err != nil {
		return downloader.DownloadSummary{}, err
	}
	if persisted := runCfg.Snapshot().BatchSize; persisted != cfg.BatchSize {
		logger.Warn("Batch size differs from the one recorded for this run.", slog.Int("recorded", persisted), slog.Int("using", cfg.BatchSize))
	}
	if err := runCfg.SetFilesToDownload(len(objects)); err != nil {
		return downloader.DownloadSummary{}, err
	}

	s := &downloader.Scheduler{
		Store:       deps.Store,
		Layout:      lay,
		Concurrency: cfg.DownloadWorkers,
		Mode:        cfg.ScheduleMode,
		Recorder:    deps.Recorder,
		Reporter:    deps.Reporter,
		Logger:      logger,
		OnBatchDone: func(res downloader.BatchResult) error {
			return runCfg.RecordBatch(res.FirstKey, res.Fetched)
		},
	}
	return s.Run(ctx, objects, cfg.BatchSize)
}

// Extract unpacks and redacts every archive already downloaded for the run.
func Extract(ctx context.Context, deps Deps, cfg config.Config) (extractor.ExtractSummary, error) {
	newRedactor := deps.NewRedactor
	if newRedactor == nil {
		var err error
		newRedactor, err = NewRedactorFactory(cfg)
		if err != nil {
			return extractor.ExtractSummary{}, err
		}
	}
	return extractor.ProcessEntities(ctx, layout.New(cfg.OutputRoot, cfg.RunID), newRedactor, extractor.Options{
		Concurrency:  cfg.ExtractWorkers,
		Mode:         cfg.ScheduleMode,
		DeletePolicy: cfg.DeletePolicy,
		Recorder:     deps.Recorder,
		Reporter:     deps.Reporter,
		Logger:       deps.logger(),
	})
}

// Consolidate merges the run's extracted record files into per-type artifacts.
func Consolidate(ctx context.Context, deps Deps, cfg config.Config) (consolidator.Summary, error) {
	lay := layout.New(cfg.OutputRoot, cfg.RunID)
	files, err := consolidator.DiscoverRecordFiles(lay.UnzippedRoot())
	if err != nil {
		return consolidator.Summary{}, err
	}
	registry := deps.Registry
	if registry == nil {
		registry = consolidator.DefaultRegistry()
	}
	c := &consolidator.Consolidator{
		Layout:       lay,
		Registry:     registry,
		SchemaPolicy: cfg.SchemaPolicy,
		Parquet:      cfg.Parquet,
		Recorder:     deps.Recorder,
		Reporter:     deps.Reporter,
		Logger:       deps.logger(),
	}
	return c.Consolidate(ctx, files)
}
