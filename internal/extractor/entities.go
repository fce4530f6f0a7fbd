package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/brensch/panelpull/internal/db"
	"github.com/brensch/panelpull/internal/layout"
	"github.com/brensch/panelpull/internal/progress"
	"github.com/brensch/panelpull/internal/workpool"
)

const progressTag = "Extract"

// RedactorFactory builds one Redactor per worker. Detectors are never shared between workers.
type RedactorFactory func() (Redactor, error)

type Options struct {
	Concurrency  int
	Mode         string
	DeletePolicy string
	Recorder     *db.Recorder
	Reporter     progress.Reporter
	Logger       *slog.Logger
}

// ExtractSummary totals a ProcessEntities run.
type ExtractSummary struct {
	Result
	Entities       int
	Archives       int
	FailedArchives int
}

// ListEntities returns the entity directories under the run's archive root, sorted.
// A missing root yields no entities.
func ListEntities(lay layout.Layout) ([]string, error) {
	entries, err := os.ReadDir(lay.ZippedRoot())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", lay.ZippedRoot(), err)
	}
	var entities []string
	for _, e := range entries {
		if e.IsDir() {
			entities = append(entities, e.Name())
		}
	}
	return entities, nil
}

// ProcessEntities extracts every archive of every entity. One task handles all
// archives of one entity in name order; at most opts.Concurrency entities are in
// flight. Each concurrently running task holds its own Redactor.
func ProcessEntities(ctx context.Context, lay layout.Layout, newRedactor RedactorFactory, opts Options) (ExtractSummary, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reporter := progress.OrNop(opts.Reporter)
	if opts.Concurrency < 1 {
		return ExtractSummary{}, fmt.Errorf("extract workers must be at least 1, got %d", opts.Concurrency)
	}

	entities, err := ListEntities(lay)
	if err != nil {
		return ExtractSummary{}, err
	}
	summary := ExtractSummary{Entities: len(entities)}
	if len(entities) == 0 {
		logger.Info("No downloaded archives to extract.", slog.String("root", lay.ZippedRoot()))
		return summary, nil
	}

	workers := min(opts.Concurrency, len(entities))
	redactors := make(chan Redactor, workers)
	for i := 0; i < workers; i++ {
		r, err := newRedactor()
		if err != nil {
			return summary, fmt.Errorf("create redactor for worker %d: %w", i, err)
		}
		redactors <- r
	}

	start := time.Now()
	logger.Info("Starting extraction.", slog.Int("entities", len(entities)), slog.Int("workers", workers), slog.String("mode", opts.Mode))

	var (
		mu   sync.Mutex
		done int64
	)
	tasks := make([]workpool.Task, len(entities))
	for i, entity := range entities {
		entity := entity
		tasks[i] = func(ctx context.Context) error {
			r := <-redactors
			defer func() { redactors <- r }()

			x := &Extractor{Redactor: r, DeletePolicy: opts.DeletePolicy, Recorder: opts.Recorder, Logger: logger}
			reporter.FileProgress(progress.NewFileProgress(entity, entity, progress.StatusExtracting, 0, nil))
			entityStart := time.Now()
			res, archives, failed, err := processEntity(ctx, x, lay, entity)

			mu.Lock()
			summary.add(res)
			summary.Archives += archives
			summary.FailedArchives += failed
			done++
			reporter.Progress(progress.NewProgress(progressTag, done, int64(len(entities)), entity))
			mu.Unlock()

			status := progress.StatusComplete
			if err != nil {
				status = progress.StatusError
			}
			reporter.FileProgress(progress.NewFileProgress(entity, entity, status, time.Since(entityStart), err))
			return err
		}
	}

	err = workpool.Run(ctx, opts.Concurrency, opts.Mode, tasks)
	logger.Info("Extraction finished.",
		slog.Int("archives", summary.Archives),
		slog.Int("failed_archives", summary.FailedArchives),
		slog.Int("records", summary.RecordsExtracted),
		slog.Int("media_extracted", summary.MediaExtracted),
		slog.Int("media_skipped", summary.MediaSkipped),
		slog.Duration("duration", time.Since(start).Round(time.Millisecond)),
	)
	reporter.TaskFinished(progress.NewTaskFinished(progressTag, start, err,
		fmt.Sprintf("%d archives, %d images redacted", summary.Archives, summary.MediaExtracted)))
	return summary, err
}

// processEntity extracts the entity's archives one after another. A failed
// archive does not stop the others.
func processEntity(ctx context.Context, x *Extractor, lay layout.Layout, entity string) (Result, int, int, error) {
	var total Result
	entries, err := os.ReadDir(lay.ArchiveDir(entity))
	if err != nil {
		return total, 0, 0, fmt.Errorf("read archives of %s: %w", entity, err)
	}

	var errs []error
	archives, failed := 0, 0
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".zip") {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		archives++
		res, err := x.Extract(ctx, entity, filepath.Join(lay.ArchiveDir(entity), e.Name()), lay.RecordDir(entity), lay.ImageDir(entity))
		total.add(res)
		if err != nil {
			failed++
			errs = append(errs, err)
		}
	}
	return total, archives, failed, errors.Join(errs...)
}
