package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/brensch/panelpull/internal/db"
	"github.com/brensch/panelpull/internal/layout"
	"github.com/brensch/panelpull/internal/progress"
	"github.com/brensch/panelpull/internal/storage"
	"github.com/brensch/panelpull/internal/workpool"
)

const progressTag = "Download"

// BatchError reports the object whose failure ended a batch early.
type BatchError struct {
	Batch int
	Key   string
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d aborted at %s: %v", e.Batch, e.Key, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Partition splits objects into contiguous batches of batchSize, keeping order.
// The last batch may be shorter.
func Partition(objects []storage.RemoteObject, batchSize int) ([][]storage.RemoteObject, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", batchSize)
	}
	batches := make([][]storage.RemoteObject, 0, (len(objects)+batchSize-1)/batchSize)
	for start := 0; start < len(objects); start += batchSize {
		end := min(start+batchSize, len(objects))
		batches = append(batches, objects[start:end])
	}
	return batches, nil
}

// BatchResult describes one finished batch.
type BatchResult struct {
	Index    int
	FirstKey string
	Fetched  int
	Skipped  int
	Bytes    int64
	Err      error
}

// DownloadSummary totals a scheduler run.
type DownloadSummary struct {
	Batches       int
	Fetched       int
	Skipped       int
	FailedBatches int
	Bytes         int64
}

// Scheduler downloads batches of objects into the run's archive tree with at
// most Concurrency batches in flight. Objects within a batch are handled in order.
type Scheduler struct {
	Store       storage.ObjectStore
	Layout      layout.Layout
	Concurrency int
	Mode        string // config.ScheduleWave or config.SchedulePool
	Recorder    *db.Recorder
	Reporter    progress.Reporter
	Logger      *slog.Logger
	// OnBatchDone is called after every batch, serialized. A returned error is
	// joined into Run's result but does not stop other batches.
	OnBatchDone func(BatchResult) error
}

// Run partitions objects and downloads every batch. An object whose destination
// already exists is skipped. A fetch failure ends its batch; the remaining
// batches still run. The returned error joins every *BatchError.
func (s *Scheduler) Run(ctx context.Context, objects []storage.RemoteObject, batchSize int) (DownloadSummary, error) {
	batches, err := Partition(objects, batchSize)
	if err != nil {
		return DownloadSummary{}, err
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	reporter := progress.OrNop(s.Reporter)
	start := time.Now()
	s.Logger.Info("Starting downloads.",
		slog.Int("objects", len(objects)),
		slog.Int("batches", len(batches)),
		slog.Int("concurrency", s.Concurrency),
		slog.String("mode", s.Mode),
	)

	var (
		mu      sync.Mutex
		summary = DownloadSummary{Batches: len(batches)}
		hookErr error
		done    int64
	)
	tasks := make([]workpool.Task, len(batches))
	for i, batch := range batches {
		i, batch := i, batch
		tasks[i] = func(ctx context.Context) error {
			res := s.runBatch(ctx, i, batch, reporter)

			mu.Lock()
			defer mu.Unlock()
			summary.Fetched += res.Fetched
			summary.Skipped += res.Skipped
			summary.Bytes += res.Bytes
			if res.Err != nil {
				summary.FailedBatches++
			}
			done++
			reporter.Progress(progress.NewProgress(progressTag, done, int64(len(batches)), fmt.Sprintf("batch %d", i+1)))
			if s.OnBatchDone != nil {
				if err := s.OnBatchDone(res); err != nil {
					s.Logger.Warn("Batch bookkeeping failed.", slog.Int("batch", i), "error", err)
					hookErr = errors.Join(hookErr, err)
				}
			}
			return res.Err
		}
	}

	runErr := workpool.Run(ctx, s.Concurrency, s.Mode, tasks)
	err = errors.Join(runErr, hookErr)

	s.Logger.Info("Downloads finished.",
		slog.Int("fetched", summary.Fetched),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed_batches", summary.FailedBatches),
		slog.String("bytes", humanize.Bytes(uint64(summary.Bytes))),
		slog.Duration("duration", time.Since(start).Round(time.Millisecond)),
	)
	reporter.TaskFinished(progress.NewTaskFinished(progressTag, start, err,
		fmt.Sprintf("%d fetched, %d skipped", summary.Fetched, summary.Skipped)))
	return summary, err
}

func (s *Scheduler) runBatch(ctx context.Context, index int, batch []storage.RemoteObject, reporter progress.Reporter) BatchResult {
	res := BatchResult{Index: index}
	if len(batch) > 0 {
		res.FirstKey = batch[0].Key
	}
	l := s.Logger.With(slog.Int("batch", index), slog.Int("size", len(batch)))
	l.Debug("Batch started.", slog.String("first_key", res.FirstKey))

	for _, obj := range batch {
		if err := ctx.Err(); err != nil {
			res.Err = &BatchError{Batch: index, Key: obj.Key, Err: err}
			return res
		}
		fetched, size, err := s.fetchOne(ctx, obj, l, reporter)
		if err != nil {
			res.Err = &BatchError{Batch: index, Key: obj.Key, Err: err}
			l.Error("Download failed, abandoning the rest of the batch.", slog.String("key", obj.Key), "error", err)
			return res
		}
		if fetched {
			res.Fetched++
			res.Bytes += size
		} else {
			res.Skipped++
		}
	}
	l.Debug("Batch complete.", slog.Int("fetched", res.Fetched), slog.Int("skipped", res.Skipped))
	return res
}

// fetchOne downloads obj unless its destination already exists.
func (s *Scheduler) fetchOne(ctx context.Context, obj storage.RemoteObject, l *slog.Logger, reporter progress.Reporter) (bool, int64, error) {
	entity, fileName, err := layout.EntityFromKey(obj.Key)
	if err != nil {
		return false, 0, err
	}
	dest := s.Layout.ArchivePath(entity, fileName)
	l = l.With(slog.String("key", obj.Key), slog.String("entity", entity))

	if _, err := os.Stat(dest); err == nil {
		l.Debug("Skipping download, destination exists.", slog.String("path", dest))
		s.record(ctx, l, db.Event{Entity: entity, Filename: obj.Key, FileType: db.FileTypeArchive, Event: db.EventSkipDownload, OutputPath: dest})
		reporter.FileProgress(progress.NewFileProgress(obj.Key, fileName, progress.StatusSkipped, 0, nil))
		return false, 0, nil
	}

	reporter.FileProgress(progress.NewFileProgress(obj.Key, fileName, progress.StatusDownloading, 0, nil))
	s.record(ctx, l, db.Event{Entity: entity, Filename: obj.Key, FileType: db.FileTypeArchive, Event: db.EventDownloadStart, Size: obj.Size})
	start := time.Now()
	if err := s.Store.Fetch(ctx, obj.Key, dest); err != nil {
		d := time.Since(start)
		s.record(ctx, l, db.Event{Entity: entity, Filename: obj.Key, FileType: db.FileTypeArchive, Event: db.EventError, Message: fmt.Sprintf("download failed: %v", err), Duration: &d})
		reporter.FileProgress(progress.NewFileProgress(obj.Key, fileName, progress.StatusError, d, err))
		return false, 0, err
	}
	d := time.Since(start)

	size := obj.Size
	if fi, err := os.Stat(dest); err == nil {
		size = fi.Size()
	}
	l.Info("Archive downloaded.", slog.String("size", humanize.Bytes(uint64(size))), slog.Duration("duration", d.Round(time.Millisecond)))
	s.record(ctx, l, db.Event{Entity: entity, Filename: obj.Key, FileType: db.FileTypeArchive, Event: db.EventDownloadEnd, OutputPath: dest, Size: size, Duration: &d})
	reporter.FileProgress(progress.NewFileProgress(obj.Key, fileName, progress.StatusComplete, d, nil))
	return true, size, nil
}

func (s *Scheduler) record(ctx context.Context, l *slog.Logger, e db.Event) {
	if err := s.Recorder.LogFileEvent(ctx, e); err != nil {
		l.Warn("Failed to record event.", slog.String("event", e.Event), "error", err)
	}
}
