// Package extractor unpacks downloaded archives into an entity's record and
// media trees, passing every newly extracted image through the redaction filter.
package extractor

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brensch/panelpull/internal/config"
	"github.com/brensch/panelpull/internal/db"
)

// ErrUnsafeEntry marks an archive entry whose name would resolve outside the destination.
var ErrUnsafeEntry = errors.New("unsafe archive entry name")

// ArchiveError reports an archive that could not be opened or read to the end.
// Entries after the failure were not processed.
type ArchiveError struct {
	Archive string
	Entry   string // empty when the archive itself could not be opened
	Err     error
}

func (e *ArchiveError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("archive %s: %v", e.Archive, e.Err)
	}
	return fmt.Sprintf("archive %s, entry %s: %v", e.Archive, e.Entry, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// EntryError reports one entry that was skipped while the rest of the archive continued.
type EntryError struct {
	Archive string
	Entry   string
	Err     error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("archive %s, entry %s: %v", e.Archive, e.Entry, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// Redactor writes a privacy-filtered copy of inputPath to outputPath and
// returns the number of regions it obscured.
type Redactor interface {
	Redact(inputPath, outputPath string) (int, error)
}

// Result counts what one Extract call did.
type Result struct {
	RecordsExtracted int
	MediaExtracted   int
	MediaSkipped     int
	Ignored          int
	RedactFailed     int
	Regions          int
}

func (r *Result) add(o Result) {
	r.RecordsExtracted += o.RecordsExtracted
	r.MediaExtracted += o.MediaExtracted
	r.MediaSkipped += o.MediaSkipped
	r.Ignored += o.Ignored
	r.RedactFailed += o.RedactFailed
	r.Regions += o.Regions
}

type entryKind int

const (
	kindIgnored entryKind = iota
	kindRecord
	kindMedia
)

func classify(name string) entryKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return kindRecord
	case ".jpg", ".jpeg":
		return kindMedia
	default:
		return kindIgnored
	}
}

// Extractor processes archives for a single worker. It is not safe for
// concurrent use because its Redactor is not.
type Extractor struct {
	Redactor     Redactor
	DeletePolicy string // config.DeleteAlways, DeleteOnSuccess or DeleteNever
	Recorder     *db.Recorder
	Logger       *slog.Logger
}

// Extract unpacks archivePath. Record files are always written to recordDir,
// replacing earlier copies. An image is written to recordDir only when no file
// of that name exists there yet, and is then redacted into mediaDir under the
// same relative name. Other entries are ignored.
//
// A failure to open or read the archive abandons its remaining entries and is
// returned as *ArchiveError alongside the partial counts. Unsafe names and
// failed redactions skip only their entry and are returned as *EntryError.
// The archive is then deleted according to DeletePolicy.
func (x *Extractor) Extract(ctx context.Context, entity, archivePath, recordDir, mediaDir string) (Result, error) {
	l := x.Logger.With(slog.String("entity", entity), slog.String("archive", filepath.Base(archivePath)))
	start := time.Now()
	x.record(ctx, l, db.Event{Entity: entity, Filename: archivePath, FileType: db.FileTypeArchive, Event: db.EventExtractStart})

	res, err := x.extract(ctx, entity, archivePath, recordDir, mediaDir, l)
	d := time.Since(start)

	if err != nil {
		l.Error("Archive extraction incomplete.", "error", err)
		x.record(ctx, l, db.Event{Entity: entity, Filename: archivePath, FileType: db.FileTypeArchive, Event: db.EventError, Message: err.Error(), Duration: &d})
	} else {
		x.record(ctx, l, db.Event{Entity: entity, Filename: archivePath, FileType: db.FileTypeArchive, Event: db.EventExtractEnd,
			Message: fmt.Sprintf("records=%d media=%d skipped=%d", res.RecordsExtracted, res.MediaExtracted, res.MediaSkipped), Duration: &d})
	}
	l.Info("Archive processed.",
		slog.Int("records", res.RecordsExtracted),
		slog.Int("media_extracted", res.MediaExtracted),
		slog.Int("media_skipped", res.MediaSkipped),
		slog.Int("ignored", res.Ignored),
		slog.Int("faces", res.Regions),
		slog.Duration("duration", d.Round(time.Millisecond)),
	)

	x.cleanup(ctx, entity, archivePath, err == nil, l)
	return res, err
}

func (x *Extractor) extract(ctx context.Context, entity, archivePath, recordDir, mediaDir string, l *slog.Logger) (Result, error) {
	var res Result
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return res, &ArchiveError{Archive: archivePath, Err: err}
	}
	defer zr.Close()

	var entryErrs []error
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return res, errors.Join(append(entryErrs, err)...)
		}
		if f.FileInfo().IsDir() {
			continue
		}
		kind := classify(f.Name)
		if kind == kindIgnored {
			res.Ignored++
			continue
		}
		rel, err := localName(f.Name)
		if err != nil {
			l.Warn("Skipping unsafe entry.", slog.String("entry", f.Name))
			entryErrs = append(entryErrs, &EntryError{Archive: archivePath, Entry: f.Name, Err: err})
			res.Ignored++
			continue
		}
		dest := filepath.Join(recordDir, rel)

		if kind == kindRecord {
			if err := writeEntry(f, dest); err != nil {
				return res, errors.Join(append(entryErrs, &ArchiveError{Archive: archivePath, Entry: f.Name, Err: err})...)
			}
			res.RecordsExtracted++
			continue
		}

		if _, err := os.Stat(dest); err == nil {
			res.MediaSkipped++
			x.record(ctx, l, db.Event{Entity: entity, Filename: rel, FileType: db.FileTypeImage, Event: db.EventSkipExtract, OutputPath: dest})
			continue
		}
		if err := writeEntry(f, dest); err != nil {
			return res, errors.Join(append(entryErrs, &ArchiveError{Archive: archivePath, Entry: f.Name, Err: err})...)
		}
		out := filepath.Join(mediaDir, rel)
		n, err := x.Redactor.Redact(dest, out)
		if err != nil {
			// the raw copy is the completion marker; drop it so a later run retries
			os.Remove(dest)
			res.RedactFailed++
			l.Warn("Redaction failed, image not published.", slog.String("entry", f.Name), "error", err)
			x.record(ctx, l, db.Event{Entity: entity, Filename: rel, FileType: db.FileTypeImage, Event: db.EventError, Message: err.Error()})
			entryErrs = append(entryErrs, &EntryError{Archive: archivePath, Entry: f.Name, Err: err})
			continue
		}
		res.MediaExtracted++
		res.Regions += n
		x.record(ctx, l, db.Event{Entity: entity, Filename: rel, FileType: db.FileTypeImage, Event: db.EventRedactEnd, OutputPath: out, Message: fmt.Sprintf("regions=%d", n)})
	}
	return res, errors.Join(entryErrs...)
}

// localName converts a zip entry name to a relative OS path that stays inside its destination.
func localName(name string) (string, error) {
	rel := filepath.FromSlash(name)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	return rel, nil
}

func writeEntry(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", dest, err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		rc.Close()
		return fmt.Errorf("create %s: %w", dest, err)
	}
	_, copyErr := io.Copy(out, rc)
	closeOutErr := out.Close()
	closeRcErr := rc.Close()
	if err := errors.Join(copyErr, closeOutErr, closeRcErr); err != nil {
		os.Remove(dest)
		return fmt.Errorf("extract to %s: %w", dest, err)
	}
	return nil
}

func (x *Extractor) cleanup(ctx context.Context, entity, archivePath string, ok bool, l *slog.Logger) {
	switch {
	case x.DeletePolicy == config.DeleteNever:
		return
	case x.DeletePolicy == config.DeleteOnSuccess && !ok:
		l.Info("Keeping archive for a later retry.")
		return
	}
	if err := os.Remove(archivePath); err != nil {
		l.Warn("Failed to delete archive.", "error", err)
		return
	}
	x.record(ctx, l, db.Event{Entity: entity, Filename: archivePath, FileType: db.FileTypeArchive, Event: db.EventDeleteArchive})
}

func (x *Extractor) record(ctx context.Context, l *slog.Logger, e db.Event) {
	if err := x.Recorder.LogFileEvent(ctx, e); err != nil {
		l.Warn("Failed to record event.", slog.String("event", e.Event), "error", err)
	}
}
