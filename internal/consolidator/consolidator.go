// Package consolidator merges each entity's extracted record files into one
// CSV artifact per record type.
package consolidator

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/brensch/panelpull/internal/config"
	"github.com/brensch/panelpull/internal/db"
	"github.com/brensch/panelpull/internal/layout"
	"github.com/brensch/panelpull/internal/progress"
)

const progressTag = "Consolidate"

// Directory names that group entities rather than name one.
var reservedLabels = map[string]bool{"panelist": true, "panelists": true}

// SchemaMismatchError reports a contributing file whose header differs from the
// group's expected header. The artifact for that group is not written.
type SchemaMismatchError struct {
	Entity string
	Type   string
	File   string
	Want   []string
	Got    []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("%s/%s: header of %s is [%s], want [%s]",
		e.Entity, e.Type, filepath.Base(e.File), strings.Join(e.Got, ","), strings.Join(e.Want, ","))
}

// EntityFiles lists one entity's record files in discovery order.
type EntityFiles struct {
	Entity string
	Files  []string
}

// DiscoverRecordFiles walks each entity directory under root, sorted by name,
// and collects its .csv files recursively. A missing root yields nothing.
func DiscoverRecordFiles(root string) ([]EntityFiles, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}

	var out []EntityFiles
	for _, e := range entries {
		if !e.IsDir() || reservedLabels[e.Name()] {
			continue
		}
		ef := EntityFiles{Entity: e.Name()}
		err := filepath.WalkDir(filepath.Join(root, e.Name()), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".csv") {
				ef.Files = append(ef.Files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk entity %s: %w", e.Name(), err)
		}
		out = append(out, ef)
	}
	return out, nil
}

// Summary totals a Consolidate run.
type Summary struct {
	Entities  int
	Artifacts int
	Rows      int
	Unmatched int
	Failed    int
}

type Consolidator struct {
	Layout       layout.Layout
	Registry     *Registry
	SchemaPolicy string // config.SchemaStrict or config.SchemaLenient
	Parquet      bool   // also write {type}-consolidated.parquet
	Recorder     *db.Recorder
	Reporter     progress.Reporter
	Logger       *slog.Logger
}

// Consolidate writes one artifact per (entity, record type) found in files.
// Files whose name matches no registered prefix are dropped. Within a group the
// first file contributes its header and every file contributes its rows, in
// discovery order. A failing group is reported and the others still run.
func (c *Consolidator) Consolidate(ctx context.Context, entities []EntityFiles) (Summary, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reporter := progress.OrNop(c.Reporter)
	start := time.Now()
	summary := Summary{Entities: len(entities)}

	var errs []error
	for i, ef := range entities {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		l := logger.With(slog.String("entity", ef.Entity))
		groups, unmatched := c.group(ef.Files)
		summary.Unmatched += unmatched
		if unmatched > 0 {
			l.Debug("Ignoring files with no registered type.", slog.Int("count", unmatched))
		}

		for _, rt := range c.Registry.Types() {
			files := groups[rt.Name]
			if len(files) == 0 {
				continue
			}
			unit := ef.Entity + "/" + rt.Name
			reporter.FileProgress(progress.NewFileProgress(unit, unit, progress.StatusConsolidating, 0, nil))
			groupStart := time.Now()
			rows, err := c.consolidateGroup(ef.Entity, rt, files, l)
			d := time.Since(groupStart)
			artifact := c.Layout.ArtifactPath(ef.Entity, rt.Name, ".csv")
			if err != nil {
				summary.Failed++
				errs = append(errs, err)
				l.Error("Consolidation failed.", slog.String("type", rt.Name), "error", err)
				c.record(ctx, l, db.Event{Entity: ef.Entity, Filename: rt.Name, FileType: db.FileTypeArtifact, Event: db.EventError, Message: err.Error(), Duration: &d})
				reporter.FileProgress(progress.NewFileProgress(unit, unit, progress.StatusError, d, err))
				continue
			}
			summary.Artifacts++
			summary.Rows += rows
			l.Info("Artifact written.", slog.String("type", rt.Name), slog.Int("files", len(files)), slog.Int("rows", rows))
			c.record(ctx, l, db.Event{Entity: ef.Entity, Filename: rt.Name, FileType: db.FileTypeArtifact, Event: db.EventConsolidate, OutputPath: artifact,
				Message: fmt.Sprintf("files=%d rows=%d", len(files), rows), Duration: &d})
			reporter.FileProgress(progress.NewFileProgress(unit, unit, progress.StatusComplete, d, nil))
		}
		reporter.Progress(progress.NewProgress(progressTag, int64(i+1), int64(len(entities)), ef.Entity))
	}

	err := errors.Join(errs...)
	logger.Info("Consolidation finished.",
		slog.Int("entities", summary.Entities),
		slog.Int("artifacts", summary.Artifacts),
		slog.Int("rows", summary.Rows),
		slog.Int("failed", summary.Failed),
		slog.Duration("duration", time.Since(start).Round(time.Millisecond)),
	)
	reporter.TaskFinished(progress.NewTaskFinished(progressTag, start, err, fmt.Sprintf("%d artifacts", summary.Artifacts)))
	return summary, err
}

func (c *Consolidator) group(files []string) (map[string][]string, int) {
	groups := make(map[string][]string)
	unmatched := 0
	for _, f := range files {
		rt, ok := c.Registry.Match(filepath.Base(f))
		if !ok {
			unmatched++
			continue
		}
		groups[rt.Name] = append(groups[rt.Name], f)
	}
	return groups, unmatched
}

// consolidateGroup writes the artifact through a temp file so a failed group
// never leaves a truncated artifact behind.
func (c *Consolidator) consolidateGroup(entity string, rt RecordType, files []string, l *slog.Logger) (int, error) {
	if c.SchemaPolicy != config.SchemaLenient {
		if err := checkHeaders(entity, rt, files); err != nil {
			return 0, err
		}
	}

	dest := c.Layout.ArtifactPath(entity, rt.Name, ".csv")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create metadata directory: %w", err)
	}
	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmp, err)
	}
	w := csv.NewWriter(out)

	rows, headerWritten := 0, false
	var copyErr error
	for _, f := range files {
		n, wroteHeader, err := appendFile(w, f, !headerWritten)
		rows += n
		headerWritten = headerWritten || wroteHeader
		if err != nil {
			copyErr = err
			break
		}
	}
	w.Flush()
	if err := errors.Join(copyErr, w.Error(), out.Close()); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("%s/%s: %w", entity, rt.Name, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("replace %s: %w", dest, err)
	}

	if c.Parquet {
		pq := c.Layout.ArtifactPath(entity, rt.Name, ".parquet")
		if err := writeParquet(dest, pq); err != nil {
			return rows, fmt.Errorf("%s/%s parquet: %w", entity, rt.Name, err)
		}
		l.Debug("Parquet mirror written.", slog.String("path", pq))
	}
	return rows, nil
}

// appendFile copies f's rows into w, and its header too when withHeader is set.
// An empty file contributes nothing. Rows are copied as they are, whatever
// their width.
func appendFile(w *csv.Writer, path string, withHeader bool) (rows int, wroteHeader bool, err error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, false, fmt.Errorf("open %s: %w", path, err)
	}
	defer in.Close()

	r := newReader(in)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read header of %s: %w", path, err)
	}
	if withHeader {
		if err := w.Write(header); err != nil {
			return 0, false, err
		}
		wroteHeader = true
	}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, wroteHeader, nil
		}
		if err != nil {
			return rows, wroteHeader, fmt.Errorf("read %s: %w", path, err)
		}
		if err := w.Write(rec); err != nil {
			return rows, wroteHeader, err
		}
		rows++
	}
}

// checkHeaders compares every non-empty file's header with the declared
// columns, or with the first file's header when none are declared.
func checkHeaders(entity string, rt RecordType, files []string) error {
	want := rt.Columns
	for _, f := range files {
		got, err := readHeader(f)
		if err != nil {
			return err
		}
		if got == nil {
			continue
		}
		if want == nil {
			want = got
			continue
		}
		if !slices.Equal(want, got) {
			return &SchemaMismatchError{Entity: entity, Type: rt.Name, File: f, Want: want, Got: got}
		}
	}
	return nil
}

func readHeader(path string) ([]string, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer in.Close()
	header, err := newReader(in).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	return header, nil
}

// newReader accepts ragged rows and stray quotes inside unquoted fields, both
// of which show up in exported record files. Schema policy only governs headers.
func newReader(in io.Reader) *csv.Reader {
	r := csv.NewReader(in)
	r.ReuseRecord = true
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r
}

func (c *Consolidator) record(ctx context.Context, l *slog.Logger, e db.Event) {
	if err := c.Recorder.LogFileEvent(ctx, e); err != nil {
		l.Warn("Failed to record event.", slog.String("event", e.Event), "error", err)
	}
}
