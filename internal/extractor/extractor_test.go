package extractor

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/panelpull/internal/config"
	"github.com/brensch/panelpull/internal/layout"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

// copyRedactor marks its output so tests can tell redacted copies apart.
type copyRedactor struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (c *copyRedactor) Redact(in, out string) (int, error) {
	c.mu.Lock()
	c.calls = append(c.calls, filepath.Base(in))
	c.mu.Unlock()
	if c.fail[filepath.Base(in)] {
		return 0, errors.New("cannot decode")
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return 0, err
	}
	return 1, os.WriteFile(out, append([]byte("redacted:"), data...), 0o644)
}

func (c *copyRedactor) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type dirs struct{ archive, records, media string }

func newDirs(t *testing.T) dirs {
	root := t.TempDir()
	return dirs{
		archive: filepath.Join(root, "zipped", "p1", "export.zip"),
		records: filepath.Join(root, "unzipped", "p1"),
		media:   filepath.Join(root, "combined", "p1", "images"),
	}
}

func TestExtractSelectsByExtension(t *testing.T) {
	d := newDirs(t)
	writeZip(t, d.archive, map[string]string{"a.csv": "h\n1\n", "b.jpg": "jpegbytes", "c.txt": "ignored", "sub/D.JPEG": "more"})
	r := &copyRedactor{}
	x := &Extractor{Redactor: r, DeletePolicy: config.DeleteNever, Logger: discard}

	res, err := x.Extract(context.Background(), "p1", d.archive, d.records, d.media)
	require.NoError(t, err)
	assert.Equal(t, Result{RecordsExtracted: 1, MediaExtracted: 2, Ignored: 1, Regions: 2}, res)

	assert.FileExists(t, filepath.Join(d.records, "a.csv"))
	assert.NoFileExists(t, filepath.Join(d.records, "c.txt"))
	got, err := os.ReadFile(filepath.Join(d.media, "b.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "redacted:jpegbytes", string(got))
	assert.FileExists(t, filepath.Join(d.media, "sub", "D.JPEG"))
	assert.FileExists(t, d.archive)
}

func TestExtractSkipsImagesAlreadyPresent(t *testing.T) {
	d := newDirs(t)
	writeZip(t, d.archive, map[string]string{"a.csv": "h\n1\n", "b.jpg": "jpegbytes"})
	r := &copyRedactor{}
	x := &Extractor{Redactor: r, DeletePolicy: config.DeleteNever, Logger: discard}

	_, err := x.Extract(context.Background(), "p1", d.archive, d.records, d.media)
	require.NoError(t, err)
	require.Equal(t, 1, r.callCount())

	// records are rewritten every time, images are not
	require.NoError(t, os.WriteFile(filepath.Join(d.records, "a.csv"), []byte("stale"), 0o644))
	res, err := x.Extract(context.Background(), "p1", d.archive, d.records, d.media)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MediaSkipped)
	assert.Equal(t, 0, res.MediaExtracted)
	assert.Equal(t, 1, r.callCount())
	got, _ := os.ReadFile(filepath.Join(d.records, "a.csv"))
	assert.Equal(t, "h\n1\n", string(got))
}

func TestExtractDeletePolicies(t *testing.T) {
	cases := []struct {
		policy   string
		corrupt  bool
		wantKept bool
	}{
		{config.DeleteAlways, false, false},
		{config.DeleteAlways, true, false},
		{config.DeleteOnSuccess, false, false},
		{config.DeleteOnSuccess, true, true},
		{config.DeleteNever, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.policy, func(t *testing.T) {
			d := newDirs(t)
			if tc.corrupt {
				require.NoError(t, os.MkdirAll(filepath.Dir(d.archive), 0o755))
				require.NoError(t, os.WriteFile(d.archive, []byte("not a zip"), 0o644))
			} else {
				writeZip(t, d.archive, map[string]string{"a.csv": "h\n"})
			}
			x := &Extractor{Redactor: &copyRedactor{}, DeletePolicy: tc.policy, Logger: discard}
			_, err := x.Extract(context.Background(), "p1", d.archive, d.records, d.media)
			if tc.corrupt {
				var ae *ArchiveError
				assert.ErrorAs(t, err, &ae)
			} else {
				assert.NoError(t, err)
			}
			_, statErr := os.Stat(d.archive)
			assert.Equal(t, tc.wantKept, statErr == nil)
		})
	}
}

func TestExtractRedactionFailureIsIsolated(t *testing.T) {
	d := newDirs(t)
	writeZip(t, d.archive, map[string]string{"bad.jpg": "x", "good.jpg": "y", "a.csv": "h\n"})
	r := &copyRedactor{fail: map[string]bool{"bad.jpg": true}}
	x := &Extractor{Redactor: r, DeletePolicy: config.DeleteOnSuccess, Logger: discard}

	res, err := x.Extract(context.Background(), "p1", d.archive, d.records, d.media)
	var ee *EntryError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "bad.jpg", ee.Entry)
	assert.Equal(t, 1, res.RedactFailed)
	assert.Equal(t, 1, res.MediaExtracted)
	assert.Equal(t, 1, res.RecordsExtracted)
	// the raw copy is removed so the next run tries again, and the archive is kept for it
	assert.NoFileExists(t, filepath.Join(d.records, "bad.jpg"))
	assert.FileExists(t, d.archive)
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	d := newDirs(t)
	writeZip(t, d.archive, map[string]string{"../../evil.csv": "x", "ok.csv": "h\n"})
	x := &Extractor{Redactor: &copyRedactor{}, DeletePolicy: config.DeleteNever, Logger: discard}

	res, err := x.Extract(context.Background(), "p1", d.archive, d.records, d.media)
	assert.ErrorIs(t, err, ErrUnsafeEntry)
	assert.Equal(t, 1, res.RecordsExtracted)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(filepath.Dir(d.records)), "evil.csv"))
}

func TestProcessEntitiesUsesOneRedactorPerWorker(t *testing.T) {
	lay := layout.New(t.TempDir(), "query_test")
	for _, entity := range []string{"p1", "p2", "p3", "p4", "p5"} {
		writeZip(t, lay.ArchivePath(entity, "2024-01-01.zip"), map[string]string{entity + ".jpg": "img", "screenshot_data_1.csv": "h\n"})
		writeZip(t, lay.ArchivePath(entity, "2024-01-02.zip"), map[string]string{entity + "-2.jpg": "img"})
	}

	var built atomic.Int32
	var all []*copyRedactor
	var mu sync.Mutex
	factory := func() (Redactor, error) {
		built.Add(1)
		r := &copyRedactor{}
		mu.Lock()
		all = append(all, r)
		mu.Unlock()
		return r, nil
	}

	for _, mode := range []string{config.ScheduleWave, config.SchedulePool} {
		built.Store(0)
		summary, err := ProcessEntities(context.Background(), lay, factory, Options{
			Concurrency: 2, Mode: mode, DeletePolicy: config.DeleteNever, Logger: discard,
		})
		require.NoError(t, err)
		assert.Equal(t, int32(2), built.Load())
		assert.Equal(t, 5, summary.Entities)
		assert.Equal(t, 10, summary.Archives)
		if mode == config.ScheduleWave {
			assert.Equal(t, 10, summary.MediaExtracted)
		} else {
			// second pass over the same tree
			assert.Equal(t, 10, summary.MediaSkipped)
		}
	}
	assert.FileExists(t, filepath.Join(lay.ImageDir("p3"), "p3-2.jpg"))
	assert.FileExists(t, filepath.Join(lay.RecordDir("p5"), "screenshot_data_1.csv"))
}

func TestProcessEntitiesFactoryFailureIsFatal(t *testing.T) {
	lay := layout.New(t.TempDir(), "query_test")
	writeZip(t, lay.ArchivePath("p1", "a.zip"), map[string]string{"a.csv": "h\n"})
	cascadeErr := errors.New("cascade missing")
	_, err := ProcessEntities(context.Background(), lay, func() (Redactor, error) { return nil, cascadeErr }, Options{Concurrency: 1, Logger: discard})
	assert.ErrorIs(t, err, cascadeErr)
}

func TestProcessEntitiesRejectsNonPositiveConcurrency(t *testing.T) {
	lay := layout.New(t.TempDir(), "query_test")
	archive := lay.ArchivePath("p1", "a.zip")
	writeZip(t, archive, map[string]string{"a.csv": "h\n"})
	calls := 0
	factory := func() (Redactor, error) {
		calls++
		return &copyRedactor{}, nil
	}
	for _, n := range []int{0, -1} {
		var err error
		require.NotPanics(t, func() {
			_, err = ProcessEntities(context.Background(), lay, factory, Options{Concurrency: n, Logger: discard})
		})
		assert.Error(t, err)
	}
	assert.Zero(t, calls)
	assert.FileExists(t, archive)
}

func TestProcessEntitiesWithoutDownloads(t *testing.T) {
	lay := layout.New(t.TempDir(), "query_test")
	summary, err := ProcessEntities(context.Background(), lay, nil, Options{Concurrency: 1, Logger: discard})
	require.NoError(t, err)
	assert.Zero(t, summary.Entities)
}
