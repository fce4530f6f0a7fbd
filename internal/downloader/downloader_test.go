package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/panelpull/internal/config"
	"github.com/brensch/panelpull/internal/layout"
	"github.com/brensch/panelpull/internal/storage"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeStore serves a fixed object list in pages of pageSize and records fetches.
type fakeStore struct {
	objects  []storage.RemoteObject
	pageSize int
	listErr  error
	failKeys map[string]bool
	delay    time.Duration

	mu       sync.Mutex
	fetched  []string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeStore) ListPage(_ context.Context, req storage.ListRequest) (storage.Page, error) {
	if f.listErr != nil {
		return storage.Page{}, f.listErr
	}
	start := 0
	if req.Token != "" {
		fmt.Sscanf(req.Token, "%d", &start)
	}
	end := min(start+f.pageSize, len(f.objects))
	page := storage.Page{Objects: f.objects[start:end]}
	if end < len(f.objects) {
		page.NextToken = fmt.Sprint(end)
	}
	return page, nil
}

func (f *fakeStore) Fetch(_ context.Context, key, destPath string) error {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		old := f.peak.Load()
		if cur <= old || f.peak.CompareAndSwap(old, cur) {
			break
		}
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	f.fetched = append(f.fetched, key)
	f.mu.Unlock()
	if f.failKeys[key] {
		return errors.New("connection reset")
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte(key), 0o644)
}

func (f *fakeStore) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

func obj(key string, ts time.Time) storage.RemoteObject {
	return storage.RemoteObject{Key: key, LastModified: ts, Size: int64(len(key))}
}

func keysOf(objs []storage.RemoteObject) []string {
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = o.Key
	}
	return out
}

func TestDiscoverObjectsFiltersInclusiveRegardlessOfPaging(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)
	sydney := time.FixedZone("AEDT", 11*3600)

	objects := []storage.RemoteObject{
		obj("t/p1/before.zip", start.Add(-time.Second)),
		obj("t/p1/at-start.zip", start),
		obj("t/p1/inside.zip", start.Add(48*time.Hour)),
		// 2024-02-01 09:00 AEDT is 2024-01-31 22:00 UTC
		obj("t/p2/zoned.zip", time.Date(2024, 2, 1, 9, 0, 0, 0, sydney)),
		obj("t/p2/at-end.zip", end),
		obj("t/p2/after.zip", end.Add(time.Second)),
		obj("t/p2/", start.Add(time.Hour)),
	}
	want := []string{"t/p1/at-start.zip", "t/p1/inside.zip", "t/p2/zoned.zip", "t/p2/at-end.zip"}

	tr, err := NewTimeRange(start.In(sydney), end)
	require.NoError(t, err)

	for _, pageSize := range []int{1, 2, 3, 7, 100} {
		t.Run(fmt.Sprintf("page_%d", pageSize), func(t *testing.T) {
			store := &fakeStore{objects: objects, pageSize: pageSize}
			got, err := DiscoverObjects(context.Background(), store, "t/", tr, discard)
			require.NoError(t, err)
			assert.Equal(t, want, keysOf(got))
			for _, o := range got {
				assert.Equal(t, time.UTC, o.LastModified.Location())
			}
		})
	}
}

func TestDiscoverObjectsFailures(t *testing.T) {
	tr, err := NewTimeRange(time.Unix(0, 0), time.Now())
	require.NoError(t, err)

	listErr := errors.New("access denied")
	_, err = DiscoverObjects(context.Background(), &fakeStore{listErr: listErr, pageSize: 1}, "t/", tr, discard)
	assert.ErrorIs(t, err, listErr)

	store := &fakeStore{objects: []storage.RemoteObject{{Key: "t/p1/a.zip"}}, pageSize: 10}
	_, err = DiscoverObjects(context.Background(), store, "t/", tr, discard)
	assert.ErrorIs(t, err, ErrMissingTimestamp)

	_, err = DiscoverObjects(context.Background(), store, "t/", TimeRange{}, discard)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestNewTimeRange(t *testing.T) {
	now := time.Now()
	_, err := NewTimeRange(now, now.Add(-time.Nanosecond))
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = NewTimeRange(time.Time{}, now)
	assert.ErrorIs(t, err, ErrInvalidRange)

	tr, err := NewTimeRange(now, now)
	require.NoError(t, err)
	assert.True(t, tr.Contains(now))
	assert.Equal(t, time.UTC, tr.Start.Location())
}

func TestPartition(t *testing.T) {
	objects := make([]storage.RemoteObject, 7)
	for i := range objects {
		objects[i] = obj(fmt.Sprintf("t/p/%d.zip", i), time.Now())
	}
	batches, err := Partition(objects, 3)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[2], 1)
	assert.Equal(t, "t/p/6.zip", batches[2][0].Key)

	batches, err = Partition(nil, 3)
	require.NoError(t, err)
	assert.Empty(t, batches)

	_, err = Partition(objects, 0)
	assert.Error(t, err)
}

func manyObjects(n int) []storage.RemoteObject {
	out := make([]storage.RemoteObject, n)
	for i := range out {
		out[i] = obj(fmt.Sprintf("tenant/panelist/p%d/%02d.zip", i%4, i), time.Now())
	}
	return out
}

func TestSchedulerBoundsConcurrencyAndIsIdempotent(t *testing.T) {
	for _, mode := range []string{config.ScheduleWave, config.SchedulePool} {
		t.Run(mode, func(t *testing.T) {
			lay := layout.New(t.TempDir(), "query_test")
			store := &fakeStore{delay: 2 * time.Millisecond}
			objects := manyObjects(23)

			var mu sync.Mutex
			var results []BatchResult
			s := &Scheduler{
				Store: store, Layout: lay, Concurrency: 3, Mode: mode, Logger: discard,
				OnBatchDone: func(r BatchResult) error {
					mu.Lock()
					results = append(results, r)
					mu.Unlock()
					return nil
				},
			}

			summary, err := s.Run(context.Background(), objects, 5)
			require.NoError(t, err)
			assert.Equal(t, 5, summary.Batches)
			assert.Equal(t, 23, summary.Fetched)
			assert.Len(t, results, 5)
			assert.LessOrEqual(t, store.peak.Load(), int32(3))
			assert.FileExists(t, lay.ArchivePath("p3", "07.zip"))

			// second run finds every destination present
			summary, err = s.Run(context.Background(), objects, 5)
			require.NoError(t, err)
			assert.Equal(t, 0, summary.Fetched)
			assert.Equal(t, 23, summary.Skipped)
			assert.Equal(t, 23, store.fetchCount())
		})
	}
}

func TestSchedulerFailureAbortsOnlyItsBatch(t *testing.T) {
	lay := layout.New(t.TempDir(), "query_test")
	objects := manyObjects(6)
	store := &fakeStore{failKeys: map[string]bool{objects[1].Key: true}}
	s := &Scheduler{Store: store, Layout: lay, Concurrency: 2, Mode: config.SchedulePool, Logger: discard}

	summary, err := s.Run(context.Background(), objects, 3)
	require.Error(t, err)
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 0, be.Batch)
	assert.Equal(t, objects[1].Key, be.Key)

	assert.Equal(t, 1, summary.FailedBatches)
	// batch 0 stops after its second object, batch 1 completes
	assert.Equal(t, 4, summary.Fetched)
	entity, name, _ := layout.EntityFromKey(objects[2].Key)
	assert.NoFileExists(t, lay.ArchivePath(entity, name))
}

func TestSchedulerRejectsUnusableKey(t *testing.T) {
	lay := layout.New(t.TempDir(), "query_test")
	s := &Scheduler{Store: &fakeStore{}, Layout: lay, Concurrency: 1, Mode: config.SchedulePool, Logger: discard}
	_, err := s.Run(context.Background(), []storage.RemoteObject{obj("toplevel.zip", time.Now())}, 1)
	var be *BatchError
	assert.ErrorAs(t, err, &be)
}
