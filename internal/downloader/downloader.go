package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brensch/panelpull/internal/storage"
)

var (
	// ErrInvalidRange is returned for a zero bound or a start after the end.
	ErrInvalidRange = errors.New("invalid time range")
	// ErrMissingTimestamp is returned when the store lists an object without a modification time.
	ErrMissingTimestamp = errors.New("object has no last-modified timestamp")
)

// TimeRange is an inclusive [Start, End] window, both bounds in UTC.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// NewTimeRange normalizes both bounds to UTC. A zero bound stands in for a
// timestamp with no zone and is rejected rather than compared.
func NewTimeRange(start, end time.Time) (TimeRange, error) {
	if start.IsZero() || end.IsZero() {
		return TimeRange{}, fmt.Errorf("%w: both bounds are required", ErrInvalidRange)
	}
	start, end = start.UTC(), end.UTC()
	if start.After(end) {
		return TimeRange{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return TimeRange{Start: start, End: end}, nil
}

// Contains reports start <= t <= end after converting t to UTC.
func (r TimeRange) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(r.Start) && !t.After(r.End)
}

// DiscoverObjects lists every object under prefix, following continuation tokens
// until the store reports no more pages, then keeps the objects modified within tr.
// All pages are accumulated before filtering. Listing order is preserved and any
// listing failure is returned as is.
func DiscoverObjects(ctx context.Context, store storage.ObjectStore, prefix string, tr TimeRange, logger *slog.Logger) ([]storage.RemoteObject, error) {
	if tr.Start.IsZero() || tr.End.IsZero() {
		return nil, fmt.Errorf("%w: range was not built with NewTimeRange", ErrInvalidRange)
	}
	l := logger.With(slog.String("prefix", prefix))
	l.Debug("Starting object discovery.")

	var all []storage.RemoteObject
	req := storage.ListRequest{Prefix: prefix}
	pages := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := store.ListPage(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("list %q (page %d): %w", prefix, pages+1, err)
		}
		pages++
		all = append(all, page.Objects...)
		if page.NextToken == "" {
			break
		}
		req.Token = page.NextToken
	}

	matched := make([]storage.RemoteObject, 0, len(all))
	for _, obj := range all {
		// folder placeholder objects
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		if obj.LastModified.IsZero() {
			return nil, fmt.Errorf("%w: %s", ErrMissingTimestamp, obj.Key)
		}
		if tr.Contains(obj.LastModified) {
			obj.LastModified = obj.LastModified.UTC()
			matched = append(matched, obj)
		}
	}

	l.Info("Discovery complete.",
		slog.Int("pages", pages),
		slog.Int("listed", len(all)),
		slog.Int("in_range", len(matched)),
		slog.Time("start", tr.Start),
		slog.Time("end", tr.End),
	)
	return matched, nil
}
