// Package storage wraps the remote object stores exports are pulled from.
// Each provider exposes the same two primitives: one page of a prefix listing,
// and a fetch of one object into a local file.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/brensch/panelpull/internal/config"
)

// RemoteObject is one listed object. Identity is Key.
type RemoteObject struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// ListRequest asks for one page of a listing. An empty Token requests the first page.
type ListRequest struct {
	Prefix    string
	Delimiter string
	Token     string
}

// Page is one page of a listing. An empty NextToken means there are no more pages.
type Page struct {
	Objects        []RemoteObject
	CommonPrefixes []string
	NextToken      string
}

// ObjectStore is the minimal surface the pipeline needs from a provider.
type ObjectStore interface {
	ListPage(ctx context.Context, req ListRequest) (Page, error)
	// Fetch writes the object's bytes to destPath, creating or truncating it.
	Fetch(ctx context.Context, key, destPath string) error
}

// Open constructs the provider selected in cfg. It is called once per command.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (ObjectStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Provider {
	case config.ProviderS3:
		return NewS3Store(ctx, cfg, logger)
	case config.ProviderGCS:
		return NewGCSStore(ctx, cfg)
	case config.ProviderHTTP:
		return NewHTTPIndexStore(cfg.Endpoint, nil, logger)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

// ListPrefixes returns every common prefix directly under prefix, following pagination.
func ListPrefixes(ctx context.Context, store ObjectStore, prefix string) ([]string, error) {
	var out []string
	req := ListRequest{Prefix: prefix, Delimiter: "/"}
	for {
		page, err := store.ListPage(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("list prefixes under %q: %w", prefix, err)
		}
		out = append(out, page.CommonPrefixes...)
		if page.NextToken == "" {
			return out, nil
		}
		req.Token = page.NextToken
	}
}

// writeToFile streams r into a temp file beside destPath and renames it into
// place once complete, so destPath only ever holds a finished download.
func writeToFile(r io.Reader, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", destPath, err)
	}
	tmp := destPath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	_, copyErr := io.Copy(out, r)
	closeErr := out.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", destPath, err)
	}
	return nil
}
