package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrMalformedRunConfig is returned when an existing query_config.json cannot be used.
var ErrMalformedRunConfig = errors.New("malformed run configuration")

// RunConfig is the persisted record of a run's parameters and download progress.
// The json field names are kept compatible with configs written by earlier tooling.
type RunConfig struct {
	QueryID            string `json:"queryId"`
	BatchSize          int    `json:"batchSize"`
	NumFilesToDownload int    `json:"numFilesToDownload"`
	NumFilesDownloaded int    `json:"numFilesDownloaded"`
	LastBatchBeginID   string `json:"lastBatchBeginId"`
}

// RunConfigFile guards a RunConfig and its on-disk location. Download workers
// report completed batches concurrently, so updates are serialized here.
type RunConfigFile struct {
	mu   sync.Mutex
	path string
	cfg  RunConfig
}

// LoadOrCreateRunConfig opens the run config at path, or writes a fresh one for
// runID if none exists. An unreadable file, invalid json, or a queryId belonging
// to a different run all wrap ErrMalformedRunConfig.
func LoadOrCreateRunConfig(path, runID string, batchSize int) (*RunConfigFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		f := &RunConfigFile{path: path, cfg: RunConfig{QueryID: runID, BatchSize: batchSize}}
		if err := f.save(); err != nil {
			return nil, err
		}
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrMalformedRunConfig, path, err)
	}

	var rc RunConfig
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrMalformedRunConfig, path, err)
	}
	if rc.QueryID != runID {
		return nil, fmt.Errorf("%w: %s belongs to run %q, not %q", ErrMalformedRunConfig, path, rc.QueryID, runID)
	}
	if rc.BatchSize < 1 {
		return nil, fmt.Errorf("%w: %s has batch size %d", ErrMalformedRunConfig, path, rc.BatchSize)
	}
	return &RunConfigFile{path: path, cfg: rc}, nil
}

// Snapshot returns a copy of the current values.
func (f *RunConfigFile) Snapshot() RunConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// SetFilesToDownload records the size of the discovered object set.
func (f *RunConfigFile) SetFilesToDownload(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.NumFilesToDownload = n
	return f.save()
}

// RecordBatch adds a finished batch's fetched count and remembers the key it began with.
// lastBatchBeginId is informational; restarts still rely on destination existence checks.
func (f *RunConfigFile) RecordBatch(firstKey string, fetched int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.NumFilesDownloaded += fetched
	f.cfg.LastBatchBeginID = firstKey
	return f.save()
}

// save writes via a temp file and rename so a crash never leaves half a config behind.
// Callers hold f.mu or own f exclusively.
func (f *RunConfigFile) save() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	data, err := json.Marshal(f.cfg)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write run config: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace run config: %w", err)
	}
	return nil
}
