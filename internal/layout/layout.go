// Package layout maps a run onto its directory tree. Every path the pipeline
// writes is derived here from (root, run id, entity, file name).
//
//	{run}/zipped/{entity}/*.zip
//	{run}/unzipped/panelists/{entity}/*.csv
//	{run}/combined/panelists/{entity}/images/*.jpg
//	{run}/combined/panelists/{entity}/metadata/{type}-consolidated.csv
//	{run}/query_config.json
package layout

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

const (
	zippedDir     = "zipped"
	unzippedDir   = "unzipped"
	combinedDir   = "combined"
	panelistsDir  = "panelists"
	imagesDir     = "images"
	metadataDir   = "metadata"
	runConfigFile = "query_config.json"
)

// Layout is the directory tree of a single run.
type Layout struct {
	Root  string
	RunID string
}

func New(root, runID string) Layout {
	return Layout{Root: root, RunID: runID}
}

func (l Layout) RunDir() string { return filepath.Join(l.Root, l.RunID) }

func (l Layout) ConfigPath() string { return filepath.Join(l.RunDir(), runConfigFile) }

// ZippedRoot holds one directory of raw archives per entity.
func (l Layout) ZippedRoot() string { return filepath.Join(l.RunDir(), zippedDir) }

func (l Layout) ArchiveDir(entity string) string { return filepath.Join(l.ZippedRoot(), entity) }

// ArchivePath is the download destination for an object: a pure function of run, entity and file name.
func (l Layout) ArchivePath(entity, fileName string) string {
	return filepath.Join(l.ArchiveDir(entity), fileName)
}

// UnzippedRoot holds one directory of extracted record files per entity.
func (l Layout) UnzippedRoot() string { return filepath.Join(l.RunDir(), unzippedDir, panelistsDir) }

func (l Layout) RecordDir(entity string) string { return filepath.Join(l.UnzippedRoot(), entity) }

func (l Layout) CombinedRoot() string { return filepath.Join(l.RunDir(), combinedDir, panelistsDir) }

func (l Layout) ImageDir(entity string) string {
	return filepath.Join(l.CombinedRoot(), entity, imagesDir)
}

func (l Layout) MetadataDir(entity string) string {
	return filepath.Join(l.CombinedRoot(), entity, metadataDir)
}

// ArtifactPath is where the consolidated file for (entity, record type) lives.
func (l Layout) ArtifactPath(entity, recordType, ext string) string {
	return filepath.Join(l.MetadataDir(entity), fmt.Sprintf("%s-consolidated%s", recordType, ext))
}

// EntityFromKey splits an object key into its entity (the parent path segment)
// and file name (the last segment). "a/b/panelist/p1/x.zip" -> ("p1", "x.zip").
func EntityFromKey(key string) (entity, fileName string, err error) {
	parts := strings.Split(strings.Trim(key, "/"), "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("key %q has no parent segment to derive an entity from", key)
	}
	entity, fileName = parts[len(parts)-2], parts[len(parts)-1]
	if !safeSegment(entity) || !safeSegment(fileName) {
		return "", "", fmt.Errorf("key %q yields an unsafe path segment", key)
	}
	return entity, fileName, nil
}

func safeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && path.Base(s) == s && !strings.Contains(s, `\`)
}
