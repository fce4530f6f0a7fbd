package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/panelpull/internal/config"
)

func writeFile(t *testing.T, path, body string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func newIndexServer(t *testing.T) (*HTTPIndexStore, time.Time) {
	t.Helper()
	dir := t.TempDir()
	mod := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	writeFile(t, filepath.Join(dir, "exports", "p1", "a.zip"), "archive-a", mod)
	writeFile(t, filepath.Join(dir, "exports", "p2", "b.zip"), "archive-bb", mod)
	writeFile(t, filepath.Join(dir, "exports", "readme.txt"), "hello", mod)

	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	t.Cleanup(srv.Close)

	store, err := NewHTTPIndexStore(srv.URL+"/exports", srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return store, mod
}

func keys(objs []RemoteObject) []string {
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.Key)
	}
	return out
}

func TestHTTPIndexRecursiveListing(t *testing.T) {
	store, mod := newIndexServer(t)

	page, err := store.ListPage(context.Background(), ListRequest{})
	require.NoError(t, err)
	assert.Empty(t, page.NextToken)
	assert.Equal(t, []string{"p1/a.zip", "p2/b.zip", "readme.txt"}, keys(page.Objects))
	assert.Equal(t, mod, page.Objects[0].LastModified)
	assert.Equal(t, int64(len("archive-bb")), page.Objects[1].Size)
}

func TestHTTPIndexDelimitedListing(t *testing.T) {
	store, _ := newIndexServer(t)

	prefixes, err := ListPrefixes(context.Background(), store, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1/", "p2/"}, prefixes)

	page, err := store.ListPage(context.Background(), ListRequest{Prefix: "p1/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1/a.zip"}, keys(page.Objects))

	page, err = store.ListPage(context.Background(), ListRequest{Prefix: "re"})
	require.NoError(t, err)
	assert.Equal(t, []string{"readme.txt"}, keys(page.Objects))
}

func TestHTTPIndexFetch(t *testing.T) {
	store, _ := newIndexServer(t)
	dest := filepath.Join(t.TempDir(), "nested", "a.zip")

	require.NoError(t, store.Fetch(context.Background(), "p1/a.zip", dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "archive-a", string(got))

	missing := filepath.Join(t.TempDir(), "missing.zip")
	require.Error(t, store.Fetch(context.Background(), "p9/missing.zip", missing))
	assert.NoFileExists(t, missing)
}

type stubS3 struct {
	pages   map[string]*s3.ListObjectsV2Output
	inputs  []*s3.ListObjectsV2Input
	bodies  map[string]string
	bodyErr error
}

func (s *stubS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	s.inputs = append(s.inputs, in)
	return s.pages[aws.ToString(in.ContinuationToken)], nil
}

func (s *stubS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := s.bodies[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	var r io.Reader = strings.NewReader(body)
	if s.bodyErr != nil {
		r = io.MultiReader(r, errReader{s.bodyErr})
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(r)}, nil
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func TestS3ListPageMapsFields(t *testing.T) {
	lm := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	stub := &stubS3{pages: map[string]*s3.ListObjectsV2Output{
		"": {
			Contents:              []s3types.Object{{Key: aws.String("t/p1/a.zip"), LastModified: aws.Time(lm), Size: aws.Int64(42)}},
			CommonPrefixes:        []s3types.CommonPrefix{{Prefix: aws.String("t/p1/")}},
			NextContinuationToken: aws.String("tok-2"),
		},
		"tok-2": {CommonPrefixes: []s3types.CommonPrefix{{Prefix: aws.String("t/p2/")}}},
	}}
	store := &S3Store{bucket: "bkt", client: stub}

	page, err := store.ListPage(context.Background(), ListRequest{Prefix: "t/"})
	require.NoError(t, err)
	assert.Equal(t, "tok-2", page.NextToken)
	assert.Equal(t, []RemoteObject{{Key: "t/p1/a.zip", LastModified: lm, Size: 42}}, page.Objects)
	assert.Nil(t, stub.inputs[0].ContinuationToken)
	assert.Nil(t, stub.inputs[0].Delimiter)

	prefixes, err := ListPrefixes(context.Background(), store, "t/")
	require.NoError(t, err)
	assert.Equal(t, []string{"t/p1/", "t/p2/"}, prefixes)
	assert.Equal(t, "/", aws.ToString(stub.inputs[1].Delimiter))
	assert.Equal(t, "tok-2", aws.ToString(stub.inputs[2].ContinuationToken))
}

func TestS3FetchRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	stub := &stubS3{bodies: map[string]string{"t/p1/a.zip": "zipbytes"}}
	store := &S3Store{bucket: "bkt", client: stub}

	ok := filepath.Join(dir, "ok.zip")
	require.NoError(t, store.Fetch(context.Background(), "t/p1/a.zip", ok))
	got, err := os.ReadFile(ok)
	require.NoError(t, err)
	assert.Equal(t, "zipbytes", string(got))

	stub.bodyErr = errors.New("connection reset")
	partial := filepath.Join(dir, "partial.zip")
	require.Error(t, store.Fetch(context.Background(), "t/p1/a.zip", partial))
	assert.NoFileExists(t, partial)
	assert.NoFileExists(t, partial+".tmp")
}

type readFunc func([]byte) (int, error)

func (f readFunc) Read(p []byte) (int, error) { return f(p) }

func TestWriteToFileRenamesIntoPlace(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "p1", "a.zip")
	tail := readFunc(func([]byte) (int, error) {
		// mid-stream only the temp file exists
		assert.NoFileExists(t, dest)
		assert.FileExists(t, dest+".tmp")
		return 0, io.EOF
	})
	require.NoError(t, writeToFile(io.MultiReader(strings.NewReader("zipbytes"), tail), dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "zipbytes", string(got))
	assert.NoFileExists(t, dest+".tmp")
}

func TestWriteToFileFailureKeepsExistingFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "a.zip")
	writeFile(t, dest, "complete", time.Now())

	failing := io.MultiReader(strings.NewReader("trunc"), errReader{errors.New("connection reset")})
	require.Error(t, writeToFile(failing, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "complete", string(got))
	assert.NoFileExists(t, dest+".tmp")
}

func TestHTTPIndexLogsThroughInjectedLogger(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "exports", "p1", "a.zip"), "archive-a", time.Now())
	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store, err := NewHTTPIndexStore(srv.URL+"/exports", srv.Client(), logger)
	require.NoError(t, err)

	_, err = store.ListPage(context.Background(), ListRequest{Prefix: "p1/"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Fetching index page.")
	assert.Contains(t, buf.String(), "index_url="+srv.URL+"/exports/p1/")
}

func TestOpenHTTPProviderUsesLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store, err := Open(context.Background(), config.StorageConfig{Provider: config.ProviderHTTP, Endpoint: "http://127.0.0.1:1/exports"}, logger)
	require.NoError(t, err)
	idx, ok := store.(*HTTPIndexStore)
	require.True(t, ok)
	assert.Same(t, logger, idx.logger)
}
