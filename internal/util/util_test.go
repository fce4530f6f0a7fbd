package util

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func TestParseDateBound(t *testing.T) {
	fallback := time.Date(2023, 5, 6, 7, 8, 9, 0, time.UTC)

	got, err := ParseDateBound("", time.UTC, fallback, false)
	require.NoError(t, err)
	assert.Equal(t, fallback, got)

	got, err = ParseDateBound("2024-03-01", time.UTC, fallback, false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseDateBound("2024-03-01", time.UTC, fallback, true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 23, 59, 59, 999999999, time.UTC), got)

	plus10 := time.FixedZone("AEST", 10*60*60)
	got, err = ParseDateBound("2024-03-01", plus10, fallback, false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 14, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location())

	_, err = ParseDateBound("01/03/2024", time.UTC, fallback, false)
	require.Error(t, err)
}

func TestParseLinks(t *testing.T) {
	doc := `<html><body>
<a href="../">Parent</a>
<a href="?C=M;O=A">Sort</a>
<a href="p1/a.ZIP">a</a>
<a href="p1/notes.txt">notes</a>
<a href="/abs/p2/b.zip">b</a>
</body></html>`
	root, err := html.Parse(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, []string{"p1/a.ZIP", "/abs/p2/b.zip"}, ParseLinks(root, ".zip"))
	assert.Equal(t, []string{"p1/a.ZIP", "p1/notes.txt", "/abs/p2/b.zip"}, ParseLinks(root, ""))
}

func TestDoOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/present", nil)
	resp, err := DoOK(DefaultHTTPClient(), req)
	require.NoError(t, err)
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/missing", nil)
	_, err = DoOK(DefaultHTTPClient(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
