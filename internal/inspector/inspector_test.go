package inspector

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/panelpull/internal/layout"
)

func TestSummarizeGroupsArtifactsByType(t *testing.T) {
	lay := layout.New(t.TempDir(), "query_test")
	write := func(entity, typ, body string) {
		p := lay.ArtifactPath(entity, typ, ".csv")
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	write("p1", "session_data", "id,duration\n1,10\n2,20\n")
	write("p2", "session_data", "id,duration\n3,30\n")
	write("p1", "screenshot_data", "ts,app\n1,mail\n")

	conn, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	defer conn.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	summaries, err := Summarize(context.Background(), conn, lay, logger)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, "screenshot_data", summaries[0].Type)
	assert.Equal(t, int64(1), summaries[0].Rows)
	assert.Equal(t, "session_data", summaries[1].Type)
	assert.Len(t, summaries[1].Files, 2)
	assert.Equal(t, int64(3), summaries[1].Rows)
	require.Len(t, summaries[1].Columns, 2)
	assert.Equal(t, "id", summaries[1].Columns[0].Name)

	var out bytes.Buffer
	require.NoError(t, Print(&out, summaries))
	assert.Contains(t, out.String(), "=== Record Type: session_data ===")
}

func TestSummarizeWithoutArtifacts(t *testing.T) {
	conn, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	defer conn.Close()
	summaries, err := Summarize(context.Background(), conn, layout.New(t.TempDir(), "query_test"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestArtifactTypeFromName(t *testing.T) {
	typ, ok := artifactTypeFromName("app_segment_data-consolidated.csv")
	assert.True(t, ok)
	assert.Equal(t, "app_segment_data", typ)
	_, ok = artifactTypeFromName("-consolidated.csv")
	assert.False(t, ok)
}
