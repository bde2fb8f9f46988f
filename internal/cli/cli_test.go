package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"pdf-assistant-go/internal/model"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))
}

func TestExpandPaths(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.pdf"))
	touch(t, filepath.Join(dir, "nested", "deep", "b.PDF"))
	touch(t, filepath.Join(dir, "nested", "notes.txt"))
	touch(t, filepath.Join(dir, "other", "c.pdf"))

	t.Run("directory is searched recursively", func(t *testing.T) {
		got, err := expandPaths([]string{filepath.Join(dir, "nested")})
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(dir, "nested", "deep", "b.PDF")}, got)
	})

	t.Run("doublestar glob", func(t *testing.T) {
		got, err := expandPaths([]string{filepath.Join(dir, "**", "*.pdf")})
		require.NoError(t, err)
		assert.Equal(t, []string{
			filepath.Join(dir, "a.pdf"),
			filepath.Join(dir, "other", "c.pdf"),
		}, got)
	})

	t.Run("duplicates collapse", func(t *testing.T) {
		a := filepath.Join(dir, "a.pdf")
		got, err := expandPaths([]string{a, a, dir})
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := expandPaths([]string{filepath.Join(dir, "missing.pdf")})
		assert.Error(t, err)
	})
}

func sampleDocs() []model.Document {
	return []model.Document{{
		ID:          "doc-1",
		Filename:    "report.pdf",
		ContentHash: "abc",
		UploadTime:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		PageCount:   7,
		ChunkCount:  21,
		ByteSize:    1024,
	}}
}

func TestRenderDocuments(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderDocuments(&buf, sampleDocs(), "table"))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "report.pdf")
	assert.Contains(t, lines[1], "2026-01-02 03:04:05")

	buf.Reset()
	require.NoError(t, renderDocuments(&buf, sampleDocs(), "json"))
	var views []documentView
	require.NoError(t, json.Unmarshal(buf.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, 21, views[0].Chunks)

	buf.Reset()
	require.NoError(t, renderDocuments(&buf, sampleDocs(), "yaml"))
	views = nil
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "abc", views[0].ContentMD5)

	buf.Reset()
	require.NoError(t, renderDocuments(&buf, nil, "table"))
	assert.Equal(t, "No documents indexed.\n", buf.String())

	assert.Error(t, renderDocuments(&buf, nil, "xml"))
}

func TestPrintSources(t *testing.T) {
	var buf bytes.Buffer
	printSources(&buf, &model.QueryResult{
		Chunks:     []model.ScoredChunk{{Chunk: model.Chunk{DocumentID: "d1", Page: 3}, Score: 0.5}},
		WebSources: []model.WebSnippet{{Title: "T", URL: "https://x"}},
	})
	assert.Contains(t, buf.String(), "[D1] d1 page 3 (score 0.500)")
	assert.Contains(t, buf.String(), "[W1] T - https://x")

	buf.Reset()
	printSources(&buf, &model.QueryResult{})
	assert.Empty(t, buf.String())
}

func TestDocumentsList_EmptyIndex(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yml := "storage:\n  data_dir: " + dir + "\nindex:\n  path: " + filepath.Join(dir, "index.db") +
		"\nblob:\n  dir: " + filepath.Join(dir, "uploads") + "\nembedding:\n  provider: local\n  dimensions: 32\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yml), 0o644))

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "documents", "list", "-o", "json"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "[]\n", out.String())
}
