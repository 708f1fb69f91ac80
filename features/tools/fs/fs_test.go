package fs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/sidekick/runtime/tools"
)

func fixtureDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"main.go":              "package main\n\nfunc main() {}\n",
		"internal/a/a.go":      "package a\n",
		"internal/b/b.go":      "package b\n",
		"internal/b/b_test.go": "package b\n",
		"README.md":            "# readme\nline two\nline three\nline four\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestReadFileReturnsContent(t *testing.T) {
	tool, err := NewReadFile(fixtureDir(t))
	require.NoError(t, err)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"main.go"}`), &tools.Context{})
	require.NoError(t, err)
	assert.Equal(t, "main.go", res.Title)
	assert.Equal(t, "package main\n\nfunc main() {}\n", res.Output)
	assert.Equal(t, false, res.Metadata["truncated"])
}

func TestReadFileWindowsByOffsetAndLimit(t *testing.T) {
	tool, err := NewReadFile(fixtureDir(t))
	require.NoError(t, err)

	res, err := tool.Execute(context.Background(),
		json.RawMessage(`{"path":"README.md","offset":2,"limit":2}`), &tools.Context{})
	require.NoError(t, err)
	assert.Equal(t, "line two\nline three", res.Output)
	assert.Equal(t, true, res.Metadata["truncated"])
}

func TestReadFileRejectsEscapes(t *testing.T) {
	tool, err := NewReadFile(fixtureDir(t))
	require.NoError(t, err)

	for _, path := range []string{"../etc/passwd", "/etc/passwd", "internal/../../x"} {
		_, err := tool.Execute(context.Background(),
			json.RawMessage(`{"path":"`+path+`"}`), &tools.Context{})
		require.Error(t, err, path)
		assert.Contains(t, err.Error(), "escapes")
	}
}

func TestReadFileRejectsDirectory(t *testing.T) {
	tool, err := NewReadFile(fixtureDir(t))
	require.NoError(t, err)

	_, err = tool.Execute(context.Background(), json.RawMessage(`{"path":"internal"}`), &tools.Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory")
}

func TestReadFileTruncatesLargeFiles(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("x", MaxReadBytes+100)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.txt"), []byte(big), 0o644))
	tool, err := NewReadFile(dir)
	require.NoError(t, err)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"big.txt"}`), &tools.Context{})
	require.NoError(t, err)
	assert.Len(t, res.Output, MaxReadBytes)
	assert.Equal(t, true, res.Metadata["truncated"])
}

func TestGlobRecursiveMatch(t *testing.T) {
	tool, err := NewGlob(fixtureDir(t))
	require.NoError(t, err)

	res, err := tool.Execute(context.Background(),
		json.RawMessage(`{"pattern":"internal/**/*.go"}`), &tools.Context{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"internal/a/a.go",
		"internal/b/b.go",
		"internal/b/b_test.go",
	}, strings.Split(res.Output, "\n"))
	assert.Equal(t, 3, res.Metadata["count"])
}

func TestGlobNoMatches(t *testing.T) {
	tool, err := NewGlob(fixtureDir(t))
	require.NoError(t, err)

	res, err := tool.Execute(context.Background(),
		json.RawMessage(`{"pattern":"**/*.rs"}`), &tools.Context{})
	require.NoError(t, err)
	assert.Equal(t, "no files matched", res.Output)
	assert.Equal(t, 0, res.Metadata["count"])
}

func TestGlobInvalidPattern(t *testing.T) {
	tool, err := NewGlob(fixtureDir(t))
	require.NoError(t, err)

	_, err = tool.Execute(context.Background(),
		json.RawMessage(`{"pattern":"[invalid"}`), &tools.Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")
}

func TestToolsRegisterWithValidSchemas(t *testing.T) {
	dir := fixtureDir(t)
	reg := tools.NewRegistry()

	read, err := NewReadFile(dir)
	require.NoError(t, err)
	glob, err := NewGlob(dir)
	require.NoError(t, err)
	require.NoError(t, reg.Register(read))
	require.NoError(t, reg.Register(glob))

	// Schema validation rejects extra fields before dispatch.
	_, err = reg.Execute(context.Background(), "read_file",
		json.RawMessage(`{"path":"main.go","shell":"rm -rf /"}`), &tools.Context{})
	require.Error(t, err)
}
