// Package fs provides the built-in read-only filesystem tools: read_file and
// glob. Both are confined to a root directory fixed at construction; paths
// that resolve outside the root are rejected before touching the disk.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"goa.design/sidekick/runtime/tools"
)

type (
	// ReadFile reads a file under the root, optionally windowed by line
	// offset and limit.
	ReadFile struct {
		root string
	}

	// Glob matches files under the root with doublestar patterns
	// ("**/*.go").
	Glob struct {
		root string
	}

	readFileArgs struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}

	globArgs struct {
		Pattern string `json:"pattern"`
	}
)

const (
	// MaxReadBytes bounds how much of a file read_file returns.
	MaxReadBytes = 256 << 10

	// MaxMatches bounds how many paths glob returns.
	MaxMatches = 1000
)

// errStopWalk ends a glob walk early once MaxMatches paths matched.
var errStopWalk = errors.New("stop walk")

// NewReadFile constructs the read_file tool rooted at dir.
func NewReadFile(dir string) (*ReadFile, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	return &ReadFile{root: root}, nil
}

// Name implements tools.Tool.
func (r *ReadFile) Name() tools.Ident { return "read_file" }

// Description implements tools.Tool.
func (r *ReadFile) Description() string {
	return "Read a text file relative to the working directory. " +
		"Optionally pass a 1-based line offset and a line limit."
}

// Schema implements tools.Tool.
func (r *ReadFile) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path relative to the working directory.",
			},
			"offset": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"description": "1-based first line to return.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"description": "Maximum number of lines to return.",
			},
		},
		"required":             []any{"path"},
		"additionalProperties": false,
	}
}

// Execute implements tools.Tool.
func (r *ReadFile) Execute(ctx context.Context, args json.RawMessage, _ *tools.Context) (*tools.Result, error) {
	var in readFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	abs, rel, err := resolve(r.root, in.Path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", rel)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, MaxReadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	truncated := len(raw) > MaxReadBytes
	if truncated {
		raw = raw[:MaxReadBytes]
	}
	content, windowed := window(string(raw), in.Offset, in.Limit)
	truncated = truncated || windowed

	return &tools.Result{
		Title:  rel,
		Output: content,
		Metadata: map[string]any{
			"path":      rel,
			"size":      info.Size(),
			"truncated": truncated,
		},
	}, nil
}

// NewGlob constructs the glob tool rooted at dir.
func NewGlob(dir string) (*Glob, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	return &Glob{root: root}, nil
}

// Name implements tools.Tool.
func (g *Glob) Name() tools.Ident { return "glob" }

// Description implements tools.Tool.
func (g *Glob) Description() string {
	return "List files matching a glob pattern relative to the working " +
		"directory. Supports ** for recursive matching."
}

// Schema implements tools.Tool.
func (g *Glob) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern, e.g. \"internal/**/*.go\".",
			},
		},
		"required":             []any{"pattern"},
		"additionalProperties": false,
	}
}

// Execute implements tools.Tool.
func (g *Glob) Execute(ctx context.Context, args json.RawMessage, _ *tools.Context) (*tools.Result, error) {
	var in globArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	pattern := filepath.ToSlash(strings.TrimSpace(in.Pattern))
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", in.Pattern)
	}

	var (
		matches   []string
		truncated bool
	)
	err := doublestar.GlobWalk(os.DirFS(g.root), pattern, func(path string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if len(matches) == MaxMatches {
			truncated = true
			return errStopWalk
		}
		matches = append(matches, path)
		return nil
	})
	if err != nil && err != errStopWalk {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)

	output := strings.Join(matches, "\n")
	if output == "" {
		output = "no files matched"
	}
	return &tools.Result{
		Title:  fmt.Sprintf("%d files", len(matches)),
		Output: output,
		Metadata: map[string]any{
			"pattern":   pattern,
			"count":     len(matches),
			"truncated": truncated,
		},
	}, nil
}

// resolve joins path to root and rejects anything that escapes it.
func resolve(root, path string) (abs, rel string, err error) {
	if path == "" {
		return "", "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) || !filepath.IsLocal(filepath.FromSlash(path)) {
		return "", "", fmt.Errorf("path %q escapes the working directory", path)
	}
	abs = filepath.Join(root, filepath.FromSlash(path))
	rel, err = filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path %q escapes the working directory", path)
	}
	return abs, filepath.ToSlash(rel), nil
}

// window slices content to the requested 1-based line offset and limit. The
// second return reports whether any lines were cut.
func window(content string, offset, limit int) (string, bool) {
	if offset <= 0 && limit <= 0 {
		return content, false
	}
	lines := strings.Split(content, "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", true
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	cut := start > 0 || end < len(lines)
	return strings.Join(lines[start:end], "\n"), cut
}
