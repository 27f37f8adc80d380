package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideWorkspace is returned for paths that resolve outside the
// workspace root.
var ErrOutsideWorkspace = errors.New("path escapes workspace")

const maxReadBytes = 50 * 1024

// Workspace gives the model file access under a single root directory.
// An empty root disables it.
type Workspace struct {
	root string
}

// NewWorkspace returns a workspace rooted at root.
func NewWorkspace(root string) *Workspace {
	return &Workspace{root: root}
}

// Enabled reports whether a root is configured.
func (w *Workspace) Enabled() bool {
	return w.root != ""
}

// resolve maps path, relative to the root or absolute inside it, to an
// absolute path and the path relative to the root.
func (w *Workspace) resolve(path string) (abs, rel string, err error) {
	if w.root == "" {
		return "", "", fmt.Errorf("workspace not configured")
	}
	root, err := filepath.Abs(w.root)
	if err != nil {
		return "", "", fmt.Errorf("resolve workspace: %w", err)
	}

	abs = filepath.Clean(path)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	rel, err = filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	return abs, rel, nil
}

// Read returns a file's content. offset is a 1-based line number and
// limit a line count; zero means from the start and to the end.
func (w *Workspace) Read(_ context.Context, path string, offset, limit int) (string, error) {
	abs, _, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("file not found: %s", path)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	content := string(data)
	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		start := max(offset-1, 0)
		if start >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
		}
		end := len(lines)
		if limit > 0 && start+limit < end {
			end = start + limit
		}
		content = strings.Join(lines[start:end], "\n")
		if start > 0 || end < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", start+1, end, len(lines), content)
		}
	}

	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}
	return content, nil
}

// Write replaces a file's content, creating parent directories.
func (w *Workspace) Write(_ context.Context, path, content string) error {
	abs, _, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Edit replaces the single occurrence of oldText with newText.
func (w *Workspace) Edit(_ context.Context, path, oldText, newText string) error {
	abs, _, err := w.resolve(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file not found: %s", path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	content := string(data)
	switch n := strings.Count(content, oldText); {
	case oldText == "" || n == 0:
		if len(oldText) > 100 {
			return fmt.Errorf("old text not found in file (first 100 chars: %q...)", oldText[:100])
		}
		return fmt.Errorf("old text not found in file: %q", oldText)
	case n > 1:
		return fmt.Errorf("old text appears %d times in file; must be unique for safe editing", n)
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// List returns a directory's entries, directories suffixed with "/".
func (w *Workspace) List(_ context.Context, path string) ([]string, error) {
	abs, _, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("directory not found: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func pathSchema(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// Tools returns file_read, file_write, file_edit and file_list bound to
// w. Reads may run in parallel; writes and edits may not.
func (w *Workspace) Tools() []*Tool {
	const backend = "workspace"
	return []*Tool{
		{
			Name:           "file_read",
			Description:    "Read a file in the workspace. Use offset and limit (lines) for large files.",
			Backend:        backend,
			Available:      w.Enabled,
			ConcurrentSafe: true,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":   pathSchema("File path relative to the workspace."),
					"offset": map[string]any{"type": "integer", "description": "First line to return, 1-based."},
					"limit":  map[string]any{"type": "integer", "description": "Number of lines to return."},
				},
				"required": []string{"path"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return w.Read(ctx, stringArg(args, "path"), intArg(args, "offset"), intArg(args, "limit"))
			},
		},
		{
			Name:        "file_write",
			Description: "Create or overwrite a file in the workspace.",
			Backend:     backend,
			Available:   w.Enabled,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    pathSchema("File path relative to the workspace."),
					"content": map[string]any{"type": "string", "description": "Full file content."},
				},
				"required": []string{"path", "content"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				path, content := stringArg(args, "path"), stringArg(args, "content")
				if err := w.Write(ctx, path, content); err != nil {
					return "", err
				}
				return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
			},
		},
		{
			Name:        "file_edit",
			Description: "Replace one unique occurrence of old_text with new_text in a workspace file.",
			Backend:     backend,
			Available:   w.Enabled,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":     pathSchema("File path relative to the workspace."),
					"old_text": map[string]any{"type": "string", "description": "Exact text to replace. Must occur once."},
					"new_text": map[string]any{"type": "string", "description": "Replacement text."},
				},
				"required": []string{"path", "old_text", "new_text"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				path := stringArg(args, "path")
				if err := w.Edit(ctx, path, stringArg(args, "old_text"), stringArg(args, "new_text")); err != nil {
					return "", err
				}
				return "edited " + path, nil
			},
		},
		{
			Name:           "file_list",
			Description:    "List a directory in the workspace.",
			Backend:        backend,
			Available:      w.Enabled,
			ConcurrentSafe: true,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": pathSchema("Directory relative to the workspace. Defaults to the root."),
				},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				path := stringArg(args, "path")
				if path == "" {
					path = "."
				}
				names, err := w.List(ctx, path)
				if err != nil {
					return "", err
				}
				return strings.Join(names, "\n"), nil
			},
		},
	}
}
