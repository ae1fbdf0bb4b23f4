package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aymanbagabas/go-udiff"

	"github.com/m4xw311/acprelay/errors"
)

// maxReadBytes bounds what read_file returns in one call.
const maxReadBytes = 256 * 1024

func hintPath(ctx context.Context, args map[string]any, name string) string {
	p, _ := args[name].(string)
	if p == "" {
		return ""
	}
	abs, _ := resolvePath(WorkDir(ctx), p)
	return abs
}

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	policy *Policy
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file. Args: path (string)."
}

func (t *ReadFileTool) Schema() map[string]any {
	return objectSchema([]string{"path"}, map[string]any{"path": stringProp("File to read")})
}

func (t *ReadFileTool) Hints(ctx context.Context, args map[string]any) Hints {
	path := hintPath(ctx, args, "path")
	return Hints{Title: "Read " + filepath.Base(path), Locations: pathLocation(path)}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	abs, err := t.policy.Resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file '%s'", path)
	}
	truncated := len(content) > maxReadBytes
	if truncated {
		content = content[:maxReadBytes]
	}
	return &Result{
		Output:   string(content),
		Metadata: map[string]any{"path": abs, "bytes": len(content), "truncated": truncated},
	}, nil
}

// ListDirTool lists the entries of a directory, skipping hidden paths.
type ListDirTool struct {
	policy *Policy
}

func (t *ListDirTool) Name() string { return "list_dir" }
func (t *ListDirTool) Description() string {
	return "Lists the entries of a directory. Directories end with '/'. Args: path (string, default '.')."
}

func (t *ListDirTool) Schema() map[string]any {
	return objectSchema(nil, map[string]any{"path": stringProp("Directory to list")})
}

func (t *ListDirTool) Hints(ctx context.Context, args map[string]any) Hints {
	path := hintPath(ctx, args, "path")
	if path == "" {
		path = WorkDir(ctx)
	}
	return Hints{Title: "List " + path, Locations: pathLocation(path)}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	path := optionalString(args, "path", ".")
	abs, err := t.policy.Resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list directory '%s'", path)
	}
	workDir := WorkDir(ctx)
	var names []string
	for _, e := range entries {
		_, rel := resolvePath(workDir, filepath.Join(abs, e.Name()))
		if t.policy.IsHidden(rel) {
			continue
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Result{
		Output:   strings.Join(names, "\n"),
		Metadata: map[string]any{"path": abs, "entries": len(names)},
	}, nil
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	policy *Policy
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Args: path (string), content (string)."
}

func (t *WriteFileTool) Schema() map[string]any {
	return objectSchema([]string{"path", "content"}, map[string]any{
		"path":    stringProp("File to write"),
		"content": stringProp("Full new content of the file"),
	})
}

func (t *WriteFileTool) RequiresConfirmation() bool { return true }

func (t *WriteFileTool) Hints(ctx context.Context, args map[string]any) Hints {
	path := hintPath(ctx, args, "path")
	return Hints{Title: "Write " + filepath.Base(path), Locations: pathLocation(path)}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return nil, err
	}
	abs, err := t.policy.ResolveWritable(ctx, path)
	if err != nil {
		return nil, err
	}

	var previous string
	if old, err := os.ReadFile(abs); err == nil {
		previous = string(old)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to read existing file '%s'", path)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create parent directory for '%s'", path)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return nil, errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return &Result{
		Output:   fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path),
		Diff:     fileDiff(abs, previous, content),
		Metadata: map[string]any{"path": abs, "bytes": len(content)},
	}, nil
}

// EditFileTool replaces one occurrence of a text fragment in a file.
type EditFileTool struct {
	policy *Policy
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replaces old_text with new_text in a file. old_text must occur exactly once unless replace_all is true. " +
		"Args: path (string), old_text (string), new_text (string), replace_all (bool)."
}

func (t *EditFileTool) Schema() map[string]any {
	return objectSchema([]string{"path", "old_text", "new_text"}, map[string]any{
		"path":        stringProp("File to edit"),
		"old_text":    stringProp("Exact text to replace"),
		"new_text":    stringProp("Replacement text"),
		"replace_all": map[string]any{"type": "boolean", "description": "Replace every occurrence"},
	})
}

func (t *EditFileTool) RequiresConfirmation() bool { return true }

func (t *EditFileTool) Hints(ctx context.Context, args map[string]any) Hints {
	path := hintPath(ctx, args, "path")
	return Hints{Title: "Edit " + filepath.Base(path), Locations: pathLocation(path)}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	oldText, err := stringArg(args, "old_text")
	if err != nil {
		return nil, err
	}
	newText, err := stringArg(args, "new_text")
	if err != nil {
		return nil, err
	}
	if oldText == "" {
		return nil, errors.New("'old_text' must not be empty")
	}
	abs, err := t.policy.ResolveWritable(ctx, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file '%s'", path)
	}
	before := string(data)

	count := strings.Count(before, oldText)
	switch {
	case count == 0:
		return nil, errors.New("'old_text' not found in '%s'", path)
	case count > 1 && !optionalBool(args, "replace_all"):
		return nil, errors.New("'old_text' occurs %d times in '%s'; set replace_all or add context", count, path)
	}
	after := strings.ReplaceAll(before, oldText, newText)

	if err := os.WriteFile(abs, []byte(after), 0644); err != nil {
		return nil, errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return &Result{
		Output:   fmt.Sprintf("Replaced %d occurrence(s) in %s", count, path),
		Diff:     fileDiff(abs, before, after),
		Metadata: map[string]any{"path": abs, "replacements": count},
	}, nil
}

// DeleteFileTool removes a single file.
type DeleteFileTool struct {
	policy *Policy
}

func (t *DeleteFileTool) Name() string { return "delete_file" }
func (t *DeleteFileTool) Description() string {
	return "Deletes a file. Args: path (string)."
}

func (t *DeleteFileTool) Schema() map[string]any {
	return objectSchema([]string{"path"}, map[string]any{"path": stringProp("File to delete")})
}

func (t *DeleteFileTool) RequiresConfirmation() bool { return true }

func (t *DeleteFileTool) Hints(ctx context.Context, args map[string]any) Hints {
	path := hintPath(ctx, args, "path")
	return Hints{Title: "Delete " + filepath.Base(path), Locations: pathLocation(path)}
}

func (t *DeleteFileTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	abs, err := t.policy.ResolveWritable(ctx, path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat '%s'", path)
	}
	if info.IsDir() {
		return nil, errors.New("'%s' is a directory", path)
	}
	if err := os.Remove(abs); err != nil {
		return nil, errors.Wrapf(err, "failed to delete '%s'", path)
	}
	return &Result{Output: "Deleted " + path, Metadata: map[string]any{"path": abs}}, nil
}

// MoveFileTool renames a file or directory.
type MoveFileTool struct {
	policy *Policy
}

func (t *MoveFileTool) Name() string { return "move_file" }
func (t *MoveFileTool) Description() string {
	return "Moves or renames a file. Args: source (string), destination (string)."
}

func (t *MoveFileTool) Schema() map[string]any {
	return objectSchema([]string{"source", "destination"}, map[string]any{
		"source":      stringProp("Existing path"),
		"destination": stringProp("New path"),
	})
}

func (t *MoveFileTool) RequiresConfirmation() bool { return true }

func (t *MoveFileTool) Hints(ctx context.Context, args map[string]any) Hints {
	src := hintPath(ctx, args, "source")
	dst := hintPath(ctx, args, "destination")
	h := Hints{Title: fmt.Sprintf("Move %s to %s", filepath.Base(src), filepath.Base(dst))}
	h.Locations = append(pathLocation(src), pathLocation(dst)...)
	return h
}

func (t *MoveFileTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	src, err := stringArg(args, "source")
	if err != nil {
		return nil, err
	}
	dst, err := stringArg(args, "destination")
	if err != nil {
		return nil, err
	}
	absSrc, err := t.policy.ResolveWritable(ctx, src)
	if err != nil {
		return nil, err
	}
	absDst, err := t.policy.ResolveWritable(ctx, dst)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(absDst); err == nil {
		return nil, errors.New("destination '%s' already exists", dst)
	}
	if err := os.MkdirAll(filepath.Dir(absDst), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create parent directory for '%s'", dst)
	}
	if err := os.Rename(absSrc, absDst); err != nil {
		return nil, errors.Wrapf(err, "failed to move '%s' to '%s'", src, dst)
	}
	return &Result{
		Output:   fmt.Sprintf("Moved %s to %s", src, dst),
		Metadata: map[string]any{"source": absSrc, "destination": absDst},
	}, nil
}

// fileDiff returns nil when nothing changed.
func fileDiff(path, before, after string) *Diff {
	if before == after {
		return nil
	}
	return &Diff{Path: path, Unified: udiff.Unified(path, path, before, after)}
}
