package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/acprelay/config"
	"github.com/m4xw311/acprelay/errors"
)

func testSetup(t *testing.T) (context.Context, string, *Registry) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		AllowedCommands: []string{"^echo ", "^go test"},
		FilesystemAccess: config.FilesystemAccess{
			Hidden:   []string{".secret", ".secret/**"},
			ReadOnly: []string{"vendor/**"},
		},
	}
	return WithWorkDir(context.Background(), dir), dir, NewToolRegistry(cfg, nil)
}

func run(t *testing.T, ctx context.Context, r *Registry, name string, args map[string]any) (*Result, error) {
	t.Helper()
	tool, err := r.Get(name)
	require.NoError(t, err)
	return tool.Execute(ctx, args)
}

func TestRegistryListsBuiltins(t *testing.T) {
	_, _, r := testSetup(t)
	var names []string
	for _, tool := range r.List() {
		names = append(names, tool.Name())
	}
	assert.Equal(t, []string{
		"delete_file", "edit_file", "execute_command", "list_dir",
		"move_file", "read_file", "search", "write_file",
	}, names)

	_, err := r.Get("nope")
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestSelectWithWildcards(t *testing.T) {
	_, _, r := testSetup(t)

	active, err := r.Select(&config.Toolset{Name: "ro", Tools: []string{"read_*", "list_dir", "read_file"}})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "read_file", active[0].Name())
	assert.Equal(t, "list_dir", active[1].Name())

	_, err = r.Select(&config.Toolset{Name: "bad", Tools: []string{"gopls_*"}})
	assert.Error(t, err)

	all, err := r.Select(nil)
	require.NoError(t, err)
	assert.Len(t, all, 8)
}

func TestWriteReadAndEdit(t *testing.T) {
	ctx, dir, r := testSetup(t)

	res, err := run(t, ctx, r, "write_file", map[string]any{"path": "a/b.txt", "content": "one\ntwo\n"})
	require.NoError(t, err)
	require.NotNil(t, res.Diff)
	assert.Equal(t, filepath.Join(dir, "a", "b.txt"), res.Diff.Path)
	assert.Contains(t, res.Diff.Unified, "+one")

	res, err = run(t, ctx, r, "read_file", map[string]any{"path": "a/b.txt"})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", res.Output)

	res, err = run(t, ctx, r, "edit_file", map[string]any{"path": "a/b.txt", "old_text": "two", "new_text": "three"})
	require.NoError(t, err)
	require.NotNil(t, res.Diff)
	assert.Contains(t, res.Diff.Unified, "-two")
	assert.Contains(t, res.Diff.Unified, "+three")

	data, err := os.ReadFile(filepath.Join(dir, "a", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\nthree\n", string(data))
}

func TestEditRequiresUniqueMatch(t *testing.T) {
	ctx, dir, r := testSetup(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x x"), 0644))

	_, err := run(t, ctx, r, "edit_file", map[string]any{"path": "f.txt", "old_text": "x", "new_text": "y"})
	assert.Error(t, err)

	_, err = run(t, ctx, r, "edit_file", map[string]any{"path": "f.txt", "old_text": "x", "new_text": "y", "replace_all": true})
	require.NoError(t, err)
	data, _ := os.ReadFile(filepath.Join(dir, "f.txt"))
	assert.Equal(t, "y y", string(data))
}

func TestPathRestrictions(t *testing.T) {
	ctx, dir, r := testSetup(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".secret"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".secret", "key"), []byte("k"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "vendor"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vendor", "lib.go"), []byte("package lib"), 0644))

	_, err := run(t, ctx, r, "read_file", map[string]any{"path": ".secret/key"})
	assert.ErrorContains(t, err, "hidden")

	_, err = run(t, ctx, r, "read_file", map[string]any{"path": "vendor/lib.go"})
	assert.NoError(t, err)

	_, err = run(t, ctx, r, "write_file", map[string]any{"path": "vendor/lib.go", "content": "x"})
	assert.ErrorContains(t, err, "read-only")

	res, err := run(t, ctx, r, "list_dir", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "vendor/", res.Output)
}

func TestDeleteAndMove(t *testing.T) {
	ctx, dir, r := testSetup(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.txt"), []byte("data"), 0644))

	_, err := run(t, ctx, r, "move_file", map[string]any{"source": "old.txt", "destination": "sub/new.txt"})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "sub", "new.txt"))
	require.NoError(t, err)

	_, err = run(t, ctx, r, "delete_file", map[string]any{"path": "sub/new.txt"})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "sub", "new.txt"))
	assert.True(t, os.IsNotExist(err))

	_, err = run(t, ctx, r, "delete_file", map[string]any{"path": "sub"})
	assert.Error(t, err)
}

func TestSearch(t *testing.T) {
	ctx, dir, r := testSetup(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "a.go"), []byte("package pkg\n\nfunc Hello() {}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("Hello there\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".secret"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".secret", "x.go"), []byte("func Hello()\n"), 0644))

	res, err := run(t, ctx, r, "search", map[string]any{"pattern": `func Hello`, "glob": "**/*.go"})
	require.NoError(t, err)
	assert.Equal(t, "pkg/a.go:3: func Hello() {}", res.Output)
	assert.Equal(t, 1, res.Metadata["matches"])

	res, err = run(t, ctx, r, "search", map[string]any{"pattern": `nothing-here`})
	require.NoError(t, err)
	assert.Equal(t, "No matches found.", res.Output)

	_, err = run(t, ctx, r, "search", map[string]any{"pattern": `(`})
	assert.Error(t, err)
}

func TestExecuteCommandAllowlist(t *testing.T) {
	ctx, _, r := testSetup(t)

	res, err := run(t, ctx, r, "execute_command", map[string]any{"command": "echo hi"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(res.Output), "hi"))
	assert.Equal(t, 0, res.Metadata["exitCode"])

	_, err = run(t, ctx, r, "execute_command", map[string]any{"command": "rm -rf /"})
	assert.ErrorContains(t, err, "not in the list of allowed commands")
}

func TestIsCommandAllowedFallsBackToLiteral(t *testing.T) {
	matchers := compileAllowlist([]string{"make (", "^ls"}, nil)
	assert.True(t, isCommandAllowed("make (", matchers))
	assert.True(t, isCommandAllowed("ls -la", matchers))
	assert.False(t, isCommandAllowed("make", matchers))
	assert.False(t, isCommandAllowed("   ", matchers))
}

func TestHintsAndConfirmation(t *testing.T) {
	ctx, dir, r := testSetup(t)
	write, _ := r.Get("write_file")
	read, _ := r.Get("read_file")

	assert.True(t, RequiresConfirmation(write))
	assert.False(t, RequiresConfirmation(read))

	h := HintsFor(ctx, write, map[string]any{"path": "x.go"})
	assert.Equal(t, "Write x.go", h.Title)
	require.Len(t, h.Locations, 1)
	assert.Equal(t, filepath.Join(dir, "x.go"), h.Locations[0].Path)

	assert.Equal(t, "object", Schema(read)["type"])
}
