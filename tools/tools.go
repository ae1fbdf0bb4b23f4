// Package tools holds the tool providers the agent and the tools/* methods
// can execute, and the registry they are looked up in.
package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/config"
	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/logging"
	"github.com/m4xw311/acprelay/protocol"
)

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Result is the outcome of a successful Execute.
type Result struct {
	Output string
	// Diff is set by tools that change file contents.
	Diff     *Diff
	Metadata map[string]any
}

// Diff is a unified diff of one file.
type Diff struct {
	Path    string
	Unified string
}

// SchemaProvider is implemented by tools that describe their arguments with
// a JSON schema object.
type SchemaProvider interface {
	Schema() map[string]any
}

// Hints describe a pending call for client display.
type Hints struct {
	Title     string
	Locations []protocol.ToolCallLocation
}

// Hinter is implemented by tools that can describe a call before running it.
type Hinter interface {
	Hints(ctx context.Context, args map[string]any) Hints
}

// Confirmable is implemented by tools that must be approved before running.
type Confirmable interface {
	RequiresConfirmation() bool
}

// Schema returns t's schema, or an open object schema.
func Schema(t Tool) map[string]any {
	if sp, ok := t.(SchemaProvider); ok {
		if s := sp.Schema(); s != nil {
			return s
		}
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// RequiresConfirmation reports whether t is Confirmable and asks for it.
func RequiresConfirmation(t Tool) bool {
	c, ok := t.(Confirmable)
	return ok && c.RequiresConfirmation()
}

// HintsFor returns the tool's hints, defaulting the title to the tool name.
func HintsFor(ctx context.Context, t Tool, args map[string]any) Hints {
	var h Hints
	if hinter, ok := t.(Hinter); ok {
		h = hinter.Hints(ctx, args)
	}
	if h.Title == "" {
		h.Title = t.Name()
	}
	return h
}

// NotFoundError reports an unknown tool name.
type NotFoundError struct{ Name string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("tool not found: %s", e.Name) }

// Registry holds all available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewToolRegistry returns a registry with the built-in tools configured
// from cfg.
func NewToolRegistry(cfg *config.Config, logger *zap.Logger) *Registry {
	r := NewRegistry()
	policy := NewPolicy(cfg.FilesystemAccess)
	r.Register(&ReadFileTool{policy: policy})
	r.Register(&ListDirTool{policy: policy})
	r.Register(&WriteFileTool{policy: policy})
	r.Register(&EditFileTool{policy: policy})
	r.Register(&DeleteFileTool{policy: policy})
	r.Register(&MoveFileTool{policy: policy})
	r.Register(&SearchTool{policy: policy})
	r.Register(NewExecuteCommandTool(cfg.AllowedCommands, logger))
	return r
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return t, nil
}

// List returns every registered tool sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Select returns the tools named by a toolset. Entries may be doublestar
// patterns such as "gopls_*". A nil toolset selects everything.
func (r *Registry) Select(ts *config.Toolset) ([]Tool, error) {
	all := r.List()
	if ts == nil {
		return all, nil
	}
	picked := map[string]bool{}
	var active []Tool
	for _, entry := range ts.Tools {
		matched := false
		for _, t := range all {
			ok, err := doublestar.Match(entry, t.Name())
			if err != nil {
				return nil, errors.Wrapf(err, "invalid tool pattern '%s' in toolset '%s'", entry, ts.Name)
			}
			if !ok {
				continue
			}
			matched = true
			if !picked[t.Name()] {
				picked[t.Name()] = true
				active = append(active, t)
			}
		}
		if !matched {
			return nil, errors.New("tool '%s' from toolset '%s' is not registered", entry, ts.Name)
		}
	}
	return active, nil
}

type workDirKey struct{}

// WithWorkDir sets the directory relative paths resolve against.
func WithWorkDir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, workDirKey{}, dir)
}

// WorkDir returns the directory set by WithWorkDir, or the process working
// directory.
func WorkDir(ctx context.Context) string {
	if dir, ok := ctx.Value(workDirKey{}).(string); ok && dir != "" {
		return dir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// Policy applies the hidden and read-only path rules.
type Policy struct {
	Hidden   []string
	ReadOnly []string
}

func NewPolicy(fs config.FilesystemAccess) *Policy {
	return &Policy{Hidden: fs.Hidden, ReadOnly: fs.ReadOnly}
}

// Resolve returns the absolute form of p and rejects hidden paths. Patterns
// are matched against the path relative to the work directory.
func (p *Policy) Resolve(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	abs, rel := resolvePath(WorkDir(ctx), path)
	hidden, err := isPathRestricted(rel, p.hidden())
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}
	return abs, nil
}

// ResolveWritable is Resolve plus the read-only check.
func (p *Policy) ResolveWritable(ctx context.Context, path string) (string, error) {
	abs, err := p.Resolve(ctx, path)
	if err != nil {
		return "", err
	}
	_, rel := resolvePath(WorkDir(ctx), path)
	readOnly, err := isPathRestricted(rel, p.readOnly())
	if err != nil {
		return "", err
	}
	if readOnly {
		return "", errors.New("access denied: path '%s' is read-only", path)
	}
	return abs, nil
}

// IsHidden reports whether rel, relative to the work directory, is hidden.
func (p *Policy) IsHidden(rel string) bool {
	hidden, err := isPathRestricted(filepath.ToSlash(rel), p.hidden())
	return err != nil || hidden
}

func (p *Policy) hidden() []string {
	if p == nil {
		return nil
	}
	return p.Hidden
}

func (p *Policy) readOnly() []string {
	if p == nil {
		return nil
	}
	return p.ReadOnly
}

func resolvePath(workDir, path string) (abs, rel string) {
	abs = path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workDir, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(workDir, abs)
	if err != nil {
		rel = abs
	}
	return abs, filepath.ToSlash(rel)
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// commandMatcher is an allowlist entry: a compiled regex, or a literal when
// the pattern does not compile.
type commandMatcher struct {
	re      *regexp.Regexp
	literal string
}

func compileAllowlist(patterns []string, logger *zap.Logger) []commandMatcher {
	logger = logging.OrNop(logger)
	matchers := make([]commandMatcher, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Warn("invalid regex in allowed_commands, using exact match",
				zap.String("pattern", pattern), zap.Error(err))
			matchers = append(matchers, commandMatcher{literal: pattern})
			continue
		}
		matchers = append(matchers, commandMatcher{re: re})
	}
	return matchers
}

// isCommandAllowed checks if a command is in the allowlist.
func isCommandAllowed(command string, allowed []commandMatcher) bool {
	if len(strings.Fields(command)) == 0 {
		return false
	}
	for _, m := range allowed {
		if m.re != nil && m.re.MatchString(command) {
			return true
		}
		if m.re == nil && m.literal == command {
			return true
		}
	}
	return false
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name].(string)
	if !ok {
		return "", errors.New("missing or invalid '%s' argument", name)
	}
	return v, nil
}

func optionalString(args map[string]any, name, def string) string {
	if v, ok := args[name].(string); ok && v != "" {
		return v
	}
	return def
}

func optionalBool(args map[string]any, name string) bool {
	v, _ := args[name].(bool)
	return v
}

func pathLocation(path string) []protocol.ToolCallLocation {
	if path == "" {
		return nil
	}
	return []protocol.ToolCallLocation{{Path: path}}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
