package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/protocol"
)

const (
	maxSearchMatches = 200
	maxSearchLine    = 400
)

// SearchTool greps files selected by a doublestar glob.
type SearchTool struct {
	policy *Policy
}

func (t *SearchTool) Name() string { return "search" }
func (t *SearchTool) Description() string {
	return "Searches file contents with a regular expression. " +
		"Args: pattern (string, regexp), glob (string, default '**/*'), path (string, default '.')."
}

func (t *SearchTool) Schema() map[string]any {
	return objectSchema([]string{"pattern"}, map[string]any{
		"pattern": stringProp("Regular expression to look for"),
		"glob":    stringProp("Doublestar pattern selecting files, relative to path"),
		"path":    stringProp("Directory to search from"),
	})
}

func (t *SearchTool) Hints(ctx context.Context, args map[string]any) Hints {
	pattern, _ := args["pattern"].(string)
	root := hintPath(ctx, args, "path")
	if root == "" {
		root = WorkDir(ctx)
	}
	return Hints{Title: fmt.Sprintf("Search for %q", pattern), Locations: pathLocation(root)}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	pattern, err := stringArg(args, "pattern")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid search pattern '%s'", pattern)
	}
	glob := optionalString(args, "glob", "**/*")
	if !doublestar.ValidatePattern(glob) {
		return nil, errors.New("invalid glob '%s'", glob)
	}
	root, err := t.policy.Resolve(ctx, optionalString(args, "path", "."))
	if err != nil {
		return nil, err
	}

	files, err := doublestar.Glob(os.DirFS(root), glob, doublestar.WithFilesOnly())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to expand glob '%s'", glob)
	}

	workDir := WorkDir(ctx)
	var (
		lines     []string
		locations []protocol.ToolCallLocation
		truncated bool
	)
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		abs := filepath.Join(root, filepath.FromSlash(name))
		_, rel := resolvePath(workDir, abs)
		if t.policy.IsHidden(rel) {
			continue
		}
		hits, err := grepFile(abs, re, maxSearchMatches-len(lines))
		if err != nil {
			continue
		}
		for _, h := range hits {
			line := h.line
			lines = append(lines, fmt.Sprintf("%s:%d: %s", rel, line, h.text))
			locations = append(locations, protocol.ToolCallLocation{Path: abs, Line: &line})
		}
		if len(lines) >= maxSearchMatches {
			truncated = true
			break
		}
	}

	output := strings.Join(lines, "\n")
	if len(lines) == 0 {
		output = "No matches found."
	}
	return &Result{
		Output: output,
		Metadata: map[string]any{
			"matches":   len(lines),
			"files":     len(files),
			"truncated": truncated,
			"locations": locations,
		},
	}, nil
}

type hit struct {
	line int
	text string
}

func grepFile(path string, re *regexp.Regexp, limit int) ([]hit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hits []hit
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() && len(hits) < limit {
		n++
		text := scanner.Text()
		if !re.MatchString(text) {
			continue
		}
		if len(text) > maxSearchLine {
			text = text[:maxSearchLine]
		}
		hits = append(hits, hit{line: n, text: text})
	}
	return hits, scanner.Err()
}
