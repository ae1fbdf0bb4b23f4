package toolcall

import (
	"strconv"
	"strings"
)

// Diff is the old and new text recovered from a unified diff. OldText is
// nil when the old side is empty, which marks a file creation.
type Diff struct {
	Path    string
	OldText *string
	NewText string
}

// ParseUnifiedDiff rebuilds both sides of a unified diff. Context lines go
// to both sides, '-' lines to the old side and '+' lines to the new side.
// File headers and hunk headers are skipped. ok is false when the text has
// no diff lines at all.
func ParseUnifiedDiff(text string) (d Diff, ok bool) {
	var (
		oldLines, newLines []string
		oldLeft, newLeft   int
		counted            bool
	)
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		inHunk := counted && (oldLeft > 0 || newLeft > 0)
		switch {
		case !inHunk && strings.HasPrefix(line, "@@"):
			oldLeft, newLeft, counted = hunkCounts(line)
			continue
		case !inHunk && strings.HasPrefix(line, "---"):
			if d.Path == "" {
				d.Path = headerPath(line[3:])
			}
			continue
		case !inHunk && strings.HasPrefix(line, "+++"):
			if p := headerPath(line[3:]); p != "" {
				d.Path = p
			}
			continue
		case strings.HasPrefix(line, `\`):
			// "\ No newline at end of file"
			continue
		}

		if line == "" {
			line = " "
		}
		switch line[0] {
		case '-':
			oldLines = append(oldLines, line[1:])
			oldLeft--
		case '+':
			newLines = append(newLines, line[1:])
			newLeft--
		case ' ':
			oldLines = append(oldLines, line[1:])
			newLines = append(newLines, line[1:])
			oldLeft--
			newLeft--
		default:
			// git extended headers such as "diff --git" or "index"
			continue
		}
		ok = true
	}
	if !ok {
		return Diff{}, false
	}

	oldText := strings.Join(oldLines, "\n")
	if strings.TrimSpace(oldText) != "" {
		d.OldText = &oldText
	}
	d.NewText = strings.Join(newLines, "\n")
	return d, true
}

// hunkCounts reads the line counts from "@@ -a,b +c,d @@". A missing count
// means one line.
func hunkCounts(header string) (oldCount, newCount int, ok bool) {
	fields := strings.Fields(header)
	if len(fields) < 3 || !strings.HasPrefix(fields[1], "-") || !strings.HasPrefix(fields[2], "+") {
		return 0, 0, false
	}
	oldCount, okOld := rangeCount(fields[1][1:])
	newCount, okNew := rangeCount(fields[2][1:])
	return oldCount, newCount, okOld && okNew
}

func rangeCount(r string) (int, bool) {
	_, count, found := strings.Cut(r, ",")
	if !found {
		return 1, true
	}
	n, err := strconv.Atoi(count)
	return n, err == nil
}

func headerPath(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\t'); i >= 0 {
		s = s[:i]
	}
	if s == "/dev/null" {
		return ""
	}
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(s, prefix) {
			return s[len(prefix):]
		}
	}
	return s
}
