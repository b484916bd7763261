package mcp

import (
	"fmt"
	"regexp"
	"strings"
)

// timestampPattern matches leading timestamps such as
// 2024-05-21T10:00:05.123Z or 2024-05-21 10:00:05,123.
var timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}[.,]?\d*Z?([+-]\d{2}:?\d{2})?\s*`)

// longPathPattern matches absolute paths with three or more directories and
// captures the file name (with an optional line number).
var longPathPattern = regexp.MustCompile(`/(?:[^/\s]+/){3,}([^/\s:]+(?::\d+)?)`)

var whitespacePattern = regexp.MustCompile(`\s+`)

// minPrefixLength is the shortest common prefix worth replacing.
const minPrefixLength = 20

// compactLine shortens one log line without changing what it says.
func compactLine(line string) string {
	line = timestampPattern.ReplaceAllString(line, "")
	line = longPathPattern.ReplaceAllString(line, ".../$1")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(line, " "))
}

// compactLines compacts each line, folds runs of identical lines into one
// followed by a repeat marker and replaces a long common prefix with "... ".
func compactLines(lines []string) []string {
	var out []string
	for i := 0; i < len(lines); {
		line := compactLine(lines[i])
		j := i + 1
		for j < len(lines) && compactLine(lines[j]) == line {
			j++
		}
		out = append(out, line)
		if n := j - i; n > 1 {
			out = append(out, fmt.Sprintf("(repeated %d times)", n))
		}
		i = j
	}
	return removeCommonPrefix(out)
}

func commonPrefix(lines []string) string {
	if len(lines) < 2 {
		return ""
	}
	prefix := lines[0]
	for _, line := range lines[1:] {
		for len(prefix) > 0 && !strings.HasPrefix(line, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
		if prefix == "" {
			break
		}
	}
	if len(prefix) < minPrefixLength {
		return ""
	}
	return prefix
}

func removeCommonPrefix(lines []string) []string {
	prefix := commonPrefix(lines)
	if prefix == "" {
		return lines
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = "... " + line[len(prefix):]
	}
	return out
}
