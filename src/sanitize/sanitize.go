// Package sanitize cleans command output before it is recorded as step log
// messages. Slaves run commands under terminals that emit color codes and
// carriage-return progress lines; neither belongs in a stored log.
package sanitize

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansi.Strip(s)
}

// Clean strips escape sequences, normalizes line endings and trims trailing
// whitespace. A line redrawn with carriage returns keeps only its last state.
func Clean(s string) string {
	s = strings.ReplaceAll(StripANSI(s), "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = lastDraw(line)
	}
	return strings.TrimRight(strings.Join(lines, "\n"), " \t\n")
}

func lastDraw(line string) string {
	line = strings.TrimRight(line, "\r")
	if i := strings.LastIndexByte(line, '\r'); i >= 0 {
		return line[i+1:]
	}
	return line
}

// Lines splits output into cleaned lines, dropping blank ones.
func Lines(s string) []string {
	var out []string
	for _, line := range strings.Split(Clean(s), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, strings.TrimRight(line, " \t"))
	}
	return out
}
