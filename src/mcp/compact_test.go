package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompactLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"timestamp", "2024-05-21T10:00:05.123Z error: boom", "error: boom"},
		{"comma timestamp", "2024-05-21 10:00:05,123 INFO ok", "INFO ok"},
		{"long path", "at /home/build/work/src/parser/lexer.go:42 failed", "at .../lexer.go:42 failed"},
		{"short path", "open /tmp/x", "open /tmp/x"},
		{"whitespace", "  a \t  b  ", "a b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, compactLine(tt.in))
		})
	}
}

func TestCompactLinesFoldsRepeats(t *testing.T) {
	got := compactLines([]string{"retry", "retry", "retry", "done"})
	assert.Equal(t, []string{"retry", "(repeated 3 times)", "done"}, got)
}

func TestCompactLinesRemovesCommonPrefix(t *testing.T) {
	got := compactLines([]string{
		"[builder-1] [linux-build] step one",
		"[builder-1] [linux-build] step two",
	})
	assert.Equal(t, []string{"... one", "... two"}, got)

	short := compactLines([]string{"ab 1", "ab 2"})
	assert.Equal(t, []string{"ab 1", "ab 2"}, short)
}
