package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitten-master/src/contracts"
)

func testReport(items ...map[string]string) contracts.Report {
	return contracts.Report{Kind: contracts.ReportTest, Items: items}
}

func TestTestSummarizer(t *testing.T) {
	reports := []contracts.Report{
		testReport(
			map[string]string{"fixture": "pkg.B", "name": "b1", "status": "success"},
			map[string]string{"fixture": "pkg.A", "name": "a1", "status": "failure", "traceback": "boom"},
			map[string]string{"fixture": "pkg.A", "name": "a2", "status": "error"},
		),
		testReport(
			map[string]string{"fixture": "pkg.B", "status": "ignore"},
		),
		{Kind: contracts.ReportLint, Items: []map[string]string{{"category": "error"}}},
	}

	s, ok := DefaultRegistry().Summarize(contracts.ReportTest, reports)
	require.True(t, ok)
	assert.Equal(t, "4 tests, 1 failures, 1 errors, 1 ignored", s.Text)

	data := s.Data.(TestSummary)
	assert.Equal(t, TestTotals{Success: 1, Ignore: 1, Failure: 1, Error: 1}, data.Totals)
	require.Len(t, data.Fixtures, 2)
	assert.Equal(t, "pkg.A", data.Fixtures[0].Name)
	require.Len(t, data.Fixtures[0].Failures, 2)
	assert.Equal(t, "boom", data.Fixtures[0].Failures[0].Traceback)
	// Unnamed tests take the fixture name.
	assert.Equal(t, "pkg.B", data.Fixtures[1].Failures[0].Name)
}

func TestCoverageSummarizer(t *testing.T) {
	rep := contracts.Report{Kind: contracts.ReportCoverage, Items: []map[string]string{
		{"name": "util", "lines": "100", "percentage": "50"},
		{"name": "core", "lines": "300", "percentage": "90"},
		{"name": "empty", "lines": "0", "percentage": "0"},
		{"name": "broken", "lines": "n/a"},
	}}

	s, ok := DefaultRegistry().Summarize(contracts.ReportCoverage, []contracts.Report{rep})
	require.True(t, ok)
	data := s.Data.(CoverageSummary)
	assert.Equal(t, 400, data.Lines)
	assert.InDelta(t, 80.0, data.Percentage, 0.001)
	require.Len(t, data.Units, 2)
	assert.Equal(t, "core", data.Units[0].Name)
	assert.Equal(t, "80% of 400 lines covered", s.Text)
}

func TestLintSummarizer(t *testing.T) {
	rep := contracts.Report{Kind: contracts.ReportLint, Items: []map[string]string{
		{"category": "error", "file": "a.py", "line": "3"},
		{"category": "warning", "file": "a.py"},
		{"category": "convention", "file": "b.py"},
	}}

	s, ok := DefaultRegistry().Summarize(contracts.ReportLint, []contracts.Report{rep})
	require.True(t, ok)
	data := s.Data.(LintSummary)
	assert.Equal(t, 3, data.Total)
	assert.Equal(t, 2, data.ByFile["a.py"])
	assert.Equal(t, "3 problems, 1 errors, 1 warnings", s.Text)

	problems := LintProblems(rep)
	assert.Equal(t, 3, problems[0].Line)
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry(TestSummarizer{})
	_, ok := r.Summarize(contracts.ReportCoverage, nil)
	assert.False(t, ok)
	assert.Equal(t, []contracts.ReportKind{contracts.ReportTest}, r.Kinds())

	r.Register(LintSummarizer{})
	assert.Equal(t, []contracts.ReportKind{contracts.ReportLint, contracts.ReportTest}, r.Kinds())
}
