package report

import (
	"fmt"
	"sort"
	"sync"

	"bitten-master/src/contracts"
)

// Summary is the rendered summary of the reports of one kind within a step.
type Summary struct {
	Kind contracts.ReportKind `json:"kind"`
	// Text is a one-line description, e.g. "42 tests, 1 failure, 0 errors".
	Text string `json:"text"`
	// Data is the kind specific payload (TestSummary, CoverageSummary, LintSummary).
	Data interface{} `json:"data"`
}

// Summarizer produces the summary of one report kind.
type Summarizer interface {
	Kind() contracts.ReportKind
	Summarize(reports []contracts.Report) Summary
}

// Registry dispatches summaries by report kind.
type Registry struct {
	mu          sync.RWMutex
	summarizers map[contracts.ReportKind]Summarizer
}

// NewRegistry creates a registry with the given summarizers.
func NewRegistry(summarizers ...Summarizer) *Registry {
	r := &Registry{summarizers: make(map[contracts.ReportKind]Summarizer)}
	for _, s := range summarizers {
		r.Register(s)
	}
	return r
}

// DefaultRegistry returns a registry for test, coverage and lint reports.
func DefaultRegistry() *Registry {
	return NewRegistry(TestSummarizer{}, CoverageSummarizer{}, LintSummarizer{})
}

// Register adds or replaces the summarizer of its kind.
func (r *Registry) Register(s Summarizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summarizers[s.Kind()] = s
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []contracts.ReportKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]contracts.ReportKind, 0, len(r.summarizers))
	for k := range r.summarizers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Summarize summarizes the reports of kind. ok is false for unknown kinds.
func (r *Registry) Summarize(kind contracts.ReportKind, reports []contracts.Report) (Summary, bool) {
	r.mu.RLock()
	s, ok := r.summarizers[kind]
	r.mu.RUnlock()
	if !ok {
		return Summary{}, false
	}
	var same []contracts.Report
	for _, rep := range reports {
		if rep.Kind == kind {
			same = append(same, rep)
		}
	}
	return s.Summarize(same), true
}

// FixtureSummary counts test outcomes of one fixture.
type FixtureSummary struct {
	Name     string       `json:"name"`
	File     string       `json:"file,omitempty"`
	Success  int          `json:"num_success"`
	Ignore   int          `json:"num_ignore"`
	Failure  int          `json:"num_failure"`
	Error    int          `json:"num_error"`
	Failures []TestResult `json:"failures,omitempty"`
}

// TestTotals counts test outcomes across fixtures.
type TestTotals struct {
	Success int `json:"success"`
	Ignore  int `json:"ignore"`
	Failure int `json:"failure"`
	Error   int `json:"error"`
}

// Total returns the number of tests.
func (t TestTotals) Total() int {
	return t.Success + t.Ignore + t.Failure + t.Error
}

// TestSummary is the payload of test summaries.
type TestSummary struct {
	Fixtures []FixtureSummary `json:"fixtures"`
	Totals   TestTotals       `json:"totals"`
}

// TestSummarizer summarizes test reports by fixture.
type TestSummarizer struct{}

// Kind implements Summarizer.
func (TestSummarizer) Kind() contracts.ReportKind { return contracts.ReportTest }

// Summarize implements Summarizer.
func (TestSummarizer) Summarize(reports []contracts.Report) Summary {
	byName := make(map[string]*FixtureSummary)
	var names []string
	var totals TestTotals

	for _, r := range TestResults(reports...) {
		f, ok := byName[r.Fixture]
		if !ok {
			f = &FixtureSummary{Name: r.Fixture, File: r.File}
			byName[r.Fixture] = f
			names = append(names, r.Fixture)
		}
		switch r.Status {
		case TestSuccess:
			f.Success++
			totals.Success++
			continue
		case TestIgnore:
			f.Ignore++
			totals.Ignore++
		case TestError:
			f.Error++
			totals.Error++
		default:
			f.Failure++
			totals.Failure++
		}
		f.Failures = append(f.Failures, r)
	}

	sort.Strings(names)
	fixtures := make([]FixtureSummary, 0, len(names))
	for _, n := range names {
		fixtures = append(fixtures, *byName[n])
	}
	return Summary{
		Kind: contracts.ReportTest,
		Text: fmt.Sprintf("%d tests, %d failures, %d errors, %d ignored",
			totals.Total(), totals.Failure, totals.Error, totals.Ignore),
		Data: TestSummary{Fixtures: fixtures, Totals: totals},
	}
}

// CoverageSummary is the payload of coverage summaries.
type CoverageSummary struct {
	Units []CoverageUnit `json:"units"`
	// Lines is the total lines of code.
	Lines int `json:"loc"`
	// Percentage is the line weighted coverage.
	Percentage float64 `json:"cov"`
}

// CoverageSummarizer summarizes coverage reports by unit.
type CoverageSummarizer struct{}

// Kind implements Summarizer.
func (CoverageSummarizer) Kind() contracts.ReportKind { return contracts.ReportCoverage }

// Summarize implements Summarizer. Units without lines of code are left out.
func (CoverageSummarizer) Summarize(reports []contracts.Report) Summary {
	var units []CoverageUnit
	var lines int
	var covered float64
	for _, u := range CoverageUnits(reports...) {
		if u.Lines == 0 {
			continue
		}
		units = append(units, u)
		lines += u.Lines
		covered += u.Covered()
	}
	sort.SliceStable(units, func(i, j int) bool { return units[i].Name < units[j].Name })

	var pct float64
	if lines > 0 {
		pct = covered * 100 / float64(lines)
	}
	return Summary{
		Kind: contracts.ReportCoverage,
		Text: fmt.Sprintf("%.0f%% of %d lines covered", pct, lines),
		Data: CoverageSummary{Units: units, Lines: lines, Percentage: pct},
	}
}

// LintSummary is the payload of lint summaries.
type LintSummary struct {
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"by_category"`
	ByFile     map[string]int `json:"by_file"`
}

// LintSummarizer counts lint problems by category and file.
type LintSummarizer struct{}

// Kind implements Summarizer.
func (LintSummarizer) Kind() contracts.ReportKind { return contracts.ReportLint }

// Summarize implements Summarizer.
func (LintSummarizer) Summarize(reports []contracts.Report) Summary {
	s := LintSummary{ByCategory: make(map[string]int), ByFile: make(map[string]int)}
	for _, p := range LintProblems(reports...) {
		s.Total++
		s.ByCategory[p.Category]++
		if p.File != "" {
			s.ByFile[p.File]++
		}
	}
	return Summary{
		Kind: contracts.ReportLint,
		Text: fmt.Sprintf("%d problems, %d errors, %d warnings",
			s.Total, s.ByCategory[LintError], s.ByCategory[LintWarning]),
		Data: s,
	}
}
