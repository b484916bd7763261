// Package report provides typed views over report items and per-kind summaries.
//
// Report items are string maps as emitted by generators. The views below read
// the well-known keys of each kind:
//
//	test:     name, fixture, file, status (success|failure|error|ignore), duration, traceback
//	coverage: name, file, lines, percentage
//	lint:     category (convention|error|refactor|warning), file, line, type, tag, msg
package report

import (
	"strconv"

	"bitten-master/src/contracts"
)

// Test outcomes.
const (
	TestSuccess = "success"
	TestFailure = "failure"
	TestError   = "error"
	TestIgnore  = "ignore"
)

// Lint categories.
const (
	LintConvention = "convention"
	LintError      = "error"
	LintRefactor   = "refactor"
	LintWarning    = "warning"
)

// TestResult is one item of a test report.
type TestResult struct {
	Name      string  `json:"name"`
	Fixture   string  `json:"fixture"`
	File      string  `json:"file,omitempty"`
	Status    string  `json:"status"`
	Duration  float64 `json:"duration"`
	Traceback string  `json:"traceback,omitempty"`
}

// CoverageUnit is one item of a coverage report.
type CoverageUnit struct {
	Name       string  `json:"name"`
	File       string  `json:"file,omitempty"`
	Lines      int     `json:"lines"`
	Percentage float64 `json:"percentage"`
}

// Covered returns the number of covered lines.
func (u CoverageUnit) Covered() float64 {
	return float64(u.Lines) * u.Percentage / 100
}

// LintProblem is one item of a lint report.
type LintProblem struct {
	Category string `json:"category"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Type     string `json:"type,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Message  string `json:"msg,omitempty"`
}

// TestResults returns the test items of the reports of kind test.
func TestResults(reports ...contracts.Report) []TestResult {
	var out []TestResult
	for _, rep := range reports {
		if rep.Kind != contracts.ReportTest {
			continue
		}
		for _, item := range rep.Items {
			r := TestResult{
				Name:      item["name"],
				Fixture:   item["fixture"],
				File:      item["file"],
				Status:    item["status"],
				Duration:  parseFloat(item["duration"]),
				Traceback: item["traceback"],
			}
			if r.Name == "" {
				r.Name = r.Fixture
			}
			out = append(out, r)
		}
	}
	return out
}

// CoverageUnits returns the units of the reports of kind coverage. Items without
// a line count are skipped.
func CoverageUnits(reports ...contracts.Report) []CoverageUnit {
	var out []CoverageUnit
	for _, rep := range reports {
		if rep.Kind != contracts.ReportCoverage {
			continue
		}
		for _, item := range rep.Items {
			lines, err := strconv.Atoi(item["lines"])
			if err != nil {
				continue
			}
			out = append(out, CoverageUnit{
				Name:       item["name"],
				File:       item["file"],
				Lines:      lines,
				Percentage: parseFloat(item["percentage"]),
			})
		}
	}
	return out
}

// LintProblems returns the problems of the reports of kind lint.
func LintProblems(reports ...contracts.Report) []LintProblem {
	var out []LintProblem
	for _, rep := range reports {
		if rep.Kind != contracts.ReportLint {
			continue
		}
		for _, item := range rep.Items {
			line, _ := strconv.Atoi(item["line"])
			out = append(out, LintProblem{
				Category: item["category"],
				File:     item["file"],
				Line:     line,
				Type:     item["type"],
				Tag:      item["tag"],
				Message:  item["msg"],
			})
		}
	}
	return out
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
