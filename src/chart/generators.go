package chart

import (
	"sort"

	"bitten-master/src/contracts"
	"bitten-master/src/report"
)

// TestsChart plots test counts per revision. Each count is the maximum over
// the platforms built at that revision.
type TestsChart struct{}

// Kind implements Generator.
func (TestsChart) Kind() contracts.ReportKind { return contracts.ReportTest }

// Generate implements Generator.
func (TestsChart) Generate(data []BuildData) *Chart {
	revs := axis(data)
	names := []string{"Total", "Successes", "Failures", "Errors", "Ignored"}
	series := newSeries(names, len(revs))

	for i, rev := range revs {
		for _, b := range rev.builds {
			results := report.TestResults(b.Reports...)
			if len(results) == 0 {
				continue
			}
			var success, failure, errs, ignore float64
			for _, r := range results {
				switch r.Status {
				case report.TestSuccess:
					success++
				case report.TestIgnore:
					ignore++
				case report.TestError:
					errs++
				default:
					failure++
				}
			}
			counts := []float64{float64(len(results)), success, failure, errs, ignore}
			for s, c := range counts {
				series[s].Values[i] = maxOf(series[s].Values[i], c)
			}
		}
	}
	return &Chart{Kind: contracts.ReportTest, Title: "Unit Tests", Labels: labels(revs), Series: series}
}

// CoverageChart plots lines of code, covered lines and coverage percentage per
// revision, plus the coverage of every unit. Totals are taken from the platform
// with the most lines of code at that revision.
type CoverageChart struct{}

// Kind implements Generator.
func (CoverageChart) Kind() contracts.ReportKind { return contracts.ReportCoverage }

// Generate implements Generator.
func (CoverageChart) Generate(data []BuildData) *Chart {
	revs := axis(data)
	totals := newSeries([]string{"Lines of code", "Covered lines", "Coverage"}, len(revs))

	unitIndex := make(map[string]int)
	var units []Series

	for i, rev := range revs {
		bestLines := -1.0
		for _, b := range rev.builds {
			cov := report.CoverageUnits(b.Reports...)
			if len(cov) == 0 {
				continue
			}
			var lines, covered float64
			for _, u := range cov {
				lines += float64(u.Lines)
				covered += u.Covered()

				j, ok := unitIndex[u.Name]
				if !ok {
					j = len(units)
					unitIndex[u.Name] = j
					units = append(units, Series{Name: "Coverage: " + u.Name, Values: make([]*float64, len(revs))})
				}
				units[j].Values[i] = maxOf(units[j].Values[i], u.Percentage)
			}
			if lines > bestLines {
				bestLines = lines
				totals[0].Values[i] = value(lines)
				totals[1].Values[i] = value(covered)
				pct := 0.0
				if lines > 0 {
					pct = covered * 100 / lines
				}
				totals[2].Values[i] = value(pct)
			}
		}
	}

	sort.SliceStable(units, func(a, b int) bool { return units[a].Name < units[b].Name })
	return &Chart{
		Kind:   contracts.ReportCoverage,
		Title:  "Test Coverage",
		Labels: labels(revs),
		Series: append(totals, units...),
	}
}

// LintChart plots lint problems by category per revision, maximum over platforms.
type LintChart struct{}

// Kind implements Generator.
func (LintChart) Kind() contracts.ReportKind { return contracts.ReportLint }

// Generate implements Generator.
func (LintChart) Generate(data []BuildData) *Chart {
	revs := axis(data)
	categories := []string{report.LintConvention, report.LintError, report.LintRefactor, report.LintWarning}
	series := newSeries([]string{"Total", "Convention", "Error", "Refactor", "Warning"}, len(revs))

	for i, rev := range revs {
		for _, b := range rev.builds {
			if !hasKind(b.Reports, contracts.ReportLint) {
				continue
			}
			problems := report.LintProblems(b.Reports...)
			counts := make(map[string]float64)
			for _, p := range problems {
				counts[p.Category]++
			}
			series[0].Values[i] = maxOf(series[0].Values[i], float64(len(problems)))
			for c, cat := range categories {
				series[c+1].Values[i] = maxOf(series[c+1].Values[i], counts[cat])
			}
		}
	}
	return &Chart{Kind: contracts.ReportLint, Title: "Lint Problems by Type", Labels: labels(revs), Series: series}
}

func newSeries(names []string, n int) []Series {
	out := make([]Series, len(names))
	for i, name := range names {
		out[i] = Series{Name: name, Values: make([]*float64, n)}
	}
	return out
}

func hasKind(reports []contracts.Report, kind contracts.ReportKind) bool {
	for _, r := range reports {
		if r.Kind == kind {
			return true
		}
	}
	return false
}
