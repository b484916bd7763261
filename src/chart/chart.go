// Package chart aggregates report data of finished builds into time series.
//
// Every chart shares one revision axis: the revisions of all finished builds of
// a configuration, ordered by revision time. A revision without data for a
// series holds a nil value, so later points keep their position.
package chart

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitten-master/src/contracts"
	"bitten-master/src/store"
)

// BuildData is the report data of one finished build.
type BuildData struct {
	Rev      string
	RevTime  time.Time
	Platform int64
	Reports  []contracts.Report
}

// Series is one named line of a chart. Values align with Chart.Labels.
type Series struct {
	Name   string     `json:"name"`
	Values []*float64 `json:"values"`
}

// Chart is an ordered set of series over revisions.
type Chart struct {
	Kind   contracts.ReportKind `json:"kind"`
	Title  string               `json:"title"`
	Labels []string             `json:"labels"`
	Series []Series             `json:"series"`
}

// Rows returns the chart as a data feed: a header row with an empty cell
// followed by the revision labels, then one row per series with its name
// followed by its values. Gaps are nil.
func (c *Chart) Rows() [][]interface{} {
	rows := make([][]interface{}, 0, len(c.Series)+1)
	header := make([]interface{}, 0, len(c.Labels)+1)
	header = append(header, "")
	for _, l := range c.Labels {
		header = append(header, l)
	}
	rows = append(rows, header)
	for _, s := range c.Series {
		row := make([]interface{}, 0, len(s.Values)+1)
		row = append(row, s.Name)
		for _, v := range s.Values {
			if v == nil {
				row = append(row, nil)
				continue
			}
			row = append(row, *v)
		}
		rows = append(rows, row)
	}
	return rows
}

// Generator builds the chart of one report kind.
type Generator interface {
	Kind() contracts.ReportKind
	Generate(data []BuildData) *Chart
}

// Registry dispatches chart generation by report kind.
type Registry struct {
	mu         sync.RWMutex
	generators map[contracts.ReportKind]Generator
}

// NewRegistry creates a registry with the given generators.
func NewRegistry(generators ...Generator) *Registry {
	r := &Registry{generators: make(map[contracts.ReportKind]Generator)}
	for _, g := range generators {
		r.Register(g)
	}
	return r
}

// DefaultRegistry returns a registry with the test, coverage and lint charts.
func DefaultRegistry() *Registry {
	return NewRegistry(TestsChart{}, CoverageChart{}, LintChart{})
}

// Register adds or replaces the generator of its kind.
func (r *Registry) Register(g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[g.Kind()] = g
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []contracts.ReportKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]contracts.ReportKind, 0, len(r.generators))
	for k := range r.generators {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Generate builds the chart of kind from data.
func (r *Registry) Generate(kind contracts.ReportKind, data []BuildData) (*Chart, error) {
	r.mu.RLock()
	g, ok := r.generators[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chart %q: %w", kind, contracts.ErrNotFound)
	}
	return g.Generate(data), nil
}

// Available returns the kinds for which data holds at least one report.
func (r *Registry) Available(data []BuildData) []contracts.ReportKind {
	present := make(map[contracts.ReportKind]bool)
	for _, d := range data {
		for _, rep := range d.Reports {
			present[rep.Kind] = true
		}
	}
	var out []contracts.ReportKind
	for _, k := range r.Kinds() {
		if present[k] {
			out = append(out, k)
		}
	}
	return out
}

// Collect loads the reports of the finished builds of a configuration, from
// the latest attempt of each build.
func Collect(ctx context.Context, s store.Store, config string) ([]BuildData, error) {
	builds, err := s.ListBuilds(ctx, store.BuildFilter{
		Config:   config,
		Statuses: []contracts.BuildStatus{contracts.BuildCompleted, contracts.BuildFailed},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}

	data := make([]BuildData, 0, len(builds))
	for _, b := range builds {
		steps, err := s.ListSteps(ctx, b.ID, b.Attempt)
		if err != nil {
			return nil, fmt.Errorf("failed to list steps of build %d: %w", b.ID, err)
		}
		d := BuildData{Rev: b.Rev, RevTime: b.RevTime, Platform: b.Platform}
		for _, st := range steps {
			d.Reports = append(d.Reports, st.Reports...)
		}
		data = append(data, d)
	}
	return data, nil
}

// revision groups the builds of one revision.
type revision struct {
	rev    string
	time   time.Time
	builds []BuildData
}

// axis groups data by revision, ordered by revision time then revision number.
func axis(data []BuildData) []revision {
	index := make(map[string]int)
	var revs []revision
	for _, d := range data {
		i, ok := index[d.Rev]
		if !ok {
			i = len(revs)
			index[d.Rev] = i
			revs = append(revs, revision{rev: d.Rev, time: d.RevTime})
		}
		revs[i].builds = append(revs[i].builds, d)
	}
	sort.SliceStable(revs, func(i, j int) bool {
		if !revs[i].time.Equal(revs[j].time) {
			return revs[i].time.Before(revs[j].time)
		}
		return contracts.RevOlderThan(revs[i].rev, revs[j].rev)
	})
	return revs
}

func labels(revs []revision) []string {
	out := make([]string, len(revs))
	for i, r := range revs {
		out[i] = "[" + r.rev + "]"
	}
	return out
}

func value(v float64) *float64 {
	return &v
}

// maxOf keeps the larger of the current point and v.
func maxOf(cur *float64, v float64) *float64 {
	if cur == nil || v > *cur {
		return value(v)
	}
	return cur
}
