package chart

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitten-master/src/contracts"
	"bitten-master/src/store"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func tests(statuses ...string) contracts.Report {
	rep := contracts.Report{Kind: contracts.ReportTest}
	for i, s := range statuses {
		rep.Items = append(rep.Items, map[string]string{"name": string(rune('a' + i)), "fixture": "f", "status": s})
	}
	return rep
}

func coverage(units map[string][2]string) contracts.Report {
	rep := contracts.Report{Kind: contracts.ReportCoverage}
	for name, v := range units {
		rep.Items = append(rep.Items, map[string]string{"name": name, "lines": v[0], "percentage": v[1]})
	}
	return rep
}

func values(s Series) []interface{} {
	out := make([]interface{}, len(s.Values))
	for i, v := range s.Values {
		if v != nil {
			out[i] = *v
		}
	}
	return out
}

func TestTestsChartGaps(t *testing.T) {
	data := []BuildData{
		{Rev: "12", RevTime: t0.Add(2 * time.Hour), Platform: 1, Reports: []contracts.Report{tests("success", "success", "success", "failure", "error")}},
		{Rev: "10", RevTime: t0, Platform: 1, Reports: []contracts.Report{tests("success", "failure", "ignore")}},
		{Rev: "10", RevTime: t0, Platform: 2, Reports: []contracts.Report{tests("success", "success")}},
		{Rev: "11", RevTime: t0.Add(time.Hour), Platform: 1},
	}

	c := TestsChart{}.Generate(data)
	assert.Equal(t, []string{"[10]", "[11]", "[12]"}, c.Labels)
	require.Len(t, c.Series, 5)

	assert.Equal(t, "Total", c.Series[0].Name)
	assert.Equal(t, []interface{}{3.0, nil, 5.0}, values(c.Series[0]))
	assert.Equal(t, []interface{}{2.0, nil, 3.0}, values(c.Series[1]))
	assert.Equal(t, []interface{}{1.0, nil, 1.0}, values(c.Series[2]))
	assert.Equal(t, []interface{}{0.0, nil, 1.0}, values(c.Series[3]))
	assert.Equal(t, []interface{}{1.0, nil, 0.0}, values(c.Series[4]))
}

func TestCoverageChart(t *testing.T) {
	data := []BuildData{
		{Rev: "1", RevTime: t0, Reports: []contracts.Report{coverage(map[string][2]string{
			"core": {"100", "50"}, "util": {"100", "100"},
		})}},
		{Rev: "2", RevTime: t0.Add(time.Hour), Reports: []contracts.Report{coverage(map[string][2]string{
			"core": {"200", "75"},
		})}},
		{Rev: "3", RevTime: t0.Add(2 * time.Hour), Reports: []contracts.Report{tests("success")}},
		{Rev: "4", RevTime: t0.Add(3 * time.Hour), Reports: []contracts.Report{coverage(map[string][2]string{
			"util": {"50", "20"},
		})}},
	}

	c := CoverageChart{}.Generate(data)
	require.Len(t, c.Series, 5)
	assert.Equal(t, []interface{}{200.0, 200.0, nil, 50.0}, values(c.Series[0]))
	assert.Equal(t, []interface{}{150.0, 150.0, nil, 10.0}, values(c.Series[1]))
	assert.Equal(t, []interface{}{75.0, 75.0, nil, 20.0}, values(c.Series[2]))

	assert.Equal(t, "Coverage: core", c.Series[3].Name)
	assert.Equal(t, []interface{}{50.0, 75.0, nil, nil}, values(c.Series[3]))
	assert.Equal(t, "Coverage: util", c.Series[4].Name)
	assert.Equal(t, []interface{}{100.0, nil, nil, 20.0}, values(c.Series[4]))
}

func TestLintChart(t *testing.T) {
	lint := contracts.Report{Kind: contracts.ReportLint, Items: []map[string]string{
		{"category": "error"}, {"category": "warning"}, {"category": "warning"},
	}}
	c := LintChart{}.Generate([]BuildData{
		{Rev: "1", RevTime: t0, Reports: []contracts.Report{lint}},
		{Rev: "2", RevTime: t0.Add(time.Hour), Reports: []contracts.Report{{Kind: contracts.ReportLint}}},
		{Rev: "3", RevTime: t0.Add(2 * time.Hour)},
	})
	assert.Equal(t, []interface{}{3.0, 0.0, nil}, values(c.Series[0]))
	assert.Equal(t, []interface{}{2.0, 0.0, nil}, values(c.Series[4]))
}

func TestRows(t *testing.T) {
	c := TestsChart{}.Generate([]BuildData{
		{Rev: "1", RevTime: t0, Reports: []contracts.Report{tests("success")}},
		{Rev: "2", RevTime: t0.Add(time.Hour)},
	})
	rows := c.Rows()
	require.Len(t, rows, 6)
	assert.Equal(t, []interface{}{"", "[1]", "[2]"}, rows[0])
	assert.Equal(t, []interface{}{"Total", 1.0, nil}, rows[1])
}

func TestAxisOrdersEqualTimesByRevision(t *testing.T) {
	revs := axis([]BuildData{{Rev: "10", RevTime: t0}, {Rev: "9", RevTime: t0}})
	require.Len(t, revs, 2)
	assert.Equal(t, "9", revs[0].rev)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []contracts.ReportKind{contracts.ReportCoverage, contracts.ReportLint, contracts.ReportTest}, r.Kinds())

	_, err := r.Generate("benchmark", nil)
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	data := []BuildData{{Rev: "1", RevTime: t0, Reports: []contracts.Report{tests("success")}}}
	assert.Equal(t, []contracts.ReportKind{contracts.ReportTest}, r.Available(data))

	c, err := r.Generate(contracts.ReportTest, data)
	require.NoError(t, err)
	assert.Equal(t, "Unit Tests", c.Title)
}

func TestCollect(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateConfig(ctx, contracts.Configuration{Name: "c", Path: "/trunk", Active: true}))

	add := func(rev string, status contracts.BuildStatus, attempt int) int64 {
		id, err := s.CreateBuild(ctx, contracts.Build{Config: "c", Platform: 1, Rev: rev, RevTime: t0, Status: contracts.BuildPending})
		require.NoError(t, err)
		b, err := s.GetBuild(ctx, id)
		require.NoError(t, err)
		b.Status = status
		b.Attempt = attempt
		require.NoError(t, s.UpdateBuild(ctx, *b, store.Expect{Statuses: []contracts.BuildStatus{contracts.BuildPending}}))
		return id
	}

	done := add("1", contracts.BuildCompleted, 2)
	add("2", contracts.BuildInProgress, 1)

	require.NoError(t, s.AddStep(ctx, contracts.Step{BuildID: done, Attempt: 1, Name: "test", Reports: []contracts.Report{tests("failure")}}))
	require.NoError(t, s.AddStep(ctx, contracts.Step{BuildID: done, Attempt: 2, Name: "test", Reports: []contracts.Report{tests("success", "success")}}))

	data, err := Collect(ctx, s, "c")
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Equal(t, "1", data[0].Rev)
	require.Len(t, data[0].Reports, 1)
	assert.Len(t, data[0].Reports[0].Items, 2)
}
