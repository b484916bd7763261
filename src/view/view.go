// Package view assembles the data contracts consumed by presentation layers:
// the HTTP API, the MCP server and the terminal board.
package view

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"bitten-master/src/chart"
	"bitten-master/src/config"
	"bitten-master/src/contracts"
	"bitten-master/src/report"
	"bitten-master/src/store"
)

// DefaultBuildLimit caps the builds listed with a configuration.
const DefaultBuildLimit = 20

// RuleView is one platform rule.
type RuleView struct {
	Property string `json:"property"`
	Pattern  string `json:"pattern"`
}

// PlatformView is the platform detail contract.
type PlatformView struct {
	ID    int64      `json:"id"`
	Name  string     `json:"name"`
	Rules []RuleView `json:"rules"`
}

// OSView describes the operating system of a slave.
type OSView struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Family  string `json:"family"`
}

// SlaveView describes the slave that ran a build.
type SlaveView struct {
	Name      string `json:"name"`
	IP        string `json:"ip"`
	OS        OSView `json:"os"`
	Machine   string `json:"machine"`
	Processor string `json:"processor"`
}

// LogLine is one log message.
type LogLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ReportRef links to a report of a step together with its summary.
type ReportRef struct {
	Type    string         `json:"type"`
	Href    string         `json:"href"`
	Summary report.Summary `json:"summary"`
}

// StepView is one step of the build detail contract.
type StepView struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Status      string      `json:"status"`
	Started     *time.Time  `json:"started,omitempty"`
	Stopped     *time.Time  `json:"stopped,omitempty"`
	Duration    string      `json:"duration"`
	Log         []LogLine   `json:"log"`
	Errors      []string    `json:"errors"`
	Reports     []ReportRef `json:"reports"`
}

// BuildView is the build detail contract. Steps are only filled in by Presenter.Build.
type BuildView struct {
	ID            int64      `json:"id"`
	Config        string     `json:"config"`
	ConfigLabel   string     `json:"config_label"`
	Platform      string     `json:"platform"`
	Rev           string     `json:"rev"`
	ChgsetAuthor  string     `json:"chgset_author"`
	Slave         SlaveView  `json:"slave"`
	Status        string     `json:"status"`
	Attempt       int        `json:"attempt"`
	Started       *time.Time `json:"started,omitempty"`
	Stopped       *time.Time `json:"stopped,omitempty"`
	Duration      string     `json:"duration"`
	Href          string     `json:"href"`
	Steps         []StepView `json:"steps,omitempty"`
	adjustedShift time.Duration
}

// ChartRef names a chart available for a configuration.
type ChartRef struct {
	Kind  string `json:"kind"`
	Href  string `json:"href"`
	Title string `json:"title"`
}

// ConfigView is the configuration listing and detail contract.
type ConfigView struct {
	Name        string         `json:"name"`
	Label       string         `json:"label"`
	Description string         `json:"description"`
	Recipe      string         `json:"recipe,omitempty"`
	Path        string         `json:"path"`
	MinRev      string         `json:"min_rev"`
	MaxRev      string         `json:"max_rev"`
	Active      bool           `json:"active"`
	Platforms   []PlatformView `json:"platforms"`
	Builds      []BuildView    `json:"builds,omitempty"`
	Charts      []ChartRef     `json:"charts,omitempty"`
}

// ChartFeed is the chart data feed contract.
type ChartFeed struct {
	Config string          `json:"config"`
	Kind   string          `json:"kind"`
	Title  string          `json:"title"`
	Rows   [][]interface{} `json:"rows"`
}

// Presenter builds view contracts from the store.
type Presenter struct {
	store     store.Store
	summaries *report.Registry
	charts    *chart.Registry
	options   func() config.MasterOptions
}

// NewPresenter creates a presenter. options supplies adjust_timestamps.
func NewPresenter(s store.Store, options func() config.MasterOptions) *Presenter {
	return &Presenter{
		store:     s,
		summaries: report.DefaultRegistry(),
		charts:    chart.DefaultRegistry(),
		options:   options,
	}
}

// Charts returns the chart registry.
func (p *Presenter) Charts() *chart.Registry {
	return p.charts
}

// Summaries returns the report summary registry.
func (p *Presenter) Summaries() *report.Registry {
	return p.summaries
}

// BuildHref is the API location of a build.
func BuildHref(id int64) string {
	return fmt.Sprintf("/api/builds/%d", id)
}

// ReportHref is the API location of the reports of one kind within a step.
func ReportHref(build int64, step string, kind contracts.ReportKind) string {
	return fmt.Sprintf("/api/builds/%d/reports/%s?step=%s", build, kind, url.QueryEscape(step))
}

// ChartHref is the API location of a chart feed.
func ChartHref(config string, kind contracts.ReportKind) string {
	return fmt.Sprintf("/api/configs/%s/charts/%s", url.PathEscape(config), kind)
}

// Configs lists all configurations with their platforms.
func (p *Presenter) Configs(ctx context.Context) ([]ConfigView, error) {
	configs, err := p.store.ListConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list configurations: %w", err)
	}
	platforms, err := p.store.ListPlatforms(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list platforms: %w", err)
	}
	byConfig := make(map[string][]PlatformView)
	for _, pl := range platforms {
		byConfig[pl.Config] = append(byConfig[pl.Config], platformView(pl))
	}

	out := make([]ConfigView, 0, len(configs))
	for _, c := range configs {
		v := configView(c)
		v.Recipe = ""
		v.Platforms = nonNil(byConfig[c.Name])
		out = append(out, v)
	}
	return out, nil
}

// Config returns the detail of a configuration: platforms, the latest builds
// (at most limit, DefaultBuildLimit when zero) and the available charts.
func (p *Presenter) Config(ctx context.Context, name string, limit int) (*ConfigView, error) {
	c, err := p.store.GetConfig(ctx, name)
	if err != nil {
		return nil, err
	}
	v := configView(*c)

	platforms, err := p.store.ListPlatforms(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list platforms: %w", err)
	}
	names := make(map[int64]string, len(platforms))
	for _, pl := range platforms {
		v.Platforms = append(v.Platforms, platformView(pl))
		names[pl.ID] = pl.Name
	}
	v.Platforms = nonNil(v.Platforms)

	if limit <= 0 {
		limit = DefaultBuildLimit
	}
	builds, err := p.store.ListBuilds(ctx, store.BuildFilter{Config: name, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	for _, b := range builds {
		bv := p.buildView(ctx, b, c.Label, names[b.Platform])
		v.Builds = append(v.Builds, bv)
	}

	data, err := chart.Collect(ctx, p.store, name)
	if err != nil {
		return nil, err
	}
	for _, kind := range p.charts.Available(data) {
		ch, err := p.charts.Generate(kind, nil)
		if err != nil {
			continue
		}
		v.Charts = append(v.Charts, ChartRef{Kind: string(kind), Href: ChartHref(name, kind), Title: ch.Title})
	}
	return &v, nil
}

// Platform returns the detail of a platform.
func (p *Presenter) Platform(ctx context.Context, id int64) (*PlatformView, error) {
	pl, err := p.store.GetPlatform(ctx, id)
	if err != nil {
		return nil, err
	}
	v := platformView(*pl)
	return &v, nil
}

// Build returns the detail of a build including the steps of its latest attempt.
func (p *Presenter) Build(ctx context.Context, id int64) (*BuildView, error) {
	b, err := p.store.GetBuild(ctx, id)
	if err != nil {
		return nil, err
	}
	label := b.Config
	if c, err := p.store.GetConfig(ctx, b.Config); err == nil {
		label = c.Label
	}
	platformName := ""
	if pl, err := p.store.GetPlatform(ctx, b.Platform); err == nil {
		platformName = pl.Name
	}
	v := p.buildView(ctx, *b, label, platformName)

	steps, err := p.store.ListSteps(ctx, b.ID, b.Attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	v.Steps = make([]StepView, 0, len(steps))
	for _, st := range steps {
		v.Steps = append(v.Steps, p.stepView(b.ID, st, v.adjustedShift))
	}
	return &v, nil
}

// Builds lists builds matching filter without their steps.
func (p *Presenter) Builds(ctx context.Context, filter store.BuildFilter) ([]BuildView, error) {
	builds, err := p.store.ListBuilds(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	platforms, err := p.store.ListPlatforms(ctx, filter.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to list platforms: %w", err)
	}
	names := make(map[int64]string, len(platforms))
	for _, pl := range platforms {
		names[pl.ID] = pl.Name
	}
	out := make([]BuildView, 0, len(builds))
	for _, b := range builds {
		out = append(out, p.buildView(ctx, b, b.Config, names[b.Platform]))
	}
	return out, nil
}

// Reports returns the summary of the reports of one kind within a step.
func (p *Presenter) Reports(ctx context.Context, buildID int64, step string, kind contracts.ReportKind) (*report.Summary, error) {
	b, err := p.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	steps, err := p.store.ListSteps(ctx, b.ID, b.Attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	for _, st := range steps {
		if st.Name != step {
			continue
		}
		s, ok := p.summaries.Summarize(kind, st.Reports)
		if !ok {
			return nil, fmt.Errorf("report kind %q: %w", kind, contracts.ErrNotFound)
		}
		return &s, nil
	}
	return nil, fmt.Errorf("step %q of build %d: %w", step, buildID, contracts.ErrNotFound)
}

// Chart returns the data feed of a chart of a configuration.
func (p *Presenter) Chart(ctx context.Context, config string, kind contracts.ReportKind) (*ChartFeed, error) {
	if _, err := p.store.GetConfig(ctx, config); err != nil {
		return nil, err
	}
	data, err := chart.Collect(ctx, p.store, config)
	if err != nil {
		return nil, err
	}
	c, err := p.charts.Generate(kind, data)
	if err != nil {
		return nil, err
	}
	return &ChartFeed{Config: config, Kind: string(kind), Title: c.Title, Rows: c.Rows()}, nil
}

func (p *Presenter) buildView(ctx context.Context, b contracts.Build, label, platformName string) BuildView {
	v := BuildView{
		ID:          b.ID,
		Config:      b.Config,
		ConfigLabel: label,
		Platform:    platformName,
		Rev:         b.Rev,
		Slave: SlaveView{
			Name: b.Slave,
			IP:   b.SlaveInfo.IPAddress,
			OS: OSView{
				Name:    b.SlaveInfo.OSName,
				Version: b.SlaveInfo.OSVersion,
				Family:  b.SlaveInfo.OSFamily,
			},
			Machine:   b.SlaveInfo.Machine,
			Processor: b.SlaveInfo.Processor,
		},
		Status:  string(b.Status),
		Attempt: b.Attempt,
		Href:    BuildHref(b.ID),
	}

	if cs, err := p.store.GetChangeset(ctx, b.Rev); err == nil {
		v.ChgsetAuthor = cs.Author
	}

	if p.options().AdjustTimestamps && !b.Started.IsZero() && !b.RevTime.IsZero() {
		v.adjustedShift = b.RevTime.Sub(b.Started)
	}
	v.Started = timePtr(b.Started, v.adjustedShift)
	v.Stopped = timePtr(b.Stopped, v.adjustedShift)
	v.Duration = formatDuration(b.Duration())
	if b.Status == contracts.BuildInProgress && !b.Started.IsZero() {
		v.Duration = formatDuration(time.Since(b.Started))
	}
	return v
}

func (p *Presenter) stepView(buildID int64, st contracts.Step, shift time.Duration) StepView {
	v := StepView{
		Name:        st.Name,
		Description: st.Description,
		Status:      string(st.Status),
		Started:     timePtr(st.Started, shift),
		Stopped:     timePtr(st.Stopped, shift),
		Duration:    formatDuration(st.Duration()),
		Log:         make([]LogLine, 0),
		Errors:      append([]string{}, st.Errors...),
		Reports:     make([]ReportRef, 0),
	}
	for _, l := range st.Logs {
		for _, m := range l.Messages {
			v.Log = append(v.Log, LogLine{Level: string(m.Level), Message: m.Message})
		}
	}

	seen := make(map[contracts.ReportKind]bool)
	for _, rep := range st.Reports {
		if seen[rep.Kind] {
			continue
		}
		seen[rep.Kind] = true
		ref := ReportRef{Type: string(rep.Kind), Href: ReportHref(buildID, st.Name, rep.Kind)}
		if s, ok := p.summaries.Summarize(rep.Kind, st.Reports); ok {
			ref.Summary = s
		} else {
			ref.Summary = report.Summary{Kind: rep.Kind, Text: fmt.Sprintf("%d items", len(rep.Items))}
		}
		v.Reports = append(v.Reports, ref)
	}
	return v
}

func configView(c contracts.Configuration) ConfigView {
	label := c.Label
	if label == "" {
		label = c.Name
	}
	return ConfigView{
		Name:        c.Name,
		Label:       label,
		Description: c.Description,
		Recipe:      c.Recipe,
		Path:        c.Path,
		MinRev:      c.MinRev,
		MaxRev:      c.MaxRev,
		Active:      c.Active,
	}
}

func platformView(p contracts.Platform) PlatformView {
	rules := make([]RuleView, 0, len(p.Rules))
	for _, r := range p.Rules {
		rules = append(rules, RuleView{Property: r.Property, Pattern: r.Pattern})
	}
	return PlatformView{ID: p.ID, Name: p.Name, Rules: rules}
}

func nonNil(p []PlatformView) []PlatformView {
	if p == nil {
		return []PlatformView{}
	}
	return p
}

func timePtr(t time.Time, shift time.Duration) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.Add(shift).UTC()
	return &t
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.Round(time.Second).String()
}
