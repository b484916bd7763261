// Package tui provides the terminal board of the build master: recent builds
// on the left, the steps of the selected build on the right.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"bitten-master/src/store"
	"bitten-master/src/view"
)

// DefaultRefreshInterval is the period of board reloads.
const DefaultRefreshInterval = 5 * time.Second

// boardLimit caps the builds loaded per refresh.
const boardLimit = 200

// Source supplies the board. view.Presenter implements it.
type Source interface {
	Configs(ctx context.Context) ([]view.ConfigView, error)
	Builds(ctx context.Context, filter store.BuildFilter) ([]view.BuildView, error)
	Build(ctx context.Context, id int64) (*view.BuildView, error)
}

// Status of the board data.
type Status int

const (
	StatusLoading Status = iota
	StatusReady
	StatusError
)

type boardLoadedMsg struct {
	configs []string
	builds  []view.BuildView
	err     error
}

type detailLoadedMsg struct {
	build *view.BuildView
	err   error
}

type refreshTickMsg time.Time

// BoardModel is the Bubble Tea model of the build board.
type BoardModel struct {
	ctx     context.Context
	source  Source
	refresh time.Duration
	styles  *StyleConfig

	header         Header
	listView       View
	detailViewport viewport.Model
	progress       ProgressModel

	items  []Item
	detail *view.BuildView
	status Status
	err    error

	width, height int
	ready         bool
	detailFocused bool
	searchMode    bool
	searchQuery   string
}

// NewBoardModel creates a board reading from source. refresh <= 0 uses
// DefaultRefreshInterval.
func NewBoardModel(ctx context.Context, source Source, refresh time.Duration) BoardModel {
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	styles := DefaultStyles()
	return BoardModel{
		ctx:            ctx,
		source:         source,
		refresh:        refresh,
		styles:         styles,
		header:         NewHeader("Bitten", styles),
		listView:       NewView(styles),
		detailViewport: viewport.New(0, 0),
		progress:       NewProgressModel(),
	}
}

// Start runs the board until the user quits.
func Start(ctx context.Context, source Source, refresh time.Duration) error {
	p := tea.NewProgram(NewBoardModel(ctx, source, refresh), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

// Init loads the board and starts the spinner.
func (m BoardModel) Init() tea.Cmd {
	return tea.Batch(m.load(), SpinnerTick())
}

func (m BoardModel) load() tea.Cmd {
	ctx, source := m.ctx, m.source
	return func() tea.Msg {
		configs, err := source.Configs(ctx)
		if err != nil {
			return boardLoadedMsg{err: err}
		}
		names := make([]string, len(configs))
		for i, c := range configs {
			names[i] = c.Name
		}
		builds, err := source.Builds(ctx, store.BuildFilter{Limit: boardLimit})
		return boardLoadedMsg{configs: names, builds: builds, err: err}
	}
}

func (m BoardModel) loadDetail(id int64) tea.Cmd {
	ctx, source := m.ctx, m.source
	return func() tea.Msg {
		b, err := source.Build(ctx, id)
		return detailLoadedMsg{build: b, err: err}
	}
}

func (m BoardModel) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return refreshTickMsg(t) })
}

// Update handles messages and updates the model state.
func (m BoardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.ready = true
		m.resizeComponents()
		return m, nil

	case boardLoadedMsg:
		if msg.err != nil {
			m.status = StatusError
			m.err = msg.err
			return m, m.tick()
		}
		first := m.status != StatusReady
		m.status = StatusReady
		m.err = nil
		m.items = itemsFrom(msg.builds)
		m.header.SetConfigs(msg.configs)
		m.header.SetCounts(statusCounts(msg.builds))
		m.applyFilter()
		cmds := []tea.Cmd{m.tick(), m.selectionChanged()}
		if first {
			m.progress, _ = m.progress.Update(ProgressMsg{Stage: StageComplete})
		}
		return m, tea.Batch(cmds...)

	case detailLoadedMsg:
		if msg.err == nil {
			if cur, ok := m.listView.GetSelectedItem(); ok && cur.Build.ID == msg.build.ID {
				m.detail = msg.build
				m.updateDetailContent()
			}
		}
		return m, nil

	case refreshTickMsg:
		return m, m.load()

	case SpinnerTickMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m BoardModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.searchMode {
		switch msg.Type {
		case tea.KeyEnter:
			m.searchMode = false
		case tea.KeyEsc:
			m.searchMode = false
			m.searchQuery = ""
		case tea.KeyBackspace:
			if r := []rune(m.searchQuery); len(r) > 0 {
				m.searchQuery = string(r[:len(r)-1])
			}
		case tea.KeyRunes, tea.KeySpace:
			m.searchQuery += string(msg.Runes)
		}
		m.header.SetSearch(m.searchQuery, m.searchMode)
		m.applyFilter()
		return m, m.selectionChanged()
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "r":
		return m, m.load()
	}

	if m.detailFocused {
		switch msg.String() {
		case "esc", "h", "left":
			m.detailFocused = false
			return m, nil
		}
		var cmd tea.Cmd
		m.detailViewport, cmd = m.detailViewport.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "/":
		m.searchMode = true
		m.header.SetSearch(m.searchQuery, true)
		return m, nil
	case "tab":
		m.header.CycleFilter()
		m.applyFilter()
		return m, m.selectionChanged()
	case "enter", "l", "right":
		if m.listView.Len() > 0 {
			m.detailFocused = true
		}
		return m, nil
	}

	before, _ := m.listView.GetSelectedItem()
	var cmd tea.Cmd
	m.listView, cmd = m.listView.Update(msg)
	if after, ok := m.listView.GetSelectedItem(); ok && after.Build.ID != before.Build.ID {
		return m, tea.Batch(cmd, m.selectionChanged())
	}
	return m, cmd
}

// selectionChanged shows the list row of the selected build at once and
// loads its steps.
func (m *BoardModel) selectionChanged() tea.Cmd {
	cur, ok := m.listView.GetSelectedItem()
	if !ok {
		m.detail = nil
		m.updateDetailContent()
		return nil
	}
	if m.detail == nil || m.detail.ID != cur.Build.ID {
		b := cur.Build
		m.detail = &b
		m.updateDetailContent()
	}
	return m.loadDetail(cur.Build.ID)
}

// statusCounts summarizes builds by status, e.g. "2 failed, 1 success".
func statusCounts(builds []view.BuildView) string {
	counts := make(map[string]int)
	for _, b := range builds {
		counts[b.Status]++
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = fmt.Sprintf("%d %s", counts[s], s)
	}
	return strings.Join(parts, ", ")
}
