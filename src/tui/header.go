package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// AllConfigs is the filter value that shows every configuration.
const AllConfigs = "ALL"

// Header represents the top status bar component.
type Header struct {
	title          string
	counts         string
	selectedFilter string
	configs        []string
	searchQuery    string
	searchMode     bool
	styles         *StyleConfig
}

// NewHeader creates a new header
func NewHeader(title string, styles *StyleConfig) Header {
	return Header{
		title:          title,
		selectedFilter: AllConfigs,
		styles:         styles,
	}
}

// SetConfigs sets the configurations the filter cycles through. A filter on a
// configuration that disappeared falls back to all.
func (h *Header) SetConfigs(configs []string) {
	h.configs = configs
	if h.selectedFilter == AllConfigs {
		return
	}
	for _, c := range configs {
		if c == h.selectedFilter {
			return
		}
	}
	h.selectedFilter = AllConfigs
}

// SetCounts sets the build status summary, e.g. "3 failed, 1 in progress".
func (h *Header) SetCounts(counts string) {
	h.counts = counts
}

// GetFilter returns the current configuration filter
func (h Header) GetFilter() string {
	return h.selectedFilter
}

// CycleFilter cycles to the next configuration
func (h *Header) CycleFilter() {
	filters := append([]string{AllConfigs}, h.configs...)
	currentIndex := 0
	for i, f := range filters {
		if f == h.selectedFilter {
			currentIndex = i
			break
		}
	}
	h.selectedFilter = filters[(currentIndex+1)%len(filters)]
}

// SetSearch updates the search state
func (h *Header) SetSearch(query string, mode bool) {
	h.searchQuery = query
	h.searchMode = mode
}

// Render renders the header
func (h Header) Render(width int) string {
	sectionStyle := lipgloss.NewStyle().
		Foreground(h.styles.PrimaryBlue).
		Bold(true).
		Padding(0, 2)

	title := sectionStyle.Render(h.title)
	filter := sectionStyle.Render(fmt.Sprintf("Config: %s", h.selectedFilter))

	var searchText string
	switch {
	case h.searchMode:
		searchText = fmt.Sprintf("Search: %s█", h.searchQuery)
	case h.searchQuery != "":
		searchText = fmt.Sprintf("Search: %s", h.searchQuery)
	default:
		searchText = "[/] to search"
	}
	searchStyle := lipgloss.NewStyle().
		Foreground(h.styles.TextSecondary).
		Padding(0, 2)
	if h.searchMode {
		searchStyle = searchStyle.Foreground(h.styles.PrimaryBlue)
	}

	counts := lipgloss.NewStyle().Foreground(h.styles.TextSecondary).Padding(0, 2).Render(h.counts)
	content := ansi.Truncate(lipgloss.JoinHorizontal(lipgloss.Left, title, filter, searchStyle.Render(searchText), counts), width, "")

	return lipgloss.NewStyle().
		Background(h.styles.DarkBackground).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(h.styles.BorderColor).
		Width(width).
		Render(content)
}
