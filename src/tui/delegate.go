package tui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	// listRenderingOverhead accounts for padding added by bubbles/list and panel borders.
	listRenderingOverhead = 10

	statusWidth = 11
	revWidth    = 8
)

// Delegate renders build items as table rows.
type Delegate struct {
	IDWidth int
	styles  *StyleConfig
}

// NewDelegate creates a new build table delegate with default styles
func NewDelegate() Delegate {
	return NewDelegateWithStyles(DefaultStyles())
}

// NewDelegateWithStyles creates a new delegate with custom styles
func NewDelegateWithStyles(styles *StyleConfig) Delegate {
	return Delegate{IDWidth: 3, styles: styles}
}

// SetColumnWidths sizes the ID column for the largest build ID.
func (d *Delegate) SetColumnWidths(maxID int64) {
	d.IDWidth = len(fmt.Sprintf("%d", maxID))
	if d.IDWidth < 3 {
		d.IDWidth = 3
	}
}

// Height returns the height of a list item
func (d Delegate) Height() int {
	return 1
}

// Spacing returns spacing between items
func (d Delegate) Spacing() int {
	return 0
}

// Update handles item updates
func (d Delegate) Update(msg tea.Msg, m *list.Model) tea.Cmd {
	return nil
}

// Render renders a list item
func (d Delegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	entry, ok := item.(Item)
	if !ok {
		return
	}
	b := entry.Build

	idCol := fmt.Sprintf("%*d", d.IDWidth, b.ID)
	statusCol := TruncateAndPad(b.Status, statusWidth, false)
	revCol := TruncateAndPad(b.Rev, revWidth, true)

	// Fixed columns: id + status + rev + separators (9)
	fixedWidth := d.IDWidth + statusWidth + revWidth + 9
	available := m.Width() - fixedWidth - listRenderingOverhead

	var target string
	if available > 0 {
		target = TruncateAndPad(fmt.Sprintf("%s / %s", b.ConfigLabel, b.Platform), available, true)
	}

	style := lipgloss.NewStyle().Foreground(d.styles.TextSecondary)
	if index == m.Index() {
		style = style.Bold(true).Foreground(d.styles.PrimaryBlue).Background(d.styles.SelectedColor)
	}
	status := d.styles.StatusStyle(b.Status).Inherit(style).Render(statusCol)

	fmt.Fprintf(w, "%s%s%s",
		style.Render(idCol+" │ "), status, style.Render(" │ "+revCol+" │ "+target))
}
