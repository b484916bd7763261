package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"bitten-master/src/view"
)

// renderDetail renders the steps of a build
func (m BoardModel) renderDetail(b *view.BuildView, maxWidth int) string {
	var content strings.Builder
	secondary := lipgloss.NewStyle().Foreground(m.styles.TextSecondary)
	errStyle := lipgloss.NewStyle().Foreground(m.styles.Failure)

	header := fmt.Sprintf("Build %d │ %s │ [%s]", b.ID, b.ConfigLabel, b.Rev)
	fmt.Fprintln(&content, lipgloss.NewStyle().Foreground(m.styles.PrimaryBlue).Bold(true).Render(Truncate(header, maxWidth, true)))

	meta := []string{m.styles.StatusStyle(b.Status).Render(b.Status)}
	if b.Platform != "" {
		meta = append(meta, b.Platform)
	}
	if b.Slave.Name != "" {
		meta = append(meta, "on "+b.Slave.Name)
	}
	if b.ChgsetAuthor != "" {
		meta = append(meta, "by "+b.ChgsetAuthor)
	}
	if b.Duration != "" {
		meta = append(meta, b.Duration)
	}
	fmt.Fprintf(&content, "%s\n\n", secondary.Render(strings.Join(meta, " · ")))

	if len(b.Steps) == 0 {
		fmt.Fprintln(&content, secondary.Faint(true).Render("No steps reported"))
		return content.String()
	}

	for _, st := range b.Steps {
		line := fmt.Sprintf("%s %s", stepMark(st.Status), st.Name)
		if st.Duration != "" {
			line += " (" + st.Duration + ")"
		}
		fmt.Fprintln(&content, m.styles.StatusStyle(st.Status).Render(Truncate(line, maxWidth, true)))
		if st.Description != "" {
			fmt.Fprintln(&content, secondary.Render(Wrap(st.Description, maxWidth)))
		}
		for _, e := range st.Errors {
			fmt.Fprintln(&content, errStyle.Render(Wrap(e, maxWidth)))
		}
		for _, r := range st.Reports {
			fmt.Fprintln(&content, secondary.Render(Wrap(r.Type+": "+r.Summary.Text, maxWidth)))
		}
		// Only failed steps show their log.
		if st.Status != "success" {
			for _, l := range st.Log {
				for _, line := range WrapLog(l.Message, maxWidth) {
					fmt.Fprintln(&content, secondary.Faint(true).Render(line))
				}
			}
		}
		fmt.Fprintln(&content)
	}
	return content.String()
}

func stepMark(status string) string {
	switch status {
	case "success":
		return "✓"
	case "failure":
		return "✗"
	default:
		return "•"
	}
}

// updateDetailContent updates the viewport with the current build detail
func (m *BoardModel) updateDetailContent() {
	if m.detail == nil {
		m.detailViewport.SetContent("")
		return
	}
	maxWidth := m.detailViewport.Width - 2
	m.detailViewport.SetContent(m.renderDetail(m.detail, maxWidth))
}

// renderDetailPanel renders the right panel with detail viewport
func (m BoardModel) renderDetailPanel(width, height int) string {
	if m.detail == nil {
		placeholderRow := lipgloss.NewStyle().Padding(0, 1).Render(" ")
		emptyStyle := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(m.styles.BorderColor).
			Width(width-2).
			Height(height).
			Align(lipgloss.Center, lipgloss.Center).
			Foreground(m.styles.TextSecondary).
			Faint(true)
		return lipgloss.JoinVertical(lipgloss.Left, placeholderRow, emptyStyle.Render("No build selected"))
	}

	headerRow := lipgloss.NewStyle().
		Foreground(m.styles.PrimaryBlue).
		Bold(true).
		Padding(0, 1).
		Render(Truncate(fmt.Sprintf("Steps of build %d", m.detail.ID), width-2, true))

	borderColor := m.styles.BorderColor
	if m.detailFocused {
		borderColor = m.styles.AccentBlue
	}
	return lipgloss.JoinVertical(lipgloss.Left, headerRow,
		lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Width(width-2).
			Height(height).
			Render(m.detailViewport.View()))
}
