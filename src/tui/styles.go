package tui

import "github.com/charmbracelet/lipgloss"

// StyleConfig holds all customizable style colors for the build board.
type StyleConfig struct {
	PrimaryBlue    lipgloss.Color
	AccentBlue     lipgloss.Color
	DarkBackground lipgloss.Color
	CardBackground lipgloss.Color
	TextPrimary    lipgloss.Color
	TextSecondary  lipgloss.Color
	BorderColor    lipgloss.Color
	SelectedColor  lipgloss.Color

	// Build and step status colors
	Success    lipgloss.Color
	Failure    lipgloss.Color
	InProgress lipgloss.Color
	Pending    lipgloss.Color
}

// DefaultStyles returns the default color palette
func DefaultStyles() *StyleConfig {
	return &StyleConfig{
		PrimaryBlue:    lipgloss.Color("#8AB4F8"),
		AccentBlue:     lipgloss.Color("#4285F4"),
		DarkBackground: lipgloss.Color("#1E1E1E"),
		CardBackground: lipgloss.Color("#2D2D2D"),
		TextPrimary:    lipgloss.Color("#E8EAED"),
		TextSecondary:  lipgloss.Color("#9AA0A6"),
		BorderColor:    lipgloss.Color("#5F6368"),
		SelectedColor:  lipgloss.Color("#303134"),
		Success:        lipgloss.Color("#34A853"),
		Failure:        lipgloss.Color("#EA4335"),
		InProgress:     lipgloss.Color("#FBBC04"),
		Pending:        lipgloss.Color("#24C1E0"),
	}
}

// StatusColor returns the color of a build or step status.
func (s *StyleConfig) StatusColor(status string) lipgloss.Color {
	switch status {
	case "success":
		return s.Success
	case "failed", "failure":
		return s.Failure
	case "in progress":
		return s.InProgress
	case "pending":
		return s.Pending
	default:
		return s.TextSecondary
	}
}

// StatusStyle renders a status in its color.
func (s *StyleConfig) StatusStyle(status string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(s.StatusColor(status)).Bold(true)
}

// TitleStyle returns a title lipgloss style using this config
func (s *StyleConfig) TitleStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Foreground(s.PrimaryBlue).
		Bold(true).
		Padding(0, 1)
}

// HelpStyle returns a help text lipgloss style using this config
func (s *StyleConfig) HelpStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Foreground(s.TextSecondary).
		Padding(0, 2)
}
