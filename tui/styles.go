package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/qalclaude/qalclaude/claude"
)

var (
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7aa2f7")).Bold(true)
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89")).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")).Bold(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#a9b1d6")).Background(lipgloss.Color("#1a1b26")).Padding(0, 1)
	promptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)

	riskStyles = map[claude.Risk]lipgloss.Style{
		claude.RiskLow:    lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a")).Bold(true),
		claude.RiskMedium: lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68")).Bold(true),
		claude.RiskHigh:   lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")).Bold(true),
	}
)

func riskStyle(r claude.Risk) lipgloss.Style {
	if s, ok := riskStyles[r]; ok {
		return s
	}
	return riskStyles[claude.RiskLow]
}

// personaStyle colors the persona badge; an empty color falls back to bold.
func personaStyle(color string) lipgloss.Style {
	s := lipgloss.NewStyle().Bold(true)
	if color != "" {
		s = s.Foreground(lipgloss.Color(color))
	}
	return s
}
