package app

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/companion-console/console/internal/ui/components"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	headerInfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#CDD6F4"))

	inputStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(lipgloss.Color("#6C7086"))

	typingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F9E2AF")).
			Italic(true)

	hintStyle = lipgloss.NewStyle().Faint(true)
)

// View implements tea.Model
func (m *Model) View() string {
	if !m.ready {
		return "Starting…"
	}

	sections := []string{
		m.renderHeader(),
		m.viewport.View(),
		inputStyle.Width(m.width).Render(m.input.View()),
		m.renderFooter(),
	}
	return strings.Join(sections, "\n")
}

// renderHeader shows who we talk to, connectivity, mode and health
func (m *Model) renderHeader() string {
	title := headerStyle.Render(m.companionName)

	parts := []string{
		components.RenderConnectivity(m.snapshot.Connectivity, m.snapshot.Exhausted, m.controller.FallbackEnabled()),
		components.RenderMode(m.snapshot.Mode, m.snapshot.ModeChanging, m.snapshot.ModeTarget),
	}
	if emotion := m.emotion(); emotion != "" {
		parts = append(parts, headerInfoStyle.Render("feeling "+emotion))
	}
	if badge := components.RenderHealth(m.healthReport); badge != "" {
		parts = append(parts, badge)
	}
	if m.profile.Host != "" {
		parts = append(parts, hintStyle.Render(m.profile.Host))
	}

	line := title + " " + strings.Join(parts, hintStyle.Render(" · "))
	if m.width > 0 {
		return lipgloss.NewStyle().MaxWidth(m.width).Render(line)
	}
	return line
}

// renderFooter shows the typing indicator, the last error or status text,
// and the key hints
func (m *Model) renderFooter() string {
	var lines []string

	switch {
	case m.snapshot.ResponsePending:
		lines = append(lines, typingStyle.Render(fmt.Sprintf("%s %s is typing…", m.spinner.View(), m.companionName)))
	case m.snapshot.ModeChanging:
		lines = append(lines, typingStyle.Render(fmt.Sprintf("%s waiting for the %s mode confirmation…", m.spinner.View(), m.snapshot.ModeTarget)))
	}

	if m.lastError != nil {
		lines = append(lines, components.RenderErrorPane(m.lastError, m.handler, m.width))
	} else if m.statusText != "" {
		lines = append(lines, components.RenderStatus("info", m.statusText))
	}

	lines = append(lines, hintStyle.Render("enter send · ctrl+t mode · ctrl+r reconnect · ctrl+l reset · ctrl+c quit"))
	return strings.Join(lines, "\n")
}
