// Package components provides small rendering helpers shared by the chat
// interface: connectivity and mode indicators, health badges and the status
// line.
package components

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/companion-console/console/internal/health"
	"github.com/companion-console/console/internal/interfaces"
)

// statusStyles maps status strings to their corresponding visual style.
var statusStyles = map[string]lipgloss.Style{
	"pending": lipgloss.NewStyle().Foreground(lipgloss.Color("#F9E2AF")),
	"success": lipgloss.NewStyle().Foreground(lipgloss.Color("#A6E3A1")),
	"error":   lipgloss.NewStyle().Foreground(lipgloss.Color("#F38BA8")),
	"warning": lipgloss.NewStyle().Foreground(lipgloss.Color("#FAB387")),
	"info":    lipgloss.NewStyle().Foreground(lipgloss.Color("#89B4FA")),
}

// statusIcons maps status strings to their corresponding icon.
var statusIcons = map[string]string{
	"pending": "…",
	"success": "✓",
	"error":   "✗",
	"warning": "!",
	"info":    "i",
}

// RenderStatus formats a status message with an appropriate icon and color.
func RenderStatus(status, message string) string {
	style, exists := statusStyles[status]
	if !exists {
		style = lipgloss.NewStyle()
	}

	icon, exists := statusIcons[status]
	if !exists {
		icon = "·"
	}

	return style.Render(fmt.Sprintf("%s %s", icon, message))
}

// ConnectivityLabel returns the indicator text for the duplex channel. When
// the channel is down but HTTP fallback is available the label says so.
func ConnectivityLabel(state interfaces.ConnectivityState, exhausted, fallback bool) (string, string) {
	switch state {
	case interfaces.Connected:
		return "success", "live"
	case interfaces.Connecting:
		return "pending", "connecting"
	case interfaces.Reconnecting:
		return "pending", "reconnecting"
	}

	switch {
	case exhausted && fallback:
		return "warning", "offline (http fallback, ctrl+r to retry)"
	case exhausted:
		return "error", "offline (ctrl+r to retry)"
	case fallback:
		return "warning", "http fallback"
	default:
		return "error", "offline"
	}
}

// RenderConnectivity renders the connectivity indicator
func RenderConnectivity(state interfaces.ConnectivityState, exhausted, fallback bool) string {
	status, label := ConnectivityLabel(state, exhausted, fallback)
	return statusStyles[status].Bold(true).Render("● " + label)
}

// RenderMode renders the interaction mode, showing the target while a change
// is awaiting confirmation
func RenderMode(mode interfaces.Mode, changing bool, target interfaces.Mode) string {
	if changing {
		return statusStyles["pending"].Render(fmt.Sprintf("mode %s → %s", mode, target))
	}
	style := statusStyles["info"]
	if mode == interfaces.ModeRestricted {
		style = statusStyles["warning"]
	}
	return style.Render("mode " + mode.String())
}

// RenderHealth renders a compact badge for a health report
func RenderHealth(report *health.Report) string {
	if report == nil {
		return ""
	}

	status := "info"
	switch report.Overall {
	case health.StatusReady:
		status = "success"
	case health.StatusDegraded:
		status = "warning"
	case health.StatusError, health.StatusOffline:
		status = "error"
	}

	text := report.Overall
	if report.Model != "" {
		text = fmt.Sprintf("%s %s", report.Model, report.Overall)
	}
	if report.ResponseTime > 0 {
		text = fmt.Sprintf("%s %dms", text, report.ResponseTime.Milliseconds())
	}
	return RenderStatus(status, text)
}
