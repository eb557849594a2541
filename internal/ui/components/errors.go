package components

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	apperrors "github.com/companion-console/console/internal/errors"
)

// Styling for error components.
var (
	errorPaneStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(lipgloss.Color("#F38BA8")).
			PaddingLeft(1)

	errorHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#F38BA8"))

	errorCodeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAB387")).
			Italic(true)

	recoveryHintStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#A6E3A1"))
)

// RenderErrorPane renders err as a short pane: the user-facing explanation,
// the error type and code when known, and a recovery hint for recoverable
// failures.
func RenderErrorPane(err error, handler *apperrors.Handler, width int) string {
	if err == nil {
		return ""
	}
	if handler == nil {
		handler = apperrors.NewHandler("")
	}

	var builder strings.Builder
	builder.WriteString(errorHeaderStyle.Render(handler.Describe(err)))

	var ce *apperrors.ContextualError
	if stderrors.As(err, &ce) {
		code := string(ce.Type)
		if ce.Code != "" {
			code = fmt.Sprintf("%s %s", code, ce.Code)
		}
		builder.WriteRune('\n')
		builder.WriteString(errorCodeStyle.Render(code))

		if hint := RecoveryHint(ce.Type); hint != "" {
			builder.WriteRune('\n')
			builder.WriteString(recoveryHintStyle.Render(hint))
		}
	}

	style := errorPaneStyle
	if width > 4 {
		style = style.Width(width - 2)
	}
	return style.Render(builder.String())
}

// RecoveryHint suggests the key that addresses an error type
func RecoveryHint(t apperrors.ErrorType) string {
	switch t {
	case apperrors.ErrorTypeConnect, apperrors.ErrorTypeNotConnected, apperrors.ErrorTypeTransportExhausted:
		return "Press ctrl+r to reconnect."
	case apperrors.ErrorTypeConfiguration, apperrors.ErrorTypeAuthentication:
		return "Check the profile in profiles.yaml."
	default:
		return ""
	}
}
