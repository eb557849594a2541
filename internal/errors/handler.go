package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Handler turns errors into the text of system and error messages shown in
// the conversation log.
type Handler struct {
	companionName string
}

// NewHandler creates a new error handler. name is how the companion is
// referred to in apologies.
func NewHandler(name string) *Handler {
	if strings.TrimSpace(name) == "" {
		name = "your companion"
	}
	return &Handler{companionName: name}
}

// Apology renders the error message appended when a chat exchange fails on
// every available path.
func (h *Handler) Apology(err error) string {
	if err == nil {
		return fmt.Sprintf("Sorry, %s could not answer. Please try again.", h.companionName)
	}
	return fmt.Sprintf("Sorry, I couldn't reach %s. %s", h.companionName, h.Describe(err))
}

// Describe returns a short user-facing explanation of err
func (h *Handler) Describe(err error) string {
	var ce *ContextualError
	if !stderrors.As(err, &ce) {
		return capitalize(err.Error())
	}
	if ce.UserMessage != "" {
		return ce.UserMessage
	}

	switch ce.Type {
	case ErrorTypeConnect:
		return "The connection could not be established."
	case ErrorTypeNotConnected:
		return "Not connected."
	case ErrorTypeRemoteRejected:
		if detail, ok := ce.Context["detail"].(string); ok && detail != "" {
			return fmt.Sprintf("The companion rejected the request: %s", detail)
		}
		return "The companion rejected the request."
	case ErrorTypeProtocol:
		return "The companion sent a reply that could not be understood."
	case ErrorTypeTransportExhausted:
		return "Connection lost. Reconnect attempts exhausted."
	case ErrorTypeConfiguration:
		return fmt.Sprintf("Configuration problem: %s", ce.Message)
	case ErrorTypeAuthentication:
		return fmt.Sprintf("Authentication problem: %s", ce.Message)
	default:
		return capitalize(ce.Message)
	}
}

// ModeRejected renders the notice appended when a mode change is refused
func (h *Handler) ModeRejected(target string, reason string) string {
	if strings.TrimSpace(reason) == "" {
		return fmt.Sprintf("Mode change to %s was rejected.", target)
	}
	return fmt.Sprintf("Mode change to %s was rejected: %s", target, reason)
}

// ModeFailed renders the notice appended when a mode change could not be delivered
func (h *Handler) ModeFailed(target string, err error) string {
	return fmt.Sprintf("Mode change to %s failed. %s", target, h.Describe(err))
}

// ModeTimedOut renders the notice appended when no acknowledgement arrives in time
func (h *Handler) ModeTimedOut(target string) string {
	return fmt.Sprintf("Mode change to %s timed out without confirmation.", target)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
