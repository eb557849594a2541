// Package protocol implements the wire protocol spoken with the companion
// service: the JSON envelopes exchanged over the duplex channel and the
// one-shot HTTP endpoints used as a fallback.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/companion-console/console/internal/errors"
	"github.com/companion-console/console/internal/interfaces"
)

// HTTP endpoint paths exposed by the companion service
const (
	EndpointChat   = "/chat"
	EndpointMode   = "/mode"
	EndpointStatus = "/status"
	EndpointHealth = "/health"
	EndpointReset  = "/reset"
	EndpointWS     = "/ws"
)

// HTTP timeout configurations
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
)


// Envelope types used on the duplex channel
const (
	TypeMessage     = "message"
	TypeResponse    = "response"
	TypeMode        = "mode"
	TypeModeAck     = "mode_ack"
	TypeModeChanged = "mode_changed"
	TypeError       = "error"
)

// ChatRequest is the body of POST /chat
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is the body returned by POST /chat
type ChatResponse struct {
	Response  string   `json:"response"`
	Emotion   string   `json:"emotion,omitempty"`
	Animation string   `json:"animation,omitempty"`
	Intensity *float64 `json:"intensity,omitempty"`
	Mode      string   `json:"mode,omitempty"`
}

// ModeRequest is the body of POST /mode
type ModeRequest struct {
	Mode string `json:"mode"`
}

// ModeResponse is the body returned by POST /mode
type ModeResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	CurrentMode string `json:"current_mode,omitempty"`
}

// StatusResponse is the body returned by GET /status. Only the fields the
// console reads are modelled; everything else is ignored.
type StatusResponse struct {
	Mode        string `json:"mode,omitempty"`
	Personality struct {
		InteractionMode string `json:"interaction_mode,omitempty"`
		CurrentEmotion  string `json:"current_emotion,omitempty"`
	} `json:"personality"`
	System struct {
		Model  string `json:"model,omitempty"`
		Status string `json:"status,omitempty"`
	} `json:"system"`
}

// ResetResponse is the body returned by POST /reset
type ResetResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ErrorBody is the error payload returned with non-2xx statuses. The
// companion service reports either a string or a structured detail.
type ErrorBody struct {
	Detail json.RawMessage `json:"detail,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Text returns the most descriptive message carried by the body
func (b ErrorBody) Text() string {
	if len(b.Detail) > 0 {
		var s string
		if err := json.Unmarshal(b.Detail, &s); err == nil {
			return s
		}
		return string(b.Detail)
	}
	return b.Error
}

// modeAccepted reports whether a POST /mode status value means the change took effect
func modeAccepted(status string) bool {
	switch strings.ToLower(status) {
	case "success", "partial_success", "ok", "accepted":
		return true
	default:
		return false
	}
}

// ConnectionStatistics tracks fallback request metrics for diagnostics
type ConnectionStatistics struct {
	TotalRequests       int           `json:"totalRequests"`
	SuccessfulRequests  int           `json:"successfulRequests"`
	FailedRequests      int           `json:"failedRequests"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	LastRequestTime     time.Time     `json:"lastRequestTime"`
}

// ValidateMessage checks an outgoing chat message before it is encoded
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return apperrors.NewValidationError("protocol").
			WithOperation("validate_message").
			WithMessage("message cannot be empty").
			WithContext("field", "content").
			Build()
	}
	return nil
}

// ValidateMode checks an outgoing mode-change target
func ValidateMode(mode interfaces.Mode) error {
	switch mode {
	case interfaces.ModeSafe, interfaces.ModeRestricted:
		return nil
	default:
		return apperrors.NewValidationError("protocol").
			WithOperation("validate_mode").
			WithMessagef("unknown mode %d", int(mode)).
			WithContext("field", "mode").
			Build()
	}
}
