package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribe(t *testing.T) {
	h := NewHandler("Mira")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plain error", stderrors.New("unknown command /dance"), "Unknown command /dance"},
		{"user message wins", NewConnectError("test").WithMessage("dial tcp: refused").WithUserMessage("Server is down.").Build(), "Server is down."},
		{"connect", NewConnectError("test").WithMessage("dial tcp: refused").Build(), "The connection could not be established."},
		{"not connected", ErrNotConnected, "Not connected."},
		{"rejected with detail", NewRemoteRejectedError("test").WithMessage("HTTP 429").WithContext("detail", "slow down").Build(), "The companion rejected the request: slow down"},
		{"rejected without detail", NewRemoteRejectedError("test").WithMessage("HTTP 500").Build(), "The companion rejected the request."},
		{"protocol", NewProtocolError("test").WithMessage("bad json").Build(), "The companion sent a reply that could not be understood."},
		{"exhausted sentinel", ErrTransportExhausted, "Connection lost. Reconnect attempts exhausted."},
		{"exhausted builder", NewTransportExhaustedError("test").WithMessage("5 attempts").Build(), "Connection lost. Reconnect attempts exhausted."},
		{"configuration", NewConfigurationError("test").WithMessage("host is required").Build(), "Configuration problem: host is required"},
		{"authentication", NewAuthenticationError("test").WithMessage("JWT token has expired").Build(), "Authentication problem: JWT token has expired"},
		{"validation", NewValidationError("test").WithMessage("message cannot be empty").Build(), "Message cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.Describe(tt.err))
		})
	}
}

func TestApology(t *testing.T) {
	assert.Equal(t, "Sorry, your companion could not answer. Please try again.", NewHandler("  ").Apology(nil))
	assert.Equal(t, "Sorry, I couldn't reach Mira. Not connected.", NewHandler("Mira").Apology(ErrNotConnected))
}

func TestModeNotices(t *testing.T) {
	h := NewHandler("Mira")

	assert.Equal(t, "Mode change to restricted was rejected.", h.ModeRejected("restricted", ""))
	assert.Equal(t, "Mode change to restricted was rejected.", h.ModeRejected("restricted", "  "))
	assert.Equal(t, "Mode change to restricted was rejected: age verification required",
		h.ModeRejected("restricted", "age verification required"))
	assert.Equal(t, "Mode change to restricted failed. The connection could not be established.",
		h.ModeFailed("restricted", ErrConnect))
	assert.Equal(t, "Mode change to safe timed out without confirmation.", h.ModeTimedOut("safe"))
}

func TestSentinelsMatchBuiltErrors(t *testing.T) {
	assert.ErrorIs(t, NewAuthenticationError("test").WithMessage("x").Build(), ErrAuthentication)
	assert.ErrorIs(t, NewValidationError("test").WithMessage("x").Build(), ErrValidation)
	assert.NotErrorIs(t, NewValidationError("test").WithMessage("x").Build(), ErrAuthentication)

	typ, ok := TypeOf(NewValidationError("test").WithMessage("x").Build())
	assert.True(t, ok)
	assert.Equal(t, ErrorTypeValidation, typ)
}
