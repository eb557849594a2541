// Package interfaces defines the core types and interfaces shared by the
// companion console components, so that transports, the session store and the
// chat controller can be injected and replaced in tests.
package interfaces

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Profile represents a complete configuration profile for connecting to a companion service
type Profile struct {
	Name         string            `yaml:"name"`
	Host         string            `yaml:"host"`
	TLS          bool              `yaml:"tls"`
	WSPath       string            `yaml:"ws_path"`
	Theme        string            `yaml:"theme"`
	Fallback     bool              `yaml:"fallback"`
	HistoryLimit int               `yaml:"history_limit"`
	ReplyTimeout time.Duration     `yaml:"reply_timeout"`
	ModeTimeout  time.Duration     `yaml:"mode_timeout"`
	Reconnect    ReconnectConfig   `yaml:"reconnect"`
	Auth         AuthConfig        `yaml:"auth"`
	Metadata     map[string]string `yaml:"metadata,omitempty"`
}

// ReconnectConfig bounds the reconnect backoff of the duplex channel
type ReconnectConfig struct {
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	MaxTotalDelay time.Duration `yaml:"max_total_delay"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

// AuthConfig represents authentication configuration for a profile
type AuthConfig struct {
	Type  string `yaml:"type"` // "bearer", "none"
	Token string `yaml:"token,omitempty"`
}

// Theme represents visual styling configuration
type Theme struct {
	Name      string `yaml:"name"`
	User      string `yaml:"user"`
	Companion string `yaml:"companion"`
	System    string `yaml:"system"`
	Error     string `yaml:"error"`
	Code      string `yaml:"code"` // chroma style name
}

// ConfigManager handles profile and theme management
type ConfigManager interface {
	LoadProfile(name string) (*Profile, error)
	SaveProfile(profile *Profile) error
	ListProfiles() ([]string, error)
	LoadTheme(name string) (*Theme, error)
	ValidateProfile(profile *Profile) error
	GetConfigPath() string
}

// AuthManager builds and validates credentials sent to the companion service
type AuthManager interface {
	// ValidateToken verifies the format and basic validity of an authentication token
	ValidateToken(token string, tokenType string) error

	// CreateAuthHeader constructs the Authorization header value, empty for "none"
	CreateAuthHeader(auth *AuthConfig) (string, error)
}

// Mode is the interaction content-policy setting negotiated with the companion service
type Mode int

const (
	ModeSafe Mode = iota
	ModeRestricted
)

// String returns the wire value of the mode
func (m Mode) String() string {
	switch m {
	case ModeSafe:
		return "safe"
	case ModeRestricted:
		return "restricted"
	default:
		return "unknown"
	}
}

// ParseMode converts a wire value into a Mode. "nsfw" is accepted as an alias
// of restricted because older companion backends use that name.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "safe":
		return ModeSafe, nil
	case "restricted", "nsfw":
		return ModeRestricted, nil
	default:
		return ModeSafe, fmt.Errorf("unknown mode %q", value)
	}
}

// ConnectivityState describes the duplex channel as seen by the reconnect supervisor
type ConnectivityState int

const (
	Disconnected ConnectivityState = iota
	Connecting
	Connected
	Reconnecting
)

// String returns the string representation of the connectivity state
func (s ConnectivityState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// TransportEventType identifies the kind of event raised by a Transport
type TransportEventType int

const (
	EventOpen TransportEventType = iota
	EventMessage
	EventClose
	EventError
)

// String returns the string representation of the event type
func (t TransportEventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// TransportEvent is a single notification published by a Transport.
// Only the fields relevant to Type are populated.
type TransportEvent struct {
	Type        TransportEventType
	Payload     []byte
	WasClean    bool
	Code        int
	Intentional bool
	Err         error
}

// Transport owns one persistent duplex connection to the companion service
type Transport interface {
	// Connect attempts to establish the duplex channel
	Connect(ctx context.Context) error

	// Send writes one envelope; it fails with ErrNotConnected when no channel is open
	Send(payload []byte) error

	// Close shuts the channel down; it is idempotent and safe before Connect
	Close() error

	// Events returns the channel on which transport events are published in order
	Events() <-chan TransportEvent
}

// ChatReply is the companion's answer to one chat message
type ChatReply struct {
	Content   string
	Emotion   string
	Animation string
	Mode      string
}

// ModeResult is the companion's acknowledgement of a mode-change request
type ModeResult struct {
	Accepted bool
	Mode     Mode
	HasMode  bool
	Reason   string
}

// ServiceStatus is the metadata reported by GET /status
type ServiceStatus struct {
	Mode           Mode
	HasMode        bool
	CurrentEmotion string
	Model          string
	SystemStatus   string
}

// HealthStatus is the result of GET /health
type HealthStatus struct {
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`
}

// FallbackClient is the one-shot request/response path used when the duplex
// channel cannot be opened. It holds no persistent connection state.
type FallbackClient interface {
	Chat(ctx context.Context, message string) (*ChatReply, error)
	ChangeMode(ctx context.Context, mode Mode) (*ModeResult, error)
	Status(ctx context.Context) (*ServiceStatus, error)
	Health(ctx context.Context) (*HealthStatus, error)
	Reset(ctx context.Context) error

	// CloseIdleConnections releases pooled connections held by the client
	CloseIdleConnections()
}
