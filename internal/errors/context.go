// Package errors provides the error taxonomy of the companion console. Errors
// carry the component and operation that produced them, an optional
// user-facing message and a cause, and match the package sentinels through
// the standard errors.Is.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/companion-console/console/internal/logging"
)

// ErrorType categorizes errors for handling and presentation
type ErrorType string

const (
	ErrorTypeConnect            ErrorType = "connect"
	ErrorTypeNotConnected       ErrorType = "not_connected"
	ErrorTypeProtocol           ErrorType = "protocol"
	ErrorTypeRemoteRejected     ErrorType = "remote_rejected"
	ErrorTypeTransportExhausted ErrorType = "transport_exhausted"
	ErrorTypeConfiguration      ErrorType = "configuration"
	ErrorTypeAuthentication     ErrorType = "authentication"
	ErrorTypeValidation         ErrorType = "validation"
)

// ErrorSeverity indicates the impact level of an error
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// Sentinels for errors.Is. Any ContextualError of the same type matches.
var (
	ErrConnect            = sentinel(ErrorTypeConnect, "connection attempt failed")
	ErrNotConnected       = sentinel(ErrorTypeNotConnected, "duplex channel not connected")
	ErrProtocol           = sentinel(ErrorTypeProtocol, "malformed payload")
	ErrRemoteRejected     = sentinel(ErrorTypeRemoteRejected, "request rejected by companion")
	ErrTransportExhausted = sentinel(ErrorTypeTransportExhausted, "reconnect attempts exhausted")
	ErrConfiguration      = sentinel(ErrorTypeConfiguration, "invalid configuration")
	ErrAuthentication     = sentinel(ErrorTypeAuthentication, "invalid credentials")
	ErrValidation         = sentinel(ErrorTypeValidation, "invalid request")
)

// ContextualError provides error information with diagnostic context
type ContextualError struct {
	Type        ErrorType              `json:"type"`
	Severity    ErrorSeverity          `json:"severity"`
	Message     string                 `json:"message"`
	UserMessage string                 `json:"userMessage,omitempty"`
	Code        string                 `json:"code,omitempty"`
	Component   string                 `json:"component"`
	Operation   string                 `json:"operation,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	StackTrace  []string               `json:"stackTrace,omitempty"`
	Cause       error                  `json:"-"`
	Recoverable bool                   `json:"recoverable"`

	sentinel bool
}

func sentinel(t ErrorType, msg string) *ContextualError {
	return &ContextualError{Type: t, Message: msg, Component: "companion", sentinel: true}
}

// Error implements the error interface
func (e *ContextualError) Error() string {
	if e.sentinel {
		return e.Message
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Type, e.Message)
}

// Unwrap provides access to the underlying error
func (e *ContextualError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for this error's type
func (e *ContextualError) Is(target error) bool {
	t, ok := target.(*ContextualError)
	if !ok {
		return false
	}
	if t == e {
		return true
	}
	return t.sentinel && t.Type == e.Type
}

// GetUserMessage returns a user-friendly error message
func (e *ContextualError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable indicates if the error can potentially be resolved
func (e *ContextualError) IsRecoverable() bool {
	return e.Recoverable
}

// TypeOf returns the type of the first ContextualError in err's chain
func TypeOf(err error) (ErrorType, bool) {
	var ce *ContextualError
	if stderrors.As(err, &ce) {
		return ce.Type, true
	}
	return "", false
}

// ErrorBuilder provides a fluent interface for creating contextual errors
type ErrorBuilder struct {
	err          *ContextualError
	logger       *logging.Logger
	captureStack bool
}

// NewErrorBuilder creates a new error builder with default settings
func NewErrorBuilder(errorType ErrorType, component string) *ErrorBuilder {
	return &ErrorBuilder{
		err: &ContextualError{
			Type:        errorType,
			Severity:    SeverityMedium,
			Component:   component,
			Context:     make(map[string]interface{}),
			Timestamp:   time.Now(),
			Recoverable: true,
		},
		logger: logging.GetGlobalLogger().WithComponent(component),
	}
}

// WithSeverity sets the error severity level
func (eb *ErrorBuilder) WithSeverity(severity ErrorSeverity) *ErrorBuilder {
	eb.err.Severity = severity
	return eb
}

// WithMessage sets the technical error message
func (eb *ErrorBuilder) WithMessage(message string) *ErrorBuilder {
	eb.err.Message = message
	return eb
}

// WithMessagef sets a formatted technical error message
func (eb *ErrorBuilder) WithMessagef(format string, args ...interface{}) *ErrorBuilder {
	eb.err.Message = fmt.Sprintf(format, args...)
	return eb
}

// WithUserMessage sets a user-friendly error message
func (eb *ErrorBuilder) WithUserMessage(userMessage string) *ErrorBuilder {
	eb.err.UserMessage = userMessage
	return eb
}

// WithCode sets an error code, such as an HTTP status
func (eb *ErrorBuilder) WithCode(code string) *ErrorBuilder {
	eb.err.Code = code
	return eb
}

// WithOperation sets the operation that failed
func (eb *ErrorBuilder) WithOperation(operation string) *ErrorBuilder {
	eb.err.Operation = operation
	return eb
}

// WithCause sets the underlying error that caused this error
func (eb *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	eb.err.Cause = cause
	return eb
}

// WithContext adds contextual information to the error
func (eb *ErrorBuilder) WithContext(key string, value interface{}) *ErrorBuilder {
	eb.err.Context[key] = value
	return eb
}

// WithRecoverable sets whether the error is recoverable
func (eb *ErrorBuilder) WithRecoverable(recoverable bool) *ErrorBuilder {
	eb.err.Recoverable = recoverable
	return eb
}

// WithStackTrace enables stack trace capture on Build
func (eb *ErrorBuilder) WithStackTrace() *ErrorBuilder {
	eb.captureStack = true
	return eb
}

// WithLogger overrides the logger used when the error is built
func (eb *ErrorBuilder) WithLogger(logger *logging.Logger) *ErrorBuilder {
	if logger != nil {
		eb.logger = logger
	}
	return eb
}

// Build creates the contextual error and logs it at a level derived from its severity
func (eb *ErrorBuilder) Build() *ContextualError {
	if eb.captureStack {
		eb.err.StackTrace = captureStackTrace(3)
	}

	logFields := map[string]interface{}{
		"error_type":  string(eb.err.Type),
		"severity":    string(eb.err.Severity),
		"operation":   eb.err.Operation,
		"recoverable": eb.err.Recoverable,
	}
	if eb.err.Code != "" {
		logFields["error_code"] = eb.err.Code
	}
	for k, v := range eb.err.Context {
		logFields["ctx_"+k] = v
	}

	logMessage := eb.err.Message
	if eb.err.Cause != nil {
		logMessage = fmt.Sprintf("%s: %v", eb.err.Message, eb.err.Cause)
	}

	l := eb.logger.WithFields(logFields)
	switch eb.err.Severity {
	case SeverityCritical, SeverityHigh:
		l.Error(logMessage)
	case SeverityMedium:
		l.Warn(logMessage)
	default:
		l.Debug(logMessage)
	}

	return eb.err
}

// captureStackTrace captures up to ten frames of the current stack
func captureStackTrace(skip int) []string {
	var traces []string
	for i := skip; i < skip+10; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		funcName := "unknown"
		if fn := runtime.FuncForPC(pc); fn != nil {
			funcName = fn.Name()
		}
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}

		traces = append(traces, fmt.Sprintf("%s:%d %s", file, line, funcName))
	}
	return traces
}

// Component-specific error builders
func NewConnectError(component string) *ErrorBuilder {
	return NewErrorBuilder(ErrorTypeConnect, component).WithSeverity(SeverityMedium)
}

func NewNotConnectedError(component string) *ErrorBuilder {
	return NewErrorBuilder(ErrorTypeNotConnected, component).WithSeverity(SeverityLow)
}

func NewProtocolError(component string) *ErrorBuilder {
	return NewErrorBuilder(ErrorTypeProtocol, component).WithSeverity(SeverityMedium)
}

func NewRemoteRejectedError(component string) *ErrorBuilder {
	return NewErrorBuilder(ErrorTypeRemoteRejected, component).WithSeverity(SeverityMedium)
}

func NewTransportExhaustedError(component string) *ErrorBuilder {
	return NewErrorBuilder(ErrorTypeTransportExhausted, component).
		WithSeverity(SeverityHigh).
		WithUserMessage("Connection lost. Reconnect attempts exhausted.")
}

func NewConfigurationError(component string) *ErrorBuilder {
	return NewErrorBuilder(ErrorTypeConfiguration, component).WithSeverity(SeverityMedium)
}

func NewAuthenticationError(component string) *ErrorBuilder {
	return NewErrorBuilder(ErrorTypeAuthentication, component).WithSeverity(SeverityHigh)
}

func NewValidationError(component string) *ErrorBuilder {
	return NewErrorBuilder(ErrorTypeValidation, component).WithSeverity(SeverityLow)
}
