// Package auth builds and validates the credentials the console presents to
// the companion service on the duplex handshake and on fallback requests.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/companion-console/console/internal/errors"
	"github.com/companion-console/console/internal/interfaces"
)

var (
	jwtPattern     = regexp.MustCompile(`^[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+$`)
	genericPattern = regexp.MustCompile(`^[A-Za-z0-9\-_.~+/]+=*$`)
)

// Manager implements interfaces.AuthManager for bearer and anonymous access
type Manager struct {
	minTokenLength int
	maxTokenLength int
	now            func() time.Time
}

// NewManager creates an authentication manager with default token limits
func NewManager() *Manager {
	return &Manager{
		minTokenLength: 8,
		maxTokenLength: 4096,
		now:            time.Now,
	}
}

// ValidateToken verifies the format and basic validity of an authentication token
func (m *Manager) ValidateToken(token string, tokenType string) error {
	switch strings.ToLower(strings.TrimSpace(tokenType)) {
	case "", "none":
		if token != "" {
			return rejectToken("token must be empty when type is 'none'")
		}
		return nil
	case "bearer":
		return m.validateBearerToken(token)
	default:
		return rejectToken("unsupported token type: %s", tokenType)
	}
}

// CreateAuthHeader constructs the Authorization header value. Anonymous
// profiles yield an empty header.
func (m *Manager) CreateAuthHeader(auth *interfaces.AuthConfig) (string, error) {
	if auth == nil {
		return "", nil
	}

	if err := m.ValidateToken(auth.Token, auth.Type); err != nil {
		return "", fmt.Errorf("invalid authentication configuration: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(auth.Type)) {
	case "bearer":
		return "Bearer " + auth.Token, nil
	default:
		return "", nil
	}
}

// TokenExpiry returns the exp claim of a JWT bearer token, if it has one
func (m *Manager) TokenExpiry(token string) (time.Time, bool) {
	if !jwtPattern.MatchString(token) {
		return time.Time{}, false
	}
	claims, err := decodeClaims(strings.Split(token, ".")[1])
	if err != nil {
		return time.Time{}, false
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(exp), 0), true
}

func (m *Manager) validateBearerToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return rejectToken("token cannot be empty for type 'bearer'")
	}
	if len(token) < m.minTokenLength {
		return rejectToken("token is too short (minimum %d characters)", m.minTokenLength)
	}
	if len(token) > m.maxTokenLength {
		return rejectToken("token is too long (maximum %d characters)", m.maxTokenLength)
	}
	if strings.ContainsAny(token, " \t\n\r") {
		return rejectToken("token cannot contain whitespace characters")
	}

	lower := strings.ToLower(token)
	for _, pattern := range []string{"placeholder", "your-token", "changeme"} {
		if strings.Contains(lower, pattern) {
			return rejectToken("token appears to be a placeholder value")
		}
	}

	if jwtPattern.MatchString(token) {
		return m.validateJWT(token)
	}
	if !genericPattern.MatchString(token) {
		return rejectToken("token contains invalid characters")
	}
	return nil
}

// validateJWT checks the structure and time claims of a JWT
func (m *Manager) validateJWT(token string) error {
	parts := strings.Split(token, ".")
	for i, part := range parts {
		if _, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(part, "=")); err != nil {
			return apperrors.NewAuthenticationError("auth").
				WithOperation("validate_token").
				WithMessagef("JWT part %d is invalid", i+1).
				WithCause(err).
				Build()
		}
	}

	claims, err := decodeClaims(parts[1])
	if err != nil {
		return apperrors.NewAuthenticationError("auth").
			WithOperation("validate_token").
			WithMessage("JWT claims are unreadable").
			WithCause(err).
			Build()
	}

	now := m.now()
	if exp, ok := claims["exp"].(float64); ok && now.After(time.Unix(int64(exp), 0)) {
		return rejectToken("JWT token has expired")
	}
	if nbf, ok := claims["nbf"].(float64); ok && now.Before(time.Unix(int64(nbf), 0)) {
		return rejectToken("JWT token is not yet valid")
	}
	return nil
}

// rejectToken builds the authentication error returned for a malformed token
func rejectToken(format string, args ...interface{}) error {
	return apperrors.NewAuthenticationError("auth").
		WithOperation("validate_token").
		WithMessagef(format, args...).
		Build()
}

func decodeClaims(payload string) (map[string]interface{}, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT claims: %w", err)
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("invalid JWT claims JSON: %w", err)
	}
	return claims, nil
}
