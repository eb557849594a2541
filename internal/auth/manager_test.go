package auth

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/companion-console/console/internal/errors"
	"github.com/companion-console/console/internal/interfaces"
)

func makeJWT(t *testing.T, claims string) string {
	t.Helper()
	enc := base64.RawURLEncoding
	return fmt.Sprintf("%s.%s.%s",
		enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`)),
		enc.EncodeToString([]byte(claims)),
		enc.EncodeToString([]byte("signature")))
}

func TestCreateAuthHeader(t *testing.T) {
	m := NewManager()

	header, err := m.CreateAuthHeader(&interfaces.AuthConfig{Type: "bearer", Token: "abcdef123456"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer abcdef123456", header)

	header, err = m.CreateAuthHeader(&interfaces.AuthConfig{Type: "none"})
	require.NoError(t, err)
	assert.Empty(t, header)

	header, err = m.CreateAuthHeader(nil)
	require.NoError(t, err)
	assert.Empty(t, header)

	_, err = m.CreateAuthHeader(&interfaces.AuthConfig{Type: "basic", Token: "abcdef123456"})
	assert.Error(t, err)
}

func TestValidateToken(t *testing.T) {
	m := NewManager()
	m.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	tests := []struct {
		name    string
		token   string
		typ     string
		wantErr bool
	}{
		{"anonymous", "", "none", false},
		{"anonymous with token", "abcdef123456", "none", true},
		{"empty bearer", "", "bearer", true},
		{"short bearer", "abc", "bearer", true},
		{"whitespace", "abcd efgh ijkl", "bearer", true},
		{"placeholder", "your-token-here", "bearer", true},
		{"generic", "sk_live_0123456789", "bearer", false},
		{"valid jwt", makeJWT(t, `{"sub":"me","exp":1800000000}`), "bearer", false},
		{"expired jwt", makeJWT(t, `{"exp":1600000000}`), "bearer", true},
		{"future jwt", makeJWT(t, `{"nbf":1800000000}`), "bearer", true},
		{"unsupported", "abcdef123456", "oauth", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.ValidateToken(tt.token, tt.typ)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrAuthentication)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTokenExpiry(t *testing.T) {
	m := NewManager()

	exp, ok := m.TokenExpiry(makeJWT(t, `{"exp":1800000000}`))
	require.True(t, ok)
	assert.Equal(t, int64(1800000000), exp.Unix())

	_, ok = m.TokenExpiry("opaque-token-value")
	assert.False(t, ok)
}
