// Package config manages connection profiles and themes for the companion
// console. Profiles live in a YAML file under the user's config directory;
// bearer tokens are encrypted at rest by a SecurityManager.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/companion-console/console/internal/auth"
	apperrors "github.com/companion-console/console/internal/errors"
	"github.com/companion-console/console/internal/interfaces"
	"github.com/companion-console/console/internal/logging"
	"github.com/companion-console/console/internal/protocol"
)

// Profile defaults
const (
	DefaultProfileName  = "default"
	DefaultHost         = "localhost:8000"
	DefaultThemeName    = "default"
	DefaultHistoryLimit = 1000
	DefaultReplyTimeout = 60 * time.Second
	DefaultModeTimeout  = 15 * time.Second
)

// Environment variables that override the selected profile
const (
	EnvHost  = "COMPANION_HOST"
	EnvToken = "COMPANION_TOKEN"
)

// Config is the on-disk layout of profiles.yaml
type Config struct {
	Profiles map[string]interfaces.Profile `yaml:"profiles"`
	Themes   map[string]interfaces.Theme   `yaml:"themes"`
}

// Manager implements interfaces.ConfigManager over a YAML file
type Manager struct {
	configPath  string
	securityMgr SecurityManager
	authMgr     interfaces.AuthManager
	logger      *logging.Logger

	mu           sync.Mutex
	cachedConfig *Config
}

// NewManager creates a manager for the user's profiles.yaml, creating the
// configuration directory and encryption key on first use
func NewManager() (*Manager, error) {
	configPath, err := DefaultConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to determine configuration path: %w", err)
	}

	securityMgr, err := NewSecurityManager()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize security manager: %w", err)
	}

	return NewManagerAt(configPath, securityMgr)
}

// NewManagerAt creates a manager for the profiles file at configPath
func NewManagerAt(configPath string, securityMgr SecurityManager) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	return &Manager{
		configPath:  configPath,
		securityMgr: securityMgr,
		authMgr:     auth.NewManager(),
		logger:      logging.GetConfigLogger(),
	}, nil
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/companion/profiles.yaml, or
// ~/.config/companion/profiles.yaml when XDG_CONFIG_HOME is unset
func DefaultConfigPath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "companion", "profiles.yaml"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "companion", "profiles.yaml"), nil
}

// GetConfigPath returns the path to the profiles file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// LoadProfile returns the named profile with defaults applied. The profile
// is validated before it is returned.
func (m *Manager) LoadProfile(name string) (*interfaces.Profile, error) {
	m.mu.Lock()
	config, err := m.loadConfigLocked()
	m.mu.Unlock()
	if err != nil {
		m.logger.LogConfigError("load_profile", err)
		return nil, err
	}

	profile, exists := config.Profiles[name]
	if !exists {
		return nil, apperrors.NewConfigurationError("config").
			WithOperation("load_profile").
			WithMessagef("profile '%s' not found", name).
			WithContext("path", m.configPath).
			Build()
	}

	profile.Name = name
	ApplyDefaults(&profile)

	if err := m.ValidateProfile(&profile); err != nil {
		return nil, fmt.Errorf("profile '%s' is invalid: %w", name, err)
	}

	m.logger.LogConfigLoad(m.configPath, name)
	return &profile, nil
}

// SaveProfile validates profile and writes it to the profiles file
func (m *Manager) SaveProfile(profile *interfaces.Profile) error {
	if err := m.ValidateProfile(profile); err != nil {
		return fmt.Errorf("cannot save invalid profile: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	config, err := m.loadConfigLocked()
	if err != nil {
		return err
	}
	if config.Profiles == nil {
		config.Profiles = make(map[string]interfaces.Profile)
	}
	config.Profiles[profile.Name] = *profile

	if err := m.saveConfigLocked(config); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	m.cachedConfig = config
	return nil
}

// DeleteProfile removes a profile. The default profile cannot be deleted.
func (m *Manager) DeleteProfile(name string) error {
	if name == DefaultProfileName {
		return fmt.Errorf("cannot delete the %s profile", DefaultProfileName)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	config, err := m.loadConfigLocked()
	if err != nil {
		return err
	}
	if _, exists := config.Profiles[name]; !exists {
		return fmt.Errorf("profile '%s' does not exist", name)
	}
	delete(config.Profiles, name)

	if err := m.saveConfigLocked(config); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	m.cachedConfig = config
	return nil
}

// ListProfiles returns the profile names in sorted order
func (m *Manager) ListProfiles() ([]string, error) {
	m.mu.Lock()
	config, err := m.loadConfigLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(config.Profiles))
	for name := range config.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// LoadTheme returns the named theme from the profiles file, or the built-in
// theme of that name
func (m *Manager) LoadTheme(name string) (*interfaces.Theme, error) {
	m.mu.Lock()
	config, err := m.loadConfigLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	theme, exists := config.Themes[name]
	if !exists {
		if builtin, ok := builtinThemes()[name]; ok {
			return &builtin, nil
		}
		return nil, fmt.Errorf("theme '%s' not found", name)
	}
	theme.Name = name
	return &theme, nil
}

// InvalidateCache forces the next access to re-read the profiles file
func (m *Manager) InvalidateCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cachedConfig = nil
}

// ValidateProfile checks that profile can be used to reach a companion service
func (m *Manager) ValidateProfile(profile *interfaces.Profile) error {
	if profile == nil {
		return m.invalid("profile cannot be nil")
	}
	if strings.TrimSpace(profile.Name) == "" {
		return m.invalid("profile name cannot be empty")
	}
	if _, err := protocol.BaseURL(profile.Host, profile.TLS); err != nil {
		return m.invalid(fmt.Sprintf("invalid host: %v", err))
	}
	if profile.HistoryLimit < 0 {
		return m.invalid("history_limit cannot be negative")
	}
	if profile.ReplyTimeout < 0 || profile.ModeTimeout < 0 {
		return m.invalid("timeouts cannot be negative")
	}

	rc := profile.Reconnect
	if rc.BaseDelay < 0 || rc.MaxDelay < 0 || rc.MaxTotalDelay < 0 || rc.MaxAttempts < 0 {
		return m.invalid("reconnect settings cannot be negative")
	}
	if rc.MaxDelay > 0 && rc.BaseDelay > rc.MaxDelay {
		return m.invalid("reconnect base_delay cannot exceed max_delay")
	}

	switch strings.ToLower(profile.Auth.Type) {
	case "", "none":
		if profile.Auth.Token != "" {
			return m.invalid("a token is set but auth type is 'none'")
		}
	case "bearer":
		if err := m.authMgr.ValidateToken(profile.Auth.Token, "bearer"); err != nil {
			return apperrors.NewConfigurationError("config").
				WithOperation("validate_profile").
				WithMessagef("invalid bearer token: %v", err).
				WithCause(err).
				Build()
		}
	default:
		return m.invalid(fmt.Sprintf("unsupported authentication type: %s", profile.Auth.Type))
	}
	return nil
}

func (m *Manager) invalid(message string) error {
	return apperrors.NewConfigurationError("config").
		WithOperation("validate_profile").
		WithMessage(message).
		Build()
}

// ApplyDefaults fills unset profile fields
func ApplyDefaults(profile *interfaces.Profile) {
	if profile.WSPath == "" {
		profile.WSPath = protocol.EndpointWS
	}
	if profile.Theme == "" {
		profile.Theme = DefaultThemeName
	}
	if profile.HistoryLimit == 0 {
		profile.HistoryLimit = DefaultHistoryLimit
	}
	if profile.ReplyTimeout == 0 {
		profile.ReplyTimeout = DefaultReplyTimeout
	}
	if profile.ModeTimeout == 0 {
		profile.ModeTimeout = DefaultModeTimeout
	}
	if profile.Auth.Type == "" {
		profile.Auth.Type = "none"
	}
}

// ApplyEnv overrides profile fields from COMPANION_HOST and COMPANION_TOKEN.
// A token from the environment switches the profile to bearer auth.
func ApplyEnv(profile *interfaces.Profile) {
	if host := strings.TrimSpace(os.Getenv(EnvHost)); host != "" {
		profile.Host = host
	}
	if token := strings.TrimSpace(os.Getenv(EnvToken)); token != "" {
		profile.Auth = interfaces.AuthConfig{Type: "bearer", Token: token}
	}
}

// loadConfigLocked reads the profiles file, writing defaults when it does
// not exist yet
func (m *Manager) loadConfigLocked() (*Config, error) {
	if m.cachedConfig != nil {
		return m.cachedConfig, nil
	}

	data, err := os.ReadFile(m.configPath)
	if os.IsNotExist(err) {
		config := DefaultConfig()
		if err := m.saveConfigLocked(config); err != nil {
			return nil, fmt.Errorf("failed to create default configuration: %w", err)
		}
		m.logger.Info("Created default configuration", "path", m.configPath)
		m.cachedConfig = config
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, apperrors.NewConfigurationError("config").
			WithOperation("parse").
			WithMessagef("failed to parse %s: %v", m.configPath, err).
			WithCause(err).
			Build()
	}

	for name, profile := range config.Profiles {
		if !IsEncrypted(profile.Auth.Token) {
			continue
		}
		token, err := m.securityMgr.DecryptCredential(profile.Auth.Token)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt token for profile %s: %w", name, err)
		}
		profile.Auth.Token = token
		config.Profiles[name] = profile
	}

	m.cachedConfig = &config
	return &config, nil
}

// saveConfigLocked writes config with every token encrypted
func (m *Manager) saveConfigLocked(config *Config) error {
	out := Config{
		Profiles: make(map[string]interfaces.Profile, len(config.Profiles)),
		Themes:   config.Themes,
	}

	for name, profile := range config.Profiles {
		if profile.Auth.Token != "" && !IsEncrypted(profile.Auth.Token) {
			sealed, err := m.securityMgr.EncryptCredential(profile.Auth.Token)
			if err != nil {
				return fmt.Errorf("failed to encrypt token for profile %s: %w", name, err)
			}
			profile.Auth.Token = sealed
		}
		out.Profiles[name] = profile
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}

// DefaultConfig is the configuration written on first run
func DefaultConfig() *Config {
	return &Config{
		Profiles: map[string]interfaces.Profile{
			DefaultProfileName: {
				Name:         DefaultProfileName,
				Host:         DefaultHost,
				WSPath:       protocol.EndpointWS,
				Theme:        DefaultThemeName,
				Fallback:     true,
				HistoryLimit: DefaultHistoryLimit,
				ReplyTimeout: DefaultReplyTimeout,
				ModeTimeout:  DefaultModeTimeout,
				Reconnect: interfaces.ReconnectConfig{
					BaseDelay:     time.Second,
					MaxDelay:      10 * time.Second,
					MaxTotalDelay: time.Minute,
					MaxAttempts:   5,
				},
				Auth: interfaces.AuthConfig{Type: "none"},
			},
		},
		Themes: builtinThemes(),
	}
}

func builtinThemes() map[string]interfaces.Theme {
	return map[string]interfaces.Theme{
		"default": {
			Name:      "default",
			User:      "#61afef",
			Companion: "#c678dd",
			System:    "#7f848e",
			Error:     "#e06c75",
			Code:      "monokai",
		},
		"light": {
			Name:      "light",
			User:      "#0550ae",
			Companion: "#8250df",
			System:    "#6e7781",
			Error:     "#cf222e",
			Code:      "github",
		},
	}
}
