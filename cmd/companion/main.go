// Package main is the companion console entry point. It resolves the
// connection profile, wires the session layers together and hands them to
// the chat screen, the line REPL or a one-shot subcommand.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/companion-console/console/internal/config"
	"github.com/companion-console/console/internal/interfaces"
	"github.com/companion-console/console/internal/logging"
)

// Application metadata
const (
	Version     = "0.3.0"
	ProgramName = "Companion Console"
)

// globalFlags are the persistent flags shared by every subcommand
type globalFlags struct {
	host       string
	profile    string
	theme      string
	noFallback bool
	debug      bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:     "companion",
		Short:   "Talk to your AI companion from the terminal",
		Version: Version,
		Long: `A terminal client for a remote AI companion service.

Messages travel over a live WebSocket connection that reconnects on its own.
When the live connection is down the console falls back to plain HTTP
requests unless --no-fallback is given.

Profiles live in ~/.config/companion/profiles.yaml.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, flags)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.host, "host", "", "companion host, e.g. localhost:8000 (overrides the profile)")
	pf.StringVar(&flags.profile, "profile", "", "profile name from the configuration file")
	pf.StringVar(&flags.theme, "theme", "", "color theme name")
	pf.BoolVar(&flags.noFallback, "no-fallback", false, "never fall back to HTTP when the live connection is down")
	pf.BoolVar(&flags.debug, "debug", os.Getenv("COMPANION_DEBUG") == "true", "enable debug logging")

	root.AddCommand(
		newChatCmd(flags),
		newSendCmd(flags),
		newModeCmd(flags),
		newStatusCmd(flags),
		newResetCmd(flags),
		newProfileCmd(flags),
	)
	return root
}

// initLogging configures the global logger. Interactive screens log to a
// file so output does not tear the display.
func initLogging(flags *globalFlags, toFile bool) error {
	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.WarnLevel
	if flags.debug {
		logConfig.Level = logging.DebugLevel
		logConfig.Format = "json"
	}

	if toFile {
		path, err := logFilePath()
		if err != nil {
			return err
		}
		logConfig.Output = path
	}

	if err := logging.InitGlobalLogger(logConfig); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.GetGlobalLogger().Info(ProgramName+" starting", "version", Version)
	return nil
}

func logFilePath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate cache directory: %w", err)
	}
	dir = filepath.Join(dir, "companion")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	return filepath.Join(dir, "companion.log"), nil
}

// resolveProfile loads the selected profile and applies environment and
// flag overrides, in that order
func resolveProfile(cfg *config.Manager, flags *globalFlags) (*interfaces.Profile, error) {
	name := flags.profile
	if name == "" {
		name = config.DefaultProfileName
	}

	profile, err := cfg.LoadProfile(name)
	if err != nil {
		if flags.host == "" || flags.profile != "" {
			return nil, fmt.Errorf("failed to load profile '%s': %w", name, err)
		}
		profile = temporaryProfile()
	}

	config.ApplyEnv(profile)

	if flags.host != "" {
		profile.Host = flags.host
	}
	if flags.theme != "" {
		profile.Theme = flags.theme
	}
	if flags.noFallback {
		profile.Fallback = false
	}

	if err := cfg.ValidateProfile(profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// temporaryProfile is used with --host when the default profile is unusable
func temporaryProfile() *interfaces.Profile {
	profile := &interfaces.Profile{
		Name:     "temporary",
		Fallback: true,
		Auth:     interfaces.AuthConfig{Type: "none"},
	}
	config.ApplyDefaults(profile)
	return profile
}

// companionName is the display name configured in the profile metadata
func companionName(profile *interfaces.Profile) string {
	if name := strings.TrimSpace(profile.Metadata["companion_name"]); name != "" {
		return name
	}
	return "Companion"
}
