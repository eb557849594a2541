package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/companion-console/console/internal/config"
	"github.com/companion-console/console/internal/content"
	apperrors "github.com/companion-console/console/internal/errors"
	"github.com/companion-console/console/internal/health"
	"github.com/companion-console/console/internal/interfaces"
	"github.com/companion-console/console/internal/session"
)

func newSendCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(cmd, flags, func(ctx context.Context, st *stack) error {
				return st.ctrl.SendUserMessage(ctx, strings.Join(args, " "))
			})
		},
	}
}

func newModeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "mode <safe|restricted>",
		Short:     "Request an interaction mode change",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"safe", "restricted"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := interfaces.ParseMode(args[0])
			if err != nil {
				return err
			}
			return runOneShot(cmd, flags, func(ctx context.Context, st *stack) error {
				return st.ctrl.ChangeMode(ctx, target)
			})
		},
	}
}

func newResetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the companion's memory of the conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initLogging(flags, false); err != nil {
				return err
			}
			st, err := openStack(flags)
			if err != nil {
				return err
			}
			defer st.close()

			if err := st.ctrl.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Conversation reset.")
			return nil
		},
	}
}

// runOneShot starts a session, runs fn, waits for the outcome and prints
// every message the session produced
func runOneShot(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, st *stack) error) error {
	if err := initLogging(flags, false); err != nil {
		return err
	}
	st, err := openStack(flags)
	if err != nil {
		return err
	}
	defer st.close()

	ctx := cmd.Context()
	if err := st.start(ctx); err != nil {
		return err
	}

	runErr := fn(ctx, st)
	if runErr == nil {
		waitCtx, cancel := context.WithTimeout(ctx, st.profile.ReplyTimeout+5*time.Second)
		runErr = st.waitIdle(waitCtx)
		cancel()
	}

	out := cmd.OutOrStdout()
	failed := false
	for _, msg := range st.store.Messages() {
		if msg.Sender == session.SenderUser {
			continue
		}
		if msg.Sender == session.SenderError {
			failed = true
		}
		fmt.Fprintln(out, content.PlainMessage(msg, st.name))
	}

	if runErr != nil && !alreadyReported(runErr) {
		return errors.New(apperrors.NewHandler(st.name).Describe(runErr))
	}
	if runErr != nil || failed {
		return errors.New("the request did not complete")
	}
	return nil
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var (
		watch    time.Duration
		asJSON   bool
		trendWin time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe the companion service",
		Long: `Probe the companion service: TCP reachability, GET /health and GET /status.
With --watch the probes repeat until interrupted and availability trends are
printed at the end.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initLogging(flags, false); err != nil {
				return err
			}
			st, err := openStack(flags)
			if err != nil {
				return err
			}
			defer st.close()

			out := cmd.OutOrStdout()
			if watch <= 0 {
				report := st.monitor.Check(cmd.Context())
				if err := printReport(out, report, asJSON); err != nil {
					return err
				}
				if report.Overall != health.StatusReady {
					return fmt.Errorf("companion is %s", report.Overall)
				}
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			st.monitor.Run(ctx, watch, func(report *health.Report) {
				_ = printReport(out, report, asJSON)
			})
			printTrends(out, st.monitor.Trends(trendWin))
			return nil
		},
	}

	cmd.Flags().DurationVar(&watch, "watch", 0, "repeat the probes at this interval")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print reports as JSON")
	cmd.Flags().DurationVar(&trendWin, "trend-window", time.Hour, "window for the availability summary")
	return cmd
}

func printReport(out io.Writer, report *health.Report, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(out).Encode(report)
	}

	fmt.Fprintf(out, "%s  %s  %dms\n", report.Target, report.Overall, report.ResponseTime.Milliseconds())
	if report.Model != "" {
		fmt.Fprintf(out, "  model:   %s\n", report.Model)
	}
	if report.HasMode {
		fmt.Fprintf(out, "  mode:    %s\n", report.Mode)
	}
	if report.Emotion != "" {
		fmt.Fprintf(out, "  emotion: %s\n", report.Emotion)
	}

	checks := make([]string, 0, len(report.Checks))
	for check := range report.Checks {
		checks = append(checks, string(check))
	}
	sort.Strings(checks)
	for _, check := range checks {
		result := report.Checks[health.CheckType(check)]
		line := fmt.Sprintf("  %-13s %s", check, result.Status)
		if result.Error != "" {
			line += "  " + result.Error
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func printTrends(out io.Writer, trends health.Trends) {
	if trends.SampleCount == 0 {
		return
	}
	fmt.Fprintf(out, "%d samples, %.1f%% ready, average %dms",
		trends.SampleCount, trends.UptimePercentage, trends.AverageResponseTime.Milliseconds())
	if trends.AvailabilityTrend != "" {
		fmt.Fprintf(out, ", %s", trends.AvailabilityTrend)
	}
	fmt.Fprintln(out)
}

func newProfileCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage connection profiles",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List profile names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := openConfig(flags)
			if err != nil {
				return err
			}
			names, err := cfg.ListProfiles()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})

	var (
		token string
		tls   bool
		name  string
	)
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create or replace a profile",
		Long: `Create or replace a profile. The global --host and --no-fallback flags
set the profile's host and fallback setting.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := openConfig(flags)
			if err != nil {
				return err
			}

			host := flags.host
			if host == "" {
				host = config.DefaultHost
			}
			profile := &interfaces.Profile{
				Name:     args[0],
				Host:     host,
				TLS:      tls,
				Fallback: !flags.noFallback,
				Auth:     interfaces.AuthConfig{Type: "none"},
			}
			if token != "" {
				profile.Auth = interfaces.AuthConfig{Type: "bearer", Token: token}
			}
			if name != "" {
				profile.Metadata = map[string]string{"companion_name": name}
			}
			config.ApplyDefaults(profile)

			if err := cfg.SaveProfile(profile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved profile %s to %s\n", profile.Name, cfg.GetConfigPath())
			return nil
		},
	}
	add.Flags().StringVar(&token, "token", "", "bearer token, stored encrypted")
	add.Flags().BoolVar(&tls, "tls", false, "use https and wss")
	add.Flags().StringVar(&name, "name", "", "display name of the companion")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := openConfig(flags)
			if err != nil {
				return err
			}
			return cfg.DeleteProfile(args[0])
		},
	})

	return cmd
}

func openConfig(flags *globalFlags) (*config.Manager, error) {
	if err := initLogging(flags, false); err != nil {
		return nil, err
	}
	cfg, err := config.NewManager()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}
	return cfg, nil
}
