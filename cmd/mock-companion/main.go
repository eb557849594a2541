// Package main runs the mock companion service used for local development of
// the console.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/companion-console/console/internal/logging"
	"github.com/companion-console/console/internal/mockserver"
)

type options struct {
	addr       string
	model      string
	token      string
	delay      time.Duration
	rejectMode string
	failChat   bool
	debug      bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:           "mock-companion",
		Short:         "Run a scripted companion service for development",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", "localhost:8000", "listen address")
	flags.StringVar(&opts.model, "model", "mock-companion-1", "model name reported by /health and /status")
	flags.StringVar(&opts.token, "token", "", "require this bearer token on every request")
	flags.DurationVar(&opts.delay, "delay", 0, "wait before each chat reply")
	flags.StringVar(&opts.rejectMode, "reject-mode", "", "reject every mode change with this reason")
	flags.BoolVar(&opts.failChat, "fail-chat", false, "answer POST /chat with a server error")
	flags.BoolVar(&opts.debug, "debug", os.Getenv("COMPANION_DEBUG") == "true", "enable debug logging")

	return cmd
}

func run(ctx context.Context, opts options) error {
	logConfig := logging.DefaultConfig()
	if opts.debug {
		logConfig.Level = logging.DebugLevel
	}
	if err := logging.InitGlobalLogger(logConfig); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := logging.GetGlobalLogger().WithComponent("mock-companion")

	server := mockserver.New(mockserver.Options{
		Model:      opts.model,
		Token:      opts.token,
		ReplyDelay: opts.delay,
	})
	if opts.rejectMode != "" {
		server.SetRejectMode(true, opts.rejectMode)
	}
	server.SetFailChat(opts.failChat)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Mock companion listening", "addr", opts.addr, "model", opts.model)
	if err := server.ListenAndServe(ctx, opts.addr); err != nil {
		return fmt.Errorf("mock companion stopped: %w", err)
	}
	logger.Info("Mock companion stopped")
	return nil
}
