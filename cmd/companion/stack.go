package main

import (
	"context"
	"fmt"
	"time"

	"github.com/companion-console/console/internal/auth"
	"github.com/companion-console/console/internal/chat"
	"github.com/companion-console/console/internal/config"
	"github.com/companion-console/console/internal/health"
	"github.com/companion-console/console/internal/interfaces"
	"github.com/companion-console/console/internal/logging"
	"github.com/companion-console/console/internal/protocol"
	"github.com/companion-console/console/internal/session"
	"github.com/companion-console/console/internal/supervisor"
	"github.com/companion-console/console/internal/transport"
)

// connectWait bounds how long one-shot commands wait for the live channel
const connectWait = 3 * time.Second

// stack is one fully wired console session
type stack struct {
	profile *interfaces.Profile
	theme   *interfaces.Theme
	name    string
	client  *protocol.Client
	store   *session.Store
	ctrl    *chat.Controller
	monitor *health.Monitor
}

// openStack loads configuration and builds every layer for the selected
// profile. Nothing touches the network until Start.
func openStack(flags *globalFlags) (*stack, error) {
	cfg, err := config.NewManager()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	profile, err := resolveProfile(cfg, flags)
	if err != nil {
		return nil, err
	}

	theme, err := cfg.LoadTheme(profile.Theme)
	if err != nil {
		logging.GetGlobalLogger().Warn("Falling back to the default theme", "theme", profile.Theme, "error", err.Error())
		theme = nil
	}

	authMgr := auth.NewManager()
	client, err := protocol.NewClient(profile, authMgr)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize protocol client: %w", err)
	}

	authHeader, err := authMgr.CreateAuthHeader(&profile.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to build authorization header: %w", err)
	}
	wsURL, err := transport.EndpointURL(profile)
	if err != nil {
		return nil, err
	}
	ws, err := transport.NewWebSocket(transport.Config{URL: wsURL, AuthHeader: authHeader})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize transport: %w", err)
	}

	monitor, err := health.NewMonitor(profile, client)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize health monitor: %w", err)
	}

	name := companionName(profile)
	store := session.NewStore(profile.HistoryLimit)
	ctrl := chat.New(store, supervisor.New(ws, supervisor.PolicyFromConfig(profile.Reconnect)), chat.Options{
		HTTP:          client,
		Fallback:      profile.Fallback,
		ReplyTimeout:  profile.ReplyTimeout,
		ModeTimeout:   profile.ModeTimeout,
		CompanionName: name,
	})

	return &stack{
		profile: profile,
		theme:   theme,
		name:    name,
		client:  client,
		store:   store,
		ctrl:    ctrl,
		monitor: monitor,
	}, nil
}

// start opens the live channel and waits briefly for the handshake to settle
func (s *stack) start(ctx context.Context) error {
	if err := s.ctrl.Start(ctx); err != nil {
		return err
	}

	updates, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	timer := time.NewTimer(connectWait)
	defer timer.Stop()
	for s.store.Connectivity() == interfaces.Connecting {
		select {
		case <-updates:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *stack) close() {
	_ = s.ctrl.Close()
}

// waitIdle blocks until no reply or mode change is pending
func (s *stack) waitIdle(ctx context.Context) error {
	updates, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	for {
		snap := s.store.Snapshot()
		if !snap.ResponsePending && !snap.ModeChanging {
			return nil
		}
		select {
		case <-updates:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// lastMessageID is the ID of the newest message in the log, or ""
func (s *stack) lastMessageID() string {
	msgs := s.store.Messages()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].ID
}

// waitOutcome blocks until the session is idle and a message not written by
// the user has been appended after the message with ID mark
func (s *stack) waitOutcome(ctx context.Context, mark string) error {
	updates, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	for {
		snap := s.store.Snapshot()
		if !snap.ResponsePending && !snap.ModeChanging && hasOutcomeAfter(snap.Messages, mark) {
			return nil
		}
		select {
		case <-updates:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func hasOutcomeAfter(msgs []session.Message, mark string) bool {
	start := 0
	if mark != "" {
		start = -1
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].ID == mark {
				start = i + 1
				break
			}
		}
		if start < 0 {
			// the log was cleared or trimmed past mark
			return true
		}
	}
	for _, msg := range msgs[start:] {
		if msg.Sender != session.SenderUser {
			return true
		}
	}
	return false
}
