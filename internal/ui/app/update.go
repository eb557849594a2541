package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/companion-console/console/internal/chat"
	"github.com/companion-console/console/internal/interfaces"
	"github.com/companion-console/console/internal/session"
)

const helpText = `Commands:
/mode safe|restricted  request a mode change
/reset                 clear the conversation on both sides
/reconnect             retry the live connection
/clear                 clear the local log only
/quit                  leave

Keys: enter send · ctrl+t toggle mode · ctrl+r reconnect · ctrl+l reset · pgup/pgdn scroll · ctrl+c quit`

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var commands []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd := m.handleKey(msg); cmd != nil {
			commands = append(commands, cmd)
		}

	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case sessionChangedMsg:
		m.handleSessionChanged()
		commands = append(commands, m.waitForChange())

	case actionDoneMsg:
		m.handleActionDone(msg)

	case healthReportMsg:
		m.healthReport = msg.report
		commands = append(commands, m.scheduleHealth())

	case healthTickMsg:
		commands = append(commands, m.checkHealth())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		commands = append(commands, cmd)

	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		commands = append(commands, cmd)
	}

	return m, tea.Batch(commands...)
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m.quit()

	case "enter":
		return m.submit()

	case "ctrl+t":
		return m.toggleMode()

	case "ctrl+r":
		return m.reconnect()

	case "ctrl+l":
		return m.reset()

	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return cmd

	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return cmd
	}
}

func (m *Model) quit() tea.Cmd {
	m.Close()
	return tea.Quit
}

// submit sends the input line, or runs it when it is a slash command
func (m *Model) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}

	if strings.HasPrefix(text, "/") {
		m.input.SetValue("")
		return m.handleCommand(text)
	}

	if m.snapshot.ResponsePending {
		m.statusText = "Still waiting for the last reply."
		return nil
	}

	m.input.SetValue("")
	m.lastError = nil
	m.statusText = ""
	return m.run("send", func(ctx context.Context) error {
		return m.controller.SendUserMessage(ctx, text)
	})
}

func (m *Model) handleCommand(line string) tea.Cmd {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit":
		return m.quit()

	case "/help":
		m.store.AppendText(session.SenderSystem, helpText)
		return nil

	case "/mode":
		if len(fields) < 2 {
			m.statusText = fmt.Sprintf("Current mode is %s. Use /mode safe or /mode restricted.", m.snapshot.Mode)
			return nil
		}
		target, err := interfaces.ParseMode(fields[1])
		if err != nil {
			m.statusText = fmt.Sprintf("Unknown mode %q.", fields[1])
			return nil
		}
		return m.changeMode(target)

	case "/reset":
		return m.reset()

	case "/reconnect":
		return m.reconnect()

	case "/clear":
		m.store.Clear()
		return nil

	default:
		m.statusText = fmt.Sprintf("Unknown command %s. Type /help for a list.", fields[0])
		return nil
	}
}

func (m *Model) toggleMode() tea.Cmd {
	target := interfaces.ModeRestricted
	if m.snapshot.Mode == interfaces.ModeRestricted {
		target = interfaces.ModeSafe
	}
	return m.changeMode(target)
}

func (m *Model) changeMode(target interfaces.Mode) tea.Cmd {
	m.statusText = fmt.Sprintf("Requesting %s mode…", target)
	return m.run("mode", func(ctx context.Context) error {
		return m.controller.ChangeMode(ctx, target)
	})
}

func (m *Model) reconnect() tea.Cmd {
	m.lastError = nil
	m.statusText = "Reconnecting…"
	return m.run("reconnect", m.controller.Reconnect)
}

func (m *Model) reset() tea.Cmd {
	m.statusText = "Resetting the conversation…"
	return m.run("reset", m.controller.Reset)
}

func (m *Model) handleSessionChanged() {
	before := len(m.snapshot.Messages)
	m.snapshot = m.store.Snapshot()
	m.refreshViewport(len(m.snapshot.Messages) < before)
}

// handleActionDone turns a controller outcome into status text. Failures that
// the controller already logged to the session only get a short note.
func (m *Model) handleActionDone(msg actionDoneMsg) {
	if msg.err == nil {
		switch msg.action {
		case "reconnect", "reset", "mode":
			m.statusText = ""
		}
		return
	}

	m.logger.Debug("Action failed", "action", msg.action, "error", msg.err.Error())

	switch {
	case errors.Is(msg.err, chat.ErrEmptyMessage):
		m.statusText = ""
	case errors.Is(msg.err, chat.ErrResponsePending):
		m.statusText = "Still waiting for the last reply."
	case errors.Is(msg.err, chat.ErrModeUnchanged):
		m.statusText = fmt.Sprintf("Already in %s mode.", m.snapshot.Mode)
	case errors.Is(msg.err, chat.ErrModeChangeInFlight):
		m.statusText = "A mode change is already in progress."
	case errors.Is(msg.err, chat.ErrOffline):
		m.statusText = "Offline. Press ctrl+r to reconnect."
	case errors.Is(msg.err, chat.ErrClosed):
		m.statusText = "The session is closed."
	default:
		m.statusText = ""
		m.lastError = msg.err
	}
}
