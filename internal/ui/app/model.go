// Package app implements the interactive chat screen. The model renders the
// session log, forwards user input to the chat controller and redraws
// whenever the session store reports a change.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/companion-console/console/internal/content"
	apperrors "github.com/companion-console/console/internal/errors"
	"github.com/companion-console/console/internal/health"
	"github.com/companion-console/console/internal/interfaces"
	"github.com/companion-console/console/internal/logging"
	"github.com/companion-console/console/internal/session"
)

const (
	actionTimeout  = 90 * time.Second
	healthTimeout  = 5 * time.Second
	healthInterval = 30 * time.Second
	headerHeight   = 1
	footerHeight   = 4
)

// Controller is the part of the chat controller the screen drives
type Controller interface {
	Store() *session.Store
	FallbackEnabled() bool
	SendUserMessage(ctx context.Context, text string) error
	ChangeMode(ctx context.Context, target interfaces.Mode) error
	Reconnect(ctx context.Context) error
	Reset(ctx context.Context) error
}

// HealthChecker produces health reports for the header
type HealthChecker interface {
	Check(ctx context.Context) *health.Report
}

// Options configures the screen
type Options struct {
	Profile       *interfaces.Profile
	Theme         *interfaces.Theme
	CompanionName string

	// Health is optional; without it the header shows no health badge
	Health HealthChecker
}

// Model is the Bubble Tea model of the chat screen
type Model struct {
	controller Controller
	store      *session.Store
	renderer   *content.Renderer
	handler    *apperrors.Handler
	health     HealthChecker
	logger     *logging.Logger

	profile       *interfaces.Profile
	companionName string

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	snapshot     session.Snapshot
	healthReport *health.Report
	lastError    error
	statusText   string

	width  int
	height int
	ready  bool

	updates     <-chan struct{}
	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

// sessionChangedMsg signals that the session store changed
type sessionChangedMsg struct{}

// actionDoneMsg carries the outcome of a controller call
type actionDoneMsg struct {
	action string
	err    error
}

// healthReportMsg carries a fresh health report
type healthReportMsg struct {
	report *health.Report
}

// healthTickMsg schedules the next health check
type healthTickMsg struct{}

// New creates the chat screen for controller
func New(controller Controller, opts Options) *Model {
	input := textinput.New()
	input.Placeholder = "Say something…"
	input.Prompt = "› "
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	name := strings.TrimSpace(opts.CompanionName)
	if name == "" {
		name = "Companion"
	}

	profile := opts.Profile
	if profile == nil {
		profile = &interfaces.Profile{}
	}

	store := controller.Store()
	updates, unsubscribe := store.Subscribe()

	return &Model{
		controller:    controller,
		store:         store,
		renderer:      content.NewRenderer(opts.Theme, name),
		handler:       apperrors.NewHandler(name),
		health:        opts.Health,
		logger:        logging.GetUILogger(),
		profile:       profile,
		companionName: name,
		input:         input,
		viewport:      viewport.New(80, 20),
		spinner:       spin,
		snapshot:      store.Snapshot(),
		updates:       updates,
		unsubscribe:   unsubscribe,
		done:          make(chan struct{}),
	}
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		m.waitForChange(),
		m.checkHealth(),
	)
}

// Close stops the session subscription. It is safe to call more than once.
func (m *Model) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.unsubscribe()
	})
}

// SetSize lays the screen out for a terminal of width x height
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height

	vpHeight := height - headerHeight - footerHeight
	if vpHeight < 3 {
		vpHeight = 3
	}
	m.viewport.Width = width
	m.viewport.Height = vpHeight
	m.input.Width = width - len(m.input.Prompt) - 1
	m.ready = true
	m.refreshViewport(true)
}

// waitForChange blocks until the store signals or the model closes
func (m *Model) waitForChange() tea.Cmd {
	updates := m.updates
	done := m.done
	return func() tea.Msg {
		select {
		case <-updates:
			return sessionChangedMsg{}
		case <-done:
			return nil
		}
	}
}

// run executes a controller call off the UI goroutine
func (m *Model) run(action string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionDoneMsg{action: action, err: fn(ctx)}
	}
}

func (m *Model) checkHealth() tea.Cmd {
	if m.health == nil {
		return nil
	}
	checker := m.health
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
		defer cancel()
		return healthReportMsg{report: checker.Check(ctx)}
	}
}

func (m *Model) scheduleHealth() tea.Cmd {
	if m.health == nil {
		return nil
	}
	return tea.Tick(healthInterval, func(time.Time) tea.Msg { return healthTickMsg{} })
}

// refreshViewport re-renders the log. The view follows new messages when it
// was already at the bottom or when forced.
func (m *Model) refreshViewport(forceBottom bool) {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()

	var body string
	if len(m.snapshot.Messages) == 0 {
		body = m.renderer.Styles().System.Render("Type a message and press enter. /help lists commands.")
	} else {
		body = m.renderer.RenderMessages(m.snapshot.Messages, m.viewport.Width)
	}
	m.viewport.SetContent(body)

	if forceBottom || atBottom {
		m.viewport.GotoBottom()
	}
}

// emotion returns the emotion of the latest companion message, falling back
// to the last health report
func (m *Model) emotion() string {
	for i := len(m.snapshot.Messages) - 1; i >= 0; i-- {
		msg := m.snapshot.Messages[i]
		if msg.Sender == session.SenderCompanion && msg.Emotion != "" {
			return msg.Emotion
		}
	}
	if m.healthReport != nil {
		return m.healthReport.Emotion
	}
	return ""
}
