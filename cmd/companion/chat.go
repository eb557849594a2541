package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/companion-console/console/internal/chat"
	"github.com/companion-console/console/internal/content"
	apperrors "github.com/companion-console/console/internal/errors"
	"github.com/companion-console/console/internal/interfaces"
	"github.com/companion-console/console/internal/session"
	"github.com/companion-console/console/internal/ui/app"
)

func newChatCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation (default)",
		Long: `Start an interactive conversation. On a terminal this opens the full
screen chat; otherwise lines are read from stdin and replies written to
stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, flags)
		},
	}
}

func runChat(cmd *cobra.Command, flags *globalFlags) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
	if err := initLogging(flags, interactive); err != nil {
		return err
	}

	st, err := openStack(flags)
	if err != nil {
		return err
	}
	defer st.close()

	ctx := cmd.Context()
	if interactive {
		if err := st.ctrl.Start(ctx); err != nil {
			return err
		}
		return runTUI(st)
	}

	if err := st.start(ctx); err != nil {
		return err
	}
	return runLineChat(ctx, st, cmd.InOrStdin(), cmd.OutOrStdout())
}

func runTUI(st *stack) error {
	model := app.New(st.ctrl, app.Options{
		Profile:       st.profile,
		Theme:         st.theme,
		CompanionName: st.name,
		Health:        st.monitor,
	})
	defer model.Close()

	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := program.Run()
	return err
}

// runLineChat is the plain REPL used when stdin or stdout is not a terminal.
// Each line is sent and its reply awaited before the next line is read.
func runLineChat(ctx context.Context, st *stack, in io.Reader, out io.Writer) error {
	p := newPrinter(st.store, out, st.name)
	p.start()
	defer p.stop()

	handler := apperrors.NewHandler(st.name)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		mark := st.lastMessageID()
		err := dispatchLine(ctx, st, line)
		if err != nil && !alreadyReported(err) {
			p.println("error: " + handler.Describe(err))
		}

		waitCtx, cancel := context.WithTimeout(ctx, st.profile.ReplyTimeout+5*time.Second)
		if err == nil && expectsOutcome(line) {
			_ = st.waitOutcome(waitCtx, mark)
		} else {
			_ = st.waitIdle(waitCtx)
		}
		cancel()
		p.flush()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

// dispatchLine runs one REPL line: a slash command or a chat message
func dispatchLine(ctx context.Context, st *stack, line string) error {
	if !strings.HasPrefix(line, "/") {
		return st.ctrl.SendUserMessage(ctx, line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/mode":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /mode safe|restricted")
		}
		target, err := interfaces.ParseMode(fields[1])
		if err != nil {
			return err
		}
		return st.ctrl.ChangeMode(ctx, target)
	case "/reset":
		return st.ctrl.Reset(ctx)
	case "/reconnect":
		return st.ctrl.Reconnect(ctx)
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

// expectsOutcome reports whether a successful dispatch of line always ends
// with a message in the log
func expectsOutcome(line string) bool {
	return !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "/mode") || strings.HasPrefix(line, "/reset")
}

// alreadyReported reports whether the controller has put err in the log
func alreadyReported(err error) bool {
	if errors.Is(err, chat.ErrEmptyMessage) || errors.Is(err, chat.ErrResponsePending) ||
		errors.Is(err, chat.ErrOffline) || errors.Is(err, chat.ErrModeUnchanged) ||
		errors.Is(err, chat.ErrModeChangeInFlight) || errors.Is(err, chat.ErrClosed) {
		return false
	}
	var ce *apperrors.ContextualError
	return errors.As(err, &ce)
}

// printer writes new session messages as plain lines
type printer struct {
	store *session.Store
	out   io.Writer
	name  string

	mu       sync.Mutex
	lastID   string
	lastTime time.Time

	done    chan struct{}
	stopped chan struct{}
}

func newPrinter(store *session.Store, out io.Writer, name string) *printer {
	return &printer{
		store:   store,
		out:     out,
		name:    name,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (p *printer) start() {
	updates, unsubscribe := p.store.Subscribe()
	go func() {
		defer close(p.stopped)
		defer unsubscribe()
		for {
			select {
			case <-updates:
				p.flush()
			case <-p.done:
				return
			}
		}
	}()
}

func (p *printer) stop() {
	close(p.done)
	<-p.stopped
	p.flush()
}

// flush prints every message after the last one printed. When that message
// is gone from the log (cleared or trimmed), messages newer than it are
// printed instead.
func (p *printer) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs := p.store.Messages()
	start := 0
	if p.lastID != "" {
		start = -1
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].ID == p.lastID {
				start = i + 1
				break
			}
		}
		if start < 0 {
			start = len(msgs)
			for i, msg := range msgs {
				if !msg.Timestamp.Before(p.lastTime) {
					start = i
					break
				}
			}
		}
	}

	for _, msg := range msgs[start:] {
		if msg.Sender == session.SenderUser {
			p.remember(msg)
			continue
		}
		fmt.Fprintln(p.out, content.PlainMessage(msg, p.name))
		p.remember(msg)
	}
}

func (p *printer) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

func (p *printer) remember(msg session.Message) {
	p.lastID = msg.ID
	p.lastTime = msg.Timestamp
}
