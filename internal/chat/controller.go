// Package chat implements the controller every presentation surface talks
// to. It accepts user input, routes it over the duplex channel or the HTTP
// fallback, turns incoming payloads into session messages, and negotiates
// mode changes that commit only on the companion's confirmation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/companion-console/console/internal/errors"
	"github.com/companion-console/console/internal/interfaces"
	"github.com/companion-console/console/internal/logging"
	"github.com/companion-console/console/internal/protocol"
	"github.com/companion-console/console/internal/session"
)

// Default timeouts
const (
	DefaultReplyTimeout  = 60 * time.Second
	DefaultModeTimeout   = 15 * time.Second
	DefaultStatusTimeout = 5 * time.Second
)

// Errors returned by controller operations that were not carried out
var (
	ErrEmptyMessage       = errors.New("message is empty")
	ErrResponsePending    = errors.New("a response is already pending")
	ErrOffline            = errors.New("not connected and no fallback available")
	ErrModeUnchanged      = errors.New("mode is already active")
	ErrModeChangeInFlight = errors.New("a mode change is already in flight")
	ErrClosed             = errors.New("controller is closed")
)

// Link is the supervised duplex channel. *supervisor.Supervisor implements it.
type Link interface {
	Start(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Send(payload []byte) error
	Close() error
	State() interfaces.ConnectivityState
	OnStateChange(fn func(from, to interfaces.ConnectivityState))
	OnExhausted(fn func())
	OnMessage(fn func(payload []byte))
}

// Options configures a Controller
type Options struct {
	// HTTP reaches the one-shot endpoints. It seeds the mode at start and
	// serves Reset and Status. Nil disables all of them.
	HTTP interfaces.FallbackClient

	// Fallback routes chat and mode requests over HTTP when the duplex
	// channel is not connected
	Fallback bool

	ReplyTimeout time.Duration
	ModeTimeout  time.Duration

	// CompanionName is used in apologies
	CompanionName string
}

// Controller orchestrates one session. It is safe for concurrent use.
type Controller struct {
	store    *session.Store
	link     Link
	http     interfaces.FallbackClient
	fallback bool
	handler  *apperrors.Handler
	logger   *logging.Logger

	replyTimeout time.Duration
	modeTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	replyToken string
	replyTimer *time.Timer
	modeToken  string
	modeTimer  *time.Timer
}

// New creates a controller over store and link and registers itself as the
// link's observer and message handler.
func New(store *session.Store, link Link, opts Options) *Controller {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.ModeTimeout <= 0 {
		opts.ModeTimeout = DefaultModeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:        store,
		link:         link,
		http:         opts.HTTP,
		fallback:     opts.Fallback && opts.HTTP != nil,
		handler:      apperrors.NewHandler(opts.CompanionName),
		logger:       logging.GetChatLogger(),
		replyTimeout: opts.ReplyTimeout,
		modeTimeout:  opts.ModeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	link.OnStateChange(c.onStateChange)
	link.OnExhausted(c.onExhausted)
	link.OnMessage(c.onPayload)
	return c
}

// Store returns the session the controller drives
func (c *Controller) Store() *session.Store {
	return c.store
}

// FallbackEnabled reports whether chat and mode requests may use HTTP
func (c *Controller) FallbackEnabled() bool {
	return c.fallback
}

// Start seeds the mode from the companion's status and opens the duplex
// channel. Connection failures are retried in the background and are not
// returned.
func (c *Controller) Start(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.seedMode(ctx)

	if err := c.link.Start(ctx); err != nil {
		if errors.Is(err, apperrors.ErrConnect) {
			c.logger.Info("Duplex channel unavailable at start", "error", err.Error(), "fallback", c.fallback)
			return nil
		}
		return err
	}
	return nil
}

// Reconnect asks the supervisor for an immediate connection attempt with a
// fresh retry budget
func (c *Controller) Reconnect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.store.SetExhausted(false)
	err := c.link.Reconnect(ctx)
	if err != nil && errors.Is(err, apperrors.ErrConnect) {
		return nil
	}
	return err
}

// SendUserMessage submits one chat message. It returns ErrEmptyMessage,
// ErrResponsePending or ErrOffline without touching the session when the
// message cannot be sent. Otherwise the user message is appended and the
// exchange ends with exactly one companion or error message.
func (c *Controller) SendUserMessage(ctx context.Context, text string) error {
	if c.isClosed() {
		return ErrClosed
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if c.store.ResponsePending() {
		return ErrResponsePending
	}

	state := c.link.State()
	if state != interfaces.Connected && !c.fallback {
		return ErrOffline
	}

	payload, err := protocol.EncodeChat(text)
	if err != nil {
		return err
	}

	token, ok := c.store.BeginExchange()
	if !ok {
		return ErrResponsePending
	}
	c.store.AppendText(session.SenderUser, text)

	var sendErr error
	if state == interfaces.Connected {
		if sendErr = c.link.Send(payload); sendErr == nil {
			c.logger.Debug("Message sent over duplex channel")
			c.armReplyWatchdog(token)
			return nil
		}
		c.logger.Info("Duplex send failed", "error", sendErr.Error())
	}

	if !c.fallback {
		c.failExchange(token, sendErr)
		return sendErr
	}

	return c.sendViaFallback(ctx, token, text)
}

func (c *Controller) sendViaFallback(ctx context.Context, token, text string) error {
	if current, ok := c.store.PendingExchange(); !ok || current != token {
		c.logger.Debug("Exchange ended before the fallback request")
		return nil
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	reply, err := c.http.Chat(callCtx, text)
	if c.isClosed() {
		return ErrClosed
	}
	if err != nil {
		c.failExchange(token, err)
		return err
	}

	_, ok := c.store.FinishExchange(token, session.Message{
		Sender:    session.SenderCompanion,
		Content:   reply.Content,
		Emotion:   reply.Emotion,
		Animation: reply.Animation,
	})
	if !ok {
		c.logger.Debug("Dropping fallback reply for an exchange that already ended")
		return nil
	}
	c.logger.Debug("Reply received over fallback")
	return nil
}

// ChangeMode requests a switch to target. The session's mode changes only
// when the companion confirms; a rejection, failure or timeout appends one
// system message and leaves the mode as it was.
func (c *Controller) ChangeMode(ctx context.Context, target interfaces.Mode) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := protocol.ValidateMode(target); err != nil {
		return err
	}
	if target == c.store.Mode() {
		return ErrModeUnchanged
	}

	state := c.link.State()
	if state != interfaces.Connected && !c.fallback {
		return ErrOffline
	}

	token, ok := c.store.BeginModeChange(target)
	if !ok {
		return ErrModeChangeInFlight
	}

	var sendErr error
	if state == interfaces.Connected {
		payload, err := protocol.EncodeMode(target)
		if err != nil {
			c.store.EndModeChange(token)
			return err
		}
		if sendErr = c.link.Send(payload); sendErr == nil {
			c.armModeTimer(token)
			return nil
		}
	}

	if !c.fallback {
		c.failModeChange(token, sendErr)
		return sendErr
	}

	if current, ok := c.store.ModeChangeToken(); !ok || current != token {
		c.logger.Debug("Mode change ended before the fallback request")
		return nil
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	result, err := c.http.ChangeMode(callCtx, target)
	if c.isClosed() {
		return ErrClosed
	}
	if err != nil {
		c.failModeChange(token, err)
		return err
	}

	c.resolveModeChange(token, result.Accepted, result.Mode, result.HasMode, result.Reason)
	return nil
}

// HandleIncoming applies one decoded payload to the session
func (c *Controller) HandleIncoming(in protocol.Incoming) {
	if c.isClosed() {
		return
	}

	switch in.Kind {
	case protocol.KindResponse:
		c.store.Append(session.Message{
			Sender:    session.SenderCompanion,
			Content:   in.Content,
			Emotion:   in.Emotion,
			Animation: in.Animation,
		})
		c.completeExchange()

	case protocol.KindModeAck:
		if _, inFlight := c.store.ModeChange(); !inFlight {
			c.applyUnsolicitedMode(in)
			return
		}
		c.resolveModeChange("", in.Accepted, in.Mode, in.HasMode, in.Reason)

	case protocol.KindError:
		reason := in.Reason
		if reason == "" {
			reason = "unknown error"
		}
		c.store.AppendText(session.SenderError, fmt.Sprintf("The companion reported an error: %s", reason))
		c.completeExchange()

	default:
		c.store.AppendText(session.SenderSystem, in.Content)
	}
}

// Reset clears the companion's memory of the conversation and the local log
func (c *Controller) Reset(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.http == nil {
		return ErrOffline
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	if err := c.http.Reset(callCtx); err != nil {
		c.store.AppendText(session.SenderSystem, "Reset failed. "+c.handler.Describe(err))
		return err
	}

	c.store.Clear()
	c.store.AppendText(session.SenderSystem, "Conversation reset.")
	return nil
}

// Status fetches the companion's metadata
func (c *Controller) Status(ctx context.Context) (*interfaces.ServiceStatus, error) {
	if c.http == nil {
		return nil, ErrOffline
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	return c.http.Status(callCtx)
}

// Close tears the session down: pending timers are stopped, in-flight
// fallback calls are cancelled and the duplex channel is closed. Later
// callbacks are ignored. Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimersLocked()
	c.mu.Unlock()

	c.cancel()
	err := c.link.Close()
	if c.http != nil {
		c.http.CloseIdleConnections()
	}
	c.logger.Debug("Controller closed")
	return err
}

func (c *Controller) seedMode(ctx context.Context) {
	if c.http == nil {
		return
	}

	statusCtx, cancel := context.WithTimeout(ctx, DefaultStatusTimeout)
	defer cancel()

	status, err := c.http.Status(statusCtx)
	if err != nil {
		c.logger.Info("Could not read companion status", "error", err.Error())
		return
	}
	if status.HasMode {
		c.store.CommitMode(status.Mode)
		c.logger.Debug("Mode seeded from status", "mode", status.Mode.String())
	}
}

// onPayload is the link's message handler. The supervisor calls it from a
// single goroutine, one payload at a time.
func (c *Controller) onPayload(payload []byte) {
	c.HandleIncoming(protocol.Decode(payload))
}

func (c *Controller) onStateChange(from, to interfaces.ConnectivityState) {
	c.store.SetConnectivity(to)
	if c.isClosed() {
		return
	}
	if from != interfaces.Connected || to == interfaces.Connected {
		return
	}

	// The duplex channel dropped; nothing sent over it can be answered.
	c.mu.Lock()
	replyToken := c.replyToken
	modeToken := c.modeToken
	c.mu.Unlock()

	lost := c.connectionLost()
	if replyToken != "" {
		c.failExchange(replyToken, lost)
	}
	if modeToken != "" {
		c.failModeChange(modeToken, lost)
	}
}

func (c *Controller) connectionLost() error {
	return apperrors.NewNotConnectedError("chat").
		WithOperation("await_reply").
		WithMessage("duplex channel closed").
		WithUserMessage("The connection was lost before a reply arrived.").
		WithLogger(c.logger).
		Build()
}

func (c *Controller) onExhausted() {
	c.store.SetExhausted(true)
	if c.isClosed() {
		return
	}
	c.store.AppendText(session.SenderSystem, c.handler.Describe(apperrors.ErrTransportExhausted))
}

// completeExchange ends whichever exchange is pending after a reply or a
// server-side error
func (c *Controller) completeExchange() {
	c.mu.Lock()
	token := c.replyToken
	c.clearReplyTimerLocked()
	c.mu.Unlock()

	if !c.store.EndExchange(token) {
		c.store.EndExchange("")
	}
}

// failExchange ends the exchange named by token with one error message
func (c *Controller) failExchange(token string, cause error) {
	c.disarmReplyWatchdog(token)
	c.store.FinishExchange(token, session.Message{
		Sender:  session.SenderError,
		Content: c.handler.Apology(cause),
	})
}

func (c *Controller) resolveModeChange(token string, accepted bool, mode interfaces.Mode, hasMode bool, reason string) {
	c.disarmModeTimer(token)
	target, ok := c.store.EndModeChange(token)
	if !ok {
		return
	}

	if !accepted {
		c.store.AppendText(session.SenderSystem, c.handler.ModeRejected(target.String(), reason))
		c.logger.Info("Mode change rejected", "target", target.String(), "reason", reason)
		return
	}

	confirmed := target
	if hasMode {
		confirmed = mode
	}
	c.store.CommitMode(confirmed)

	if confirmed != target {
		c.store.AppendText(session.SenderSystem,
			fmt.Sprintf("Requested %s mode, but the companion stayed in %s mode.", target, confirmed))
		return
	}
	c.store.AppendText(session.SenderSystem, fmt.Sprintf("Mode changed to %s.", confirmed))
}

func (c *Controller) failModeChange(token string, cause error) {
	c.disarmModeTimer(token)
	target, ok := c.store.EndModeChange(token)
	if !ok {
		return
	}
	if cause == nil {
		cause = apperrors.ErrNotConnected
	}
	c.store.AppendText(session.SenderSystem, c.handler.ModeFailed(target.String(), cause))
}

// applyUnsolicitedMode commits a mode the companion announces on its own
func (c *Controller) applyUnsolicitedMode(in protocol.Incoming) {
	if !in.Accepted || !in.HasMode || in.Mode == c.store.Mode() {
		c.logger.Debug("Ignoring mode acknowledgement with no change in flight")
		return
	}
	c.store.CommitMode(in.Mode)
	c.store.AppendText(session.SenderSystem, fmt.Sprintf("The companion switched to %s mode.", in.Mode))
}

// armReplyWatchdog starts waiting for the reply to a sent message. A drop
// that happened between the send and the arming fails the exchange at once.
func (c *Controller) armReplyWatchdog(token string) {
	c.mu.Lock()
	c.clearReplyTimerLocked()
	c.replyToken = token
	c.replyTimer = time.AfterFunc(c.replyTimeout, func() { c.replyTimedOut(token) })
	c.mu.Unlock()

	if c.link.State() != interfaces.Connected {
		c.failExchange(token, c.connectionLost())
	}
}

func (c *Controller) disarmReplyWatchdog(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token == "" || token == c.replyToken {
		c.clearReplyTimerLocked()
	}
}

func (c *Controller) clearReplyTimerLocked() {
	if c.replyTimer != nil {
		c.replyTimer.Stop()
		c.replyTimer = nil
	}
	c.replyToken = ""
}

func (c *Controller) replyTimedOut(token string) {
	if c.isClosed() {
		return
	}
	timeout := apperrors.NewNotConnectedError("chat").
		WithOperation("await_reply").
		WithMessagef("no reply within %s", c.replyTimeout).
		WithUserMessage("No reply arrived in time.").
		WithLogger(c.logger).
		Build()
	c.failExchange(token, timeout)
}

func (c *Controller) armModeTimer(token string) {
	c.mu.Lock()
	c.clearModeTimerLocked()
	c.modeToken = token
	c.modeTimer = time.AfterFunc(c.modeTimeout, func() { c.modeTimedOut(token) })
	c.mu.Unlock()

	if c.link.State() != interfaces.Connected {
		c.failModeChange(token, c.connectionLost())
	}
}

func (c *Controller) disarmModeTimer(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token == "" || token == c.modeToken {
		c.clearModeTimerLocked()
	}
}

func (c *Controller) clearModeTimerLocked() {
	if c.modeTimer != nil {
		c.modeTimer.Stop()
		c.modeTimer = nil
	}
	c.modeToken = ""
}

func (c *Controller) modeTimedOut(token string) {
	if c.isClosed() {
		return
	}
	c.disarmModeTimer(token)
	target, ok := c.store.EndModeChange(token)
	if !ok {
		return
	}
	c.store.AppendText(session.SenderSystem, c.handler.ModeTimedOut(target.String()))
}

func (c *Controller) stopTimersLocked() {
	c.clearReplyTimerLocked()
	c.clearModeTimerLocked()
}

// callContext derives a context cancelled by either ctx or Close
func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	callCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return callCtx, func() {
		stop()
		cancel()
	}
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
