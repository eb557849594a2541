// Package supervisor keeps the duplex channel alive. It owns the
// connectivity state machine, schedules bounded reconnects after unclean
// closes and failed attempts, and pumps received payloads to a single handler.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/companion-console/console/internal/errors"
	"github.com/companion-console/console/internal/interfaces"
	"github.com/companion-console/console/internal/logging"
)

// Policy bounds the reconnect backoff
type Policy struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxTotalDelay time.Duration
	MaxAttempts   int
}

// DefaultPolicy returns the default reconnect policy
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		MaxTotalDelay: time.Minute,
		MaxAttempts:   5,
	}
}

// PolicyFromConfig builds a policy from profile settings, keeping defaults
// for unset fields
func PolicyFromConfig(rc interfaces.ReconnectConfig) Policy {
	p := DefaultPolicy()
	if rc.BaseDelay > 0 {
		p.BaseDelay = rc.BaseDelay
	}
	if rc.MaxDelay > 0 {
		p.MaxDelay = rc.MaxDelay
	}
	if rc.MaxTotalDelay > 0 {
		p.MaxTotalDelay = rc.MaxTotalDelay
	}
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	return p
}

// Delay returns the wait before retry attempt n, counting from 1. Delays
// grow linearly with the attempt number and are capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay * time.Duration(attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Supervisor drives a Transport. Observers run on the goroutine that caused
// the transition while the supervisor lock is held, so they see transitions
// in order; they may read State but must not call other Supervisor methods.
type Supervisor struct {
	transport interfaces.Transport
	policy    Policy
	logger    *logging.Logger

	mu         sync.Mutex
	state      atomic.Int32
	attempt    int
	totalDelay time.Duration
	timer      *time.Timer
	timerGen   uint64
	exhausted  bool
	closed     bool
	started    bool
	lastErr    error

	onState     []func(from, to interfaces.ConnectivityState)
	onExhausted []func()
	onMessage   func([]byte)

	ctx      context.Context
	cancel   context.CancelFunc
	pumpDone chan struct{}
}

// New creates a supervisor for transport. Register observers before Start.
func New(transport interfaces.Transport, policy Policy) *Supervisor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultPolicy().BaseDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		transport: transport,
		policy:    policy,
		logger:    logging.GetSupervisorLogger(),
		ctx:       ctx,
		cancel:    cancel,
		pumpDone:  make(chan struct{}),
	}
	s.state.Store(int32(interfaces.Disconnected))
	return s
}

// OnStateChange registers an observer of connectivity transitions
func (s *Supervisor) OnStateChange(fn func(from, to interfaces.ConnectivityState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

// OnExhausted registers an observer called when reconnect attempts run out
func (s *Supervisor) OnExhausted(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExhausted = append(s.onExhausted, fn)
}

// OnMessage sets the handler for received payloads. It is called from the
// pump goroutine, one payload at a time.
func (s *Supervisor) OnMessage(fn func(payload []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// State returns the current connectivity state
func (s *Supervisor) State() interfaces.ConnectivityState {
	return interfaces.ConnectivityState(s.state.Load())
}

// Exhausted reports whether reconnect attempts ran out since the last
// successful connection or manual Reconnect
func (s *Supervisor) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// Attempt returns the number of retries scheduled since the last connection
func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// LastError returns the most recent connection error, ErrTransportExhausted
// once retries have run out
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start launches the event pump and makes the first connection attempt. A
// failed attempt is returned and retried in the background.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.closedError("start")
	}
	if !s.started {
		s.started = true
		go s.pump()
	}
	s.mu.Unlock()

	return s.connect(ctx)
}

// Reconnect is the manual retry. It resets the attempt budget and connects
// immediately; it is a no-op while connected or connecting.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.closedError("reconnect")
	}
	if !s.started {
		s.mu.Unlock()
		return s.Start(ctx)
	}
	s.stopTimerLocked()
	s.attempt = 0
	s.totalDelay = 0
	s.exhausted = false
	s.mu.Unlock()

	return s.connect(ctx)
}

// Send forwards one payload to the transport
func (s *Supervisor) Send(payload []byte) error {
	return s.transport.Send(payload)
}

// Close stops retrying, closes the transport and waits for the pump to exit.
// It is idempotent. It must not be called from an observer or the message handler.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopTimerLocked()
	s.setStateLocked(interfaces.Disconnected)
	started := s.started
	s.mu.Unlock()

	err := s.transport.Close()
	s.cancel()
	if started {
		<-s.pumpDone
	}
	s.logger.Debug("Supervisor closed")
	return err
}

// connect runs one connection attempt. Success is confirmed by the
// transport's open event; failure schedules the next retry.
func (s *Supervisor) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.closedError("connect")
	}
	switch s.State() {
	case interfaces.Connecting, interfaces.Connected:
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(interfaces.Connecting)
	s.mu.Unlock()

	err := s.transport.Connect(ctx)
	if err == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return err
	}
	s.lastErr = err
	if s.State() == interfaces.Connecting {
		s.scheduleRetryLocked()
	}
	return err
}

// pump is the only goroutine that consumes transport events
func (s *Supervisor) pump() {
	defer close(s.pumpDone)

	events := s.transport.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-events:
			s.handleEvent(ev)
		}
	}
}

func (s *Supervisor) handleEvent(ev interfaces.TransportEvent) {
	switch ev.Type {
	case interfaces.EventOpen:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		s.stopTimerLocked()
		s.attempt = 0
		s.totalDelay = 0
		s.exhausted = false
		s.lastErr = nil
		s.setStateLocked(interfaces.Connected)

	case interfaces.EventMessage:
		s.mu.Lock()
		handler := s.onMessage
		closed := s.closed
		s.mu.Unlock()
		if closed || handler == nil {
			return
		}
		handler(ev.Payload)

	case interfaces.EventClose:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		if s.State() != interfaces.Connected {
			return
		}
		if ev.Intentional || ev.WasClean {
			s.logger.Info("Duplex channel closed", "code", ev.Code, "intentional", ev.Intentional)
			s.setStateLocked(interfaces.Disconnected)
			return
		}
		if ev.Err != nil {
			s.lastErr = ev.Err
		}
		s.logger.Warn("Duplex channel dropped", "code", ev.Code)
		s.scheduleRetryLocked()

	case interfaces.EventError:
		// A close event follows any fatal error; only record it here.
		if ev.Err != nil {
			s.logger.Warn("Transport error", "error", ev.Err.Error())
			s.mu.Lock()
			s.lastErr = ev.Err
			s.mu.Unlock()
		}
	}
}

// scheduleRetryLocked arms the single retry timer, or gives up once the
// attempt or total delay budget is spent
func (s *Supervisor) scheduleRetryLocked() {
	next := s.attempt + 1
	delay := s.policy.Delay(next)

	if next > s.policy.MaxAttempts ||
		(s.policy.MaxTotalDelay > 0 && s.totalDelay+delay > s.policy.MaxTotalDelay) {
		s.exhaustLocked()
		return
	}

	s.attempt = next
	s.totalDelay += delay
	s.setStateLocked(interfaces.Reconnecting)

	s.stopTimerLocked()
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(delay, func() { s.fire(gen) })

	s.logger.LogReconnectScheduled(next, s.policy.MaxAttempts, delay)
}

func (s *Supervisor) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.timerGen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	_ = s.connect(s.ctx)
}

func (s *Supervisor) exhaustLocked() {
	s.exhausted = true
	s.lastErr = apperrors.NewTransportExhaustedError("supervisor").
		WithOperation("reconnect").
		WithMessagef("gave up after %d attempts", s.attempt).
		WithCause(s.lastErr).
		WithContext("total_delay", s.totalDelay.String()).
		WithLogger(s.logger).
		Build()
	s.setStateLocked(interfaces.Disconnected)

	for _, fn := range s.onExhausted {
		fn()
	}
}

func (s *Supervisor) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *Supervisor) setStateLocked(to interfaces.ConnectivityState) {
	from := s.State()
	if from == to {
		return
	}
	s.state.Store(int32(to))
	s.logger.LogStateChange(from.String(), to.String())

	for _, fn := range s.onState {
		fn(from, to)
	}
}

func (s *Supervisor) closedError(op string) error {
	return apperrors.NewNotConnectedError("supervisor").
		WithOperation(op).
		WithMessage("supervisor is closed").
		WithRecoverable(false).
		WithLogger(s.logger).
		Build()
}
