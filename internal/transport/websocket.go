// Package transport owns the persistent duplex channel to the companion
// service. A WebSocket publishes what happens on the wire as typed events and
// leaves every retry decision to its consumer.
package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/companion-console/console/internal/errors"
	"github.com/companion-console/console/internal/interfaces"
	"github.com/companion-console/console/internal/logging"
	"github.com/companion-console/console/internal/protocol"
)

// Connection defaults
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultPongWait         = 60 * time.Second
	DefaultWriteWait        = 10 * time.Second
	DefaultMaxMessageSize   = 1 << 20
	DefaultEventBuffer      = 64
)

// CloseAbnormal is reported when the connection dropped without a close frame
const CloseAbnormal = websocket.CloseAbnormalClosure

// Config holds the WebSocket transport configuration
type Config struct {
	// URL is the ws:// or wss:// endpoint, e.g. "ws://localhost:8000/ws"
	URL string

	// AuthHeader is sent as the Authorization header on the handshake
	AuthHeader string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
	EventBuffer      int
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
}

// EndpointURL derives the duplex endpoint of a profile
func EndpointURL(profile *interfaces.Profile) (string, error) {
	base, err := protocol.BaseURL(profile.Host, profile.TLS)
	if err != nil {
		return "", err
	}

	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	default:
		base.Scheme = "ws"
	}

	path := profile.WSPath
	if path == "" {
		path = protocol.EndpointWS
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	base.Path += path
	return base.String(), nil
}

// WebSocket implements interfaces.Transport over gorilla/websocket. At most
// one connection is live at a time; Close is terminal.
type WebSocket struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *logging.Logger
	events chan interfaces.TransportEvent
	done   chan struct{}

	mu         sync.Mutex
	conn       *websocket.Conn
	gen        uint64
	attempts   int
	closed     bool
	dialCancel context.CancelFunc

	// gorilla/websocket supports one concurrent writer
	writeMu sync.Mutex
}

// NewWebSocket creates a transport for cfg. No connection is opened until Connect.
func NewWebSocket(cfg Config) (*WebSocket, error) {
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return nil, fmt.Errorf("websocket URL must use ws:// or wss://, got %q", cfg.URL)
	}
	cfg.applyDefaults()

	return &WebSocket{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logging.GetTransportLogger().WithField("url", cfg.URL),
		events: make(chan interfaces.TransportEvent, cfg.EventBuffer),
		done:   make(chan struct{}),
	}, nil
}

// Events returns the channel on which transport events are published. The
// channel is never closed; consumers stop reading when they shut down.
func (w *WebSocket) Events() <-chan interfaces.TransportEvent {
	return w.events
}

// Connected reports whether a connection is currently open
func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// Connect dials the companion service. Success is followed by an EventOpen;
// failure is returned and publishes nothing.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return w.connectError("transport is closed", nil, 0)
	}
	if w.conn != nil {
		w.mu.Unlock()
		return nil
	}
	if w.dialCancel != nil {
		w.mu.Unlock()
		return w.connectError("connection attempt already in progress", nil, 0)
	}
	dialCtx, cancel := context.WithCancel(ctx)
	w.dialCancel = cancel
	w.attempts++
	attempt := w.attempts
	w.mu.Unlock()
	defer cancel()

	header := http.Header{}
	if w.cfg.AuthHeader != "" {
		header.Set("Authorization", w.cfg.AuthHeader)
	}

	w.logger.LogConnectionAttempt(w.cfg.URL, attempt)
	start := time.Now()
	conn, resp, err := w.dialer.DialContext(dialCtx, w.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	w.mu.Lock()
	w.dialCancel = nil
	if w.closed {
		w.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return w.connectError("transport closed during connection attempt", err, 0)
	}
	if err != nil {
		w.mu.Unlock()
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		w.logger.LogConnectionFailure(w.cfg.URL, err, time.Since(start))
		return w.connectError("websocket dial failed", err, status)
	}

	w.gen++
	gen := w.gen
	w.conn = conn
	w.mu.Unlock()

	conn.SetReadLimit(w.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	})

	w.logger.LogConnectionSuccess(w.cfg.URL, time.Since(start))
	w.emit(interfaces.TransportEvent{Type: interfaces.EventOpen})

	stop := make(chan struct{})
	go w.readLoop(conn, gen, stop)
	go w.pingLoop(conn, stop)
	return nil
}

// Send writes one text frame on the open connection
func (w *WebSocket) Send(payload []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return apperrors.NewNotConnectedError("transport").
			WithOperation("send").
			WithMessage("no open duplex channel").
			WithLogger(w.logger).
			Build()
	}

	w.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
	err := conn.WriteMessage(websocket.TextMessage, payload)
	w.writeMu.Unlock()

	if err != nil {
		// The read loop observes the broken connection and reports the close.
		conn.Close()
		return apperrors.NewNotConnectedError("transport").
			WithOperation("send").
			WithMessage("write failed").
			WithCause(err).
			WithLogger(w.logger).
			Build()
	}
	return nil
}

// Close shuts the transport down for good. It cancels an in-flight dial,
// sends a normal-closure frame on an open connection and publishes an
// intentional close. Calling it more than once is a no-op.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	w.conn = nil
	cancel := w.dialCancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		w.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(w.cfg.WriteWait))
		w.writeMu.Unlock()
		conn.Close()

		select {
		case w.events <- interfaces.TransportEvent{
			Type:        interfaces.EventClose,
			WasClean:    true,
			Code:        websocket.CloseNormalClosure,
			Intentional: true,
		}:
		default:
			w.logger.Warn("Event buffer full, dropping intentional close event")
		}
	}

	close(w.done)
	w.logger.Debug("Transport closed")
	return nil
}

// readLoop publishes one event per received frame until the connection ends
func (w *WebSocket) readLoop(conn *websocket.Conn, gen uint64, stop chan struct{}) {
	defer close(stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.handleReadError(conn, gen, err)
			return
		}
		if !w.isCurrent(gen) {
			return
		}
		w.emit(interfaces.TransportEvent{Type: interfaces.EventMessage, Payload: data})
	}
}

// handleReadError publishes the close of a connection that is still current
func (w *WebSocket) handleReadError(conn *websocket.Conn, gen uint64, err error) {
	w.mu.Lock()
	if w.gen != gen || w.conn != conn {
		// Superseded, or closed locally and already reported by Close.
		w.mu.Unlock()
		return
	}
	w.conn = nil
	w.mu.Unlock()
	conn.Close()

	ev := interfaces.TransportEvent{Type: interfaces.EventClose, Code: CloseAbnormal, Err: err}
	var closeErr *websocket.CloseError
	if stderrors.As(err, &closeErr) {
		ev.Code = closeErr.Code
		ev.WasClean = closeErr.Code == websocket.CloseNormalClosure
	}

	if ev.WasClean {
		w.logger.Info("Connection closed by peer", "code", ev.Code)
	} else {
		w.logger.Warn("Connection lost", "code", ev.Code, "error", err.Error())
	}
	w.emit(ev)
}

// pingLoop keeps the connection alive and detects dead peers
func (w *WebSocket) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.WriteWait))
			if err != nil {
				w.emit(interfaces.TransportEvent{Type: interfaces.EventError, Err: err})
				// Unblocks the read loop, which reports the close.
				conn.Close()
				return
			}
		}
	}
}

func (w *WebSocket) isCurrent(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen == gen && w.conn != nil
}

// emit publishes an event unless the transport has been closed
func (w *WebSocket) emit(ev interfaces.TransportEvent) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

func (w *WebSocket) connectError(message string, cause error, status int) error {
	b := apperrors.NewConnectError("transport").
		WithOperation("connect").
		WithMessage(message).
		WithCause(cause).
		WithContext("url", w.cfg.URL).
		WithLogger(w.logger)
	if status != 0 {
		b = b.WithCode(fmt.Sprintf("%d", status))
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			b = b.WithUserMessage("The companion service refused the credentials.")
		}
	}
	return b.Build()
}
