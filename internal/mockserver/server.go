// Package mockserver is an in-process stand-in for the companion service. It
// serves the duplex channel and the HTTP endpoints with canned replies and
// exposes switches to make mode changes fail, break chat or drop clients.
package mockserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/companion-console/console/internal/interfaces"
	"github.com/companion-console/console/internal/logging"
	"github.com/companion-console/console/internal/protocol"
)

// Options configures a Server
type Options struct {
	// Model is reported by /health and /status
	Model string

	// Token, when set, is required as a bearer token on every request
	Token string

	// ReplyDelay is waited before each chat reply
	ReplyDelay time.Duration
}

// Server is a scripted companion service. It is safe for concurrent use.
type Server struct {
	opts     Options
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu           sync.Mutex
	mode         interfaces.Mode
	emotion      string
	history      []string
	rejectMode   bool
	rejectReason string
	silentMode   bool
	failChat     bool
	peers        map[*peer]struct{}
}

type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) writeJSON(v interface{}) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteJSON(v)
}

// New creates a server in safe mode
func New(opts Options) *Server {
	if opts.Model == "" {
		opts.Model = "mock-companion-1"
	}
	return &Server{
		opts:    opts,
		logger:  logging.GetGlobalLogger().WithComponent("mockserver"),
		mode:    interfaces.ModeSafe,
		emotion: "neutral",
		peers:   make(map[*peer]struct{}),
	}
}

// Handler returns the HTTP handler serving every endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.EndpointWS, s.handleWS)
	mux.HandleFunc(protocol.EndpointChat, s.handleChat)
	mux.HandleFunc(protocol.EndpointMode, s.handleMode)
	mux.HandleFunc(protocol.EndpointStatus, s.handleStatus)
	mux.HandleFunc(protocol.EndpointHealth, s.handleHealth)
	mux.HandleFunc(protocol.EndpointReset, s.handleReset)
	return s.withLogging(s.withAuth(mux))
}

// ListenAndServe serves on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.CloseConnections()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// SetRejectMode makes every mode change fail with reason
func (s *Server) SetRejectMode(reject bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectMode = reject
	s.rejectReason = reason
}

// SetSilentMode makes the duplex channel ignore mode requests
func (s *Server) SetSilentMode(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silentMode = silent
}

// SetFailChat makes POST /chat answer with a server error
func (s *Server) SetFailChat(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failChat = fail
}

// Mode returns the server's current mode
func (s *Server) Mode() interfaces.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// History returns the user messages received since the last reset
func (s *Server) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

// ConnectionCount returns the number of open duplex connections
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// DropConnections severs every duplex connection without a close frame
func (s *Server) DropConnections() {
	for _, p := range s.takePeers() {
		p.conn.UnderlyingConn().Close()
	}
}

// CloseConnections closes every duplex connection with a normal closure
func (s *Server) CloseConnections() {
	for _, p := range s.takePeers() {
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server closing"),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		p.conn.Close()
	}
}

// Push sends an unsolicited envelope to every connected client
func (s *Server) Push(v interface{}) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.writeJSON(v); err != nil {
			s.logger.Warn("Push failed", "error", err.Error())
		}
	}
}

func (s *Server) takePeers() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[*peer]struct{})
	return peers
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.opts.Token == "" {
		return next
	}
	want := "Bearer " + s.opts.Token
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != want {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid or missing token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.LogHTTPRequest(r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the websocket upgrader
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed", "error", err.Error())
		return
	}

	p := &peer{conn: conn}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("Duplex client connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("Duplex client disconnected", "remote", r.RemoteAddr)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reply, ok := s.handleEnvelope(data)
		if !ok {
			continue
		}
		if err := p.writeJSON(reply); err != nil {
			return
		}
	}
}

// handleEnvelope answers one duplex payload. Payloads that are not JSON are
// treated as chat text.
func (s *Server) handleEnvelope(data []byte) (interface{}, bool) {
	var env struct {
		Type    string `json:"type"`
		Content string `json:"content"`
		Mode    string `json:"mode"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		env.Type = protocol.TypeMessage
		env.Content = string(data)
	}

	switch env.Type {
	case protocol.TypeMode:
		s.mu.Lock()
		silent := s.silentMode
		s.mu.Unlock()
		if silent {
			return nil, false
		}
		accepted, current, reason := s.changeMode(env.Mode)
		return map[string]interface{}{
			"type":     protocol.TypeModeAck,
			"accepted": accepted,
			"mode":     current.String(),
			"reason":   reason,
		}, true

	case "", protocol.TypeMessage:
		text, emotion, animation := s.reply(env.Content)
		return map[string]string{
			"type":      protocol.TypeMessage,
			"content":   text,
			"emotion":   emotion,
			"animation": animation,
		}, true

	default:
		return map[string]string{
			"type":    protocol.TypeError,
			"message": fmt.Sprintf("unsupported envelope type %q", env.Type),
		}, true
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "method not allowed"})
		return
	}

	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid JSON body"})
		return
	}

	s.mu.Lock()
	fail := s.failChat
	s.mu.Unlock()
	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "the companion is unavailable"})
		return
	}

	text, emotion, animation := s.reply(req.Message)
	intensity := 0.5
	writeJSON(w, http.StatusOK, protocol.ChatResponse{
		Response:  text,
		Emotion:   emotion,
		Animation: animation,
		Intensity: &intensity,
		Mode:      s.Mode().String(),
	})
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "method not allowed"})
		return
	}

	var req protocol.ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid JSON body"})
		return
	}
	if _, err := interfaces.ParseMode(req.Mode); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	accepted, current, reason := s.changeMode(req.Mode)
	resp := protocol.ModeResponse{Status: "success", Message: reason, CurrentMode: current.String()}
	if !accepted {
		resp.Status = "error"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	mode := s.mode
	emotion := s.emotion
	turns := len(s.history)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode": mode.String(),
		"personality": map[string]interface{}{
			"interaction_mode": mode.String(),
			"current_emotion":  emotion,
			"turns":            turns,
		},
		"system": map[string]string{
			"model":  s.opts.Model,
			"status": "operational",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "model": s.opts.Model})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "method not allowed"})
		return
	}
	s.mu.Lock()
	s.history = nil
	s.emotion = "neutral"
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, protocol.ResetResponse{Status: "success", Message: "Conversation reset successfully"})
}

// changeMode applies a mode request and returns the outcome
func (s *Server) changeMode(raw string) (bool, interfaces.Mode, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := interfaces.ParseMode(raw)
	if err != nil {
		return false, s.mode, err.Error()
	}
	if s.rejectMode {
		return false, s.mode, s.rejectReason
	}
	s.mode = target
	return true, s.mode, fmt.Sprintf("Mode changed to %s", target)
}

// reply produces the canned answer to text
func (s *Server) reply(text string) (string, string, string) {
	if s.opts.ReplyDelay > 0 {
		time.Sleep(s.opts.ReplyDelay)
	}

	s.mu.Lock()
	s.history = append(s.history, text)
	s.mu.Unlock()

	lower := strings.ToLower(strings.TrimSpace(text))
	var content, emotion, animation string
	switch {
	case lower == "hello" || lower == "hi" || strings.HasPrefix(lower, "hello "):
		content, emotion, animation = "hi!", "happy", "wave"
	case strings.Contains(lower, "code"):
		content = "Here is an example:\n```go\nfmt.Println(\"hello\")\n```"
		emotion, animation = "focused", "think"
	case strings.HasSuffix(lower, "?"):
		content, emotion, animation = "Good question. Let me think about that.", "curious", "tilt"
	default:
		content, emotion, animation = fmt.Sprintf("You said: %s", text), "neutral", "idle"
	}

	s.mu.Lock()
	s.emotion = emotion
	s.mu.Unlock()
	return content, emotion, animation
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
