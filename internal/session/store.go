// Package session holds the state of one conversation with the companion:
// the ordered message log, the connectivity mirror, the committed mode and
// the in-flight exchange and mode-change guards.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/companion-console/console/internal/interfaces"
)

// DefaultHistoryLimit bounds the message log when no limit is configured
const DefaultHistoryLimit = 1000

// Sender identifies who produced a message
type Sender string

const (
	SenderUser      Sender = "user"
	SenderCompanion Sender = "companion"
	SenderSystem    Sender = "system"
	SenderError     Sender = "error"
)

// Message is one entry of the conversation log. Messages are never mutated
// after they are appended.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Emotion   string    `json:"emotion,omitempty"`
	Animation string    `json:"animation,omitempty"`
}

// Snapshot is a consistent copy of the session state
type Snapshot struct {
	Messages        []Message
	Connectivity    interfaces.ConnectivityState
	Mode            interfaces.Mode
	ResponsePending bool
	ModeChanging    bool
	ModeTarget      interfaces.Mode
	Exhausted       bool
	Version         uint64
}

// Store is the single owner of session state. All methods are safe for
// concurrent use.
type Store struct {
	mu           sync.RWMutex
	messages     []Message
	limit        int
	connectivity interfaces.ConnectivityState
	exhausted    bool
	mode         interfaces.Mode
	pending      bool
	exchange     string
	modeChanging bool
	modeTarget   interfaces.Mode
	modeToken    string
	version      uint64

	subscribers map[int]chan struct{}
	nextSub     int
	now         func() time.Time
}

// NewStore creates an empty session. limit bounds the message log; zero or
// less selects DefaultHistoryLimit.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Store{
		limit:       limit,
		mode:        interfaces.ModeSafe,
		subscribers: make(map[int]chan struct{}),
		now:         time.Now,
	}
}

// Append adds a message to the end of the log and returns it with its ID
// and timestamp filled in. The oldest messages are dropped beyond the limit.
func (s *Store) Append(msg Message) Message {
	s.mu.Lock()
	msg = s.appendLocked(msg)
	s.touchLocked()
	s.mu.Unlock()

	s.notify()
	return msg
}

func (s *Store) appendLocked(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	s.messages = append(s.messages, msg)
	if over := len(s.messages) - s.limit; over > 0 {
		s.messages = append(s.messages[:0:0], s.messages[over:]...)
	}
	return msg
}

// AppendText adds a message with only a sender and content
func (s *Store) AppendText(sender Sender, content string) Message {
	return s.Append(Message{Sender: sender, Content: content})
}

// Messages returns a copy of the log in append order
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Clear empties the message log. Connectivity, mode and guards are kept.
func (s *Store) Clear() {
	s.mu.Lock()
	s.messages = nil
	s.touchLocked()
	s.mu.Unlock()
	s.notify()
}

// Snapshot returns a consistent copy of the whole session
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]Message, len(s.messages))
	copy(msgs, s.messages)
	return Snapshot{
		Messages:        msgs,
		Connectivity:    s.connectivity,
		Mode:            s.mode,
		ResponsePending: s.pending,
		ModeChanging:    s.modeChanging,
		ModeTarget:      s.modeTarget,
		Exhausted:       s.exhausted,
		Version:         s.version,
	}
}

// SetConnectivity mirrors the supervisor's connectivity state
func (s *Store) SetConnectivity(state interfaces.ConnectivityState) {
	s.mu.Lock()
	if s.connectivity == state {
		s.mu.Unlock()
		return
	}
	s.connectivity = state
	if state == interfaces.Connected {
		s.exhausted = false
	}
	s.touchLocked()
	s.mu.Unlock()
	s.notify()
}

// Connectivity returns the mirrored connectivity state
func (s *Store) Connectivity() interfaces.ConnectivityState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectivity
}

// SetExhausted records whether reconnect attempts have run out
func (s *Store) SetExhausted(exhausted bool) {
	s.mu.Lock()
	if s.exhausted == exhausted {
		s.mu.Unlock()
		return
	}
	s.exhausted = exhausted
	s.touchLocked()
	s.mu.Unlock()
	s.notify()
}

// Mode returns the committed interaction mode
func (s *Store) Mode() interfaces.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// CommitMode records a mode confirmed by the companion service
func (s *Store) CommitMode(mode interfaces.Mode) {
	s.mu.Lock()
	if s.mode == mode {
		s.mu.Unlock()
		return
	}
	s.mode = mode
	s.touchLocked()
	s.mu.Unlock()
	s.notify()
}

// BeginExchange marks a response as pending and returns the exchange token.
// It fails if an exchange is already in flight.
func (s *Store) BeginExchange() (string, bool) {
	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		return "", false
	}
	s.pending = true
	s.exchange = uuid.NewString()
	token := s.exchange
	s.touchLocked()
	s.mu.Unlock()

	s.notify()
	return token, true
}

// EndExchange clears the pending flag if token names the exchange in flight.
// An empty token ends whichever exchange is pending.
func (s *Store) EndExchange(token string) bool {
	s.mu.Lock()
	if !s.pending || (token != "" && token != s.exchange) {
		s.mu.Unlock()
		return false
	}
	s.pending = false
	s.exchange = ""
	s.touchLocked()
	s.mu.Unlock()

	s.notify()
	return true
}

// ResponsePending reports whether an exchange is in flight
func (s *Store) ResponsePending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

// FinishExchange appends msg and ends the exchange in one step, but only
// while the exchange named by token is still pending. It reports whether
// msg was appended.
func (s *Store) FinishExchange(token string, msg Message) (Message, bool) {
	s.mu.Lock()
	if !s.pending || token == "" || token != s.exchange {
		s.mu.Unlock()
		return msg, false
	}
	msg = s.appendLocked(msg)
	s.pending = false
	s.exchange = ""
	s.touchLocked()
	s.mu.Unlock()

	s.notify()
	return msg, true
}

// PendingExchange returns the token of the exchange in flight, if any
func (s *Store) PendingExchange() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exchange, s.pending
}

// BeginModeChange records target as the in-flight mode change. It fails if
// another change is already in flight.
func (s *Store) BeginModeChange(target interfaces.Mode) (string, bool) {
	s.mu.Lock()
	if s.modeChanging {
		s.mu.Unlock()
		return "", false
	}
	s.modeChanging = true
	s.modeTarget = target
	s.modeToken = uuid.NewString()
	token := s.modeToken
	s.touchLocked()
	s.mu.Unlock()

	s.notify()
	return token, true
}

// EndModeChange clears the in-flight mode change named by token and returns
// its target. An empty token ends whichever change is in flight.
func (s *Store) EndModeChange(token string) (interfaces.Mode, bool) {
	s.mu.Lock()
	if !s.modeChanging || (token != "" && token != s.modeToken) {
		s.mu.Unlock()
		return interfaces.ModeSafe, false
	}
	target := s.modeTarget
	s.modeChanging = false
	s.modeToken = ""
	s.touchLocked()
	s.mu.Unlock()

	s.notify()
	return target, true
}

// ModeChange returns the target of the in-flight mode change, if any
func (s *Store) ModeChange() (interfaces.Mode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modeTarget, s.modeChanging
}

// ModeChangeToken returns the token of the in-flight mode change
func (s *Store) ModeChangeToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modeToken, s.modeChanging
}

// Subscribe returns a channel that receives a value after every change.
// Notifications coalesce: a slow reader sees one signal for many changes and
// should read a Snapshot. The returned function unsubscribes.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subscribers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Store) touchLocked() {
	s.version++
}

func (s *Store) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
