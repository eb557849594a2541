package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	apperrors "github.com/companion-console/console/internal/errors"
	"github.com/companion-console/console/internal/interfaces"
)

// fakeTransport is an in-memory interfaces.Transport
type fakeTransport struct {
	mu        sync.Mutex
	events    chan interfaces.TransportEvent
	failures  []error
	failAll   bool
	connects  int
	closes    int
	connected bool
	sent      [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan interfaces.TransportEvent, 64)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	if f.failAll {
		f.mu.Unlock()
		return apperrors.NewConnectError("fake").WithMessage("refused").Build()
	}
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		f.mu.Unlock()
		return err
	}
	f.connected = true
	f.mu.Unlock()

	f.events <- interfaces.TransportEvent{Type: interfaces.EventOpen}
	return nil
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return apperrors.NewNotConnectedError("fake").WithMessage("not connected").Build()
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.connected = false
	return nil
}

func (f *fakeTransport) Events() <-chan interfaces.TransportEvent {
	return f.events
}

func (f *fakeTransport) drop(clean bool) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()

	code := 1006
	if clean {
		code = 1000
	}
	f.events <- interfaces.TransportEvent{Type: interfaces.EventClose, WasClean: clean, Code: code}
}

func (f *fakeTransport) setFailAll(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = v
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// recorder captures observer callbacks
type recorder struct {
	mu          sync.Mutex
	transitions [][2]interfaces.ConnectivityState
	exhausted   int
	messages    []string
}

func (r *recorder) attach(s *Supervisor) {
	s.OnStateChange(func(from, to interfaces.ConnectivityState) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.transitions = append(r.transitions, [2]interfaces.ConnectivityState{from, to})
	})
	s.OnExhausted(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.exhausted++
	})
	s.OnMessage(func(payload []byte) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.messages = append(r.messages, string(payload))
	})
}

func (r *recorder) count(to interfaces.ConnectivityState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, tr := range r.transitions {
		if tr[1] == to {
			n++
		}
	}
	return n
}

func (r *recorder) exhaustedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exhausted
}

func fastPolicy() Policy {
	return Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 5}
}

func waitForState(t *testing.T, s *Supervisor, want interfaces.ConnectivityState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, time.Millisecond,
		"state never reached %s, stuck at %s", want, s.State())
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond, MaxAttempts: 10}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "delay must not shrink at attempt %d", attempt)
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
	assert.Equal(t, 350*time.Millisecond, p.Delay(4))
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(interfaces.ReconnectConfig{MaxAttempts: 3, BaseDelay: 2 * time.Second})
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.BaseDelay)
	assert.Equal(t, DefaultPolicy().MaxDelay, p.MaxDelay)
	assert.Equal(t, DefaultPolicy().MaxTotalDelay, p.MaxTotalDelay)
}

func TestStartConnects(t *testing.T) {
	defer goleak.VerifyNone(t)

	ft := newFakeTransport()
	s := New(ft, fastPolicy())
	rec := &recorder{}
	rec.attach(s)

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, interfaces.Connected)

	assert.Equal(t, 1, rec.count(interfaces.Connecting))
	require.NoError(t, s.Close())
	assert.Equal(t, interfaces.Disconnected, s.State())
}

func TestStopsAfterFiveUncleanRetries(t *testing.T) {
	defer goleak.VerifyNone(t)

	ft := newFakeTransport()
	s := New(ft, fastPolicy())
	rec := &recorder{}
	rec.attach(s)

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, interfaces.Connected)

	ft.setFailAll(true)
	ft.drop(false)

	require.Eventually(t, func() bool { return rec.exhaustedCount() == 1 }, 2*time.Second, time.Millisecond)
	waitForState(t, s, interfaces.Disconnected)

	assert.Equal(t, 5, rec.count(interfaces.Reconnecting), "exactly five retries are scheduled")
	assert.Equal(t, 6, ft.connectCount(), "initial connect plus five retries")
	assert.True(t, s.Exhausted())
	assert.ErrorIs(t, s.LastError(), apperrors.ErrTransportExhausted)

	// No further attempts once exhausted.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 6, ft.connectCount())

	require.NoError(t, s.Close())
}

func TestTotalDelayBudget(t *testing.T) {
	defer goleak.VerifyNone(t)

	ft := newFakeTransport()
	ft.setFailAll(true)
	s := New(ft, Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: time.Second, MaxTotalDelay: 20 * time.Millisecond, MaxAttempts: 10})
	rec := &recorder{}
	rec.attach(s)

	require.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return rec.exhaustedCount() == 1 }, 2*time.Second, time.Millisecond)
	// 5ms + 10ms fits, a third retry of 15ms would exceed 20ms.
	assert.Equal(t, 2, s.Attempt())
	assert.Equal(t, 3, ft.connectCount())

	require.NoError(t, s.Close())
}

func TestInitialFailureRetries(t *testing.T) {
	defer goleak.VerifyNone(t)

	ft := newFakeTransport()
	ft.failures = []error{apperrors.NewConnectError("fake").WithMessage("refused").Build()}
	s := New(ft, fastPolicy())

	err := s.Start(context.Background())
	require.ErrorIs(t, err, apperrors.ErrConnect)

	waitForState(t, s, interfaces.Connected)
	assert.Equal(t, 2, ft.connectCount())
	assert.Equal(t, 0, s.Attempt(), "attempts reset once connected")

	require.NoError(t, s.Close())
}

func TestCleanCloseDoesNotRetry(t *testing.T) {
	defer goleak.VerifyNone(t)

	ft := newFakeTransport()
	s := New(ft, fastPolicy())
	rec := &recorder{}
	rec.attach(s)

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, interfaces.Connected)

	ft.drop(true)
	waitForState(t, s, interfaces.Disconnected)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, ft.connectCount())
	assert.Zero(t, rec.count(interfaces.Reconnecting))

	require.NoError(t, s.Close())
}

func TestCloseCancelsPendingRetry(t *testing.T) {
	defer goleak.VerifyNone(t)

	ft := newFakeTransport()
	s := New(ft, Policy{BaseDelay: time.Hour, MaxAttempts: 5})

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, interfaces.Connected)

	ft.drop(false)
	waitForState(t, s, interfaces.Reconnecting)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")
	assert.Equal(t, interfaces.Disconnected, s.State())
	assert.Equal(t, 1, ft.connectCount())

	assert.Error(t, s.Reconnect(context.Background()))
}

func TestManualReconnectAfterExhaustion(t *testing.T) {
	defer goleak.VerifyNone(t)

	ft := newFakeTransport()
	ft.setFailAll(true)
	s := New(ft, Policy{BaseDelay: time.Millisecond, MaxAttempts: 1})
	rec := &recorder{}
	rec.attach(s)

	require.Error(t, s.Start(context.Background()))
	require.Eventually(t, s.Exhausted, 2*time.Second, time.Millisecond)

	ft.setFailAll(false)
	require.NoError(t, s.Reconnect(context.Background()))
	waitForState(t, s, interfaces.Connected)
	assert.False(t, s.Exhausted())
	assert.NoError(t, s.LastError())

	require.NoError(t, s.Close())
}

func TestMessagesDeliveredInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	ft := newFakeTransport()
	s := New(ft, fastPolicy())
	rec := &recorder{}
	rec.attach(s)

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, interfaces.Connected)

	for _, m := range []string{"one", "two", "three"} {
		ft.events <- interfaces.TransportEvent{Type: interfaces.EventMessage, Payload: []byte(m)}
	}

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.messages) == 3
	}, 2*time.Second, time.Millisecond)

	rec.mu.Lock()
	assert.Equal(t, []string{"one", "two", "three"}, rec.messages)
	rec.mu.Unlock()

	require.NoError(t, s.Send([]byte("out")))
	require.NoError(t, s.Close())
}

func TestTransitionsFollowGraph(t *testing.T) {
	defer goleak.VerifyNone(t)

	ft := newFakeTransport()
	s := New(ft, fastPolicy())
	rec := &recorder{}
	rec.attach(s)

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, interfaces.Connected)
	ft.drop(false)
	waitForState(t, s, interfaces.Connected)
	require.NoError(t, s.Close())

	allowed := map[interfaces.ConnectivityState][]interfaces.ConnectivityState{
		interfaces.Disconnected: {interfaces.Connecting},
		interfaces.Connecting:   {interfaces.Connected, interfaces.Reconnecting, interfaces.Disconnected},
		interfaces.Connected:    {interfaces.Disconnected, interfaces.Reconnecting},
		interfaces.Reconnecting: {interfaces.Connecting, interfaces.Disconnected},
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, tr := range rec.transitions {
		assert.Contains(t, allowed[tr[0]], tr[1], "illegal transition %s -> %s", tr[0], tr[1])
	}
}
