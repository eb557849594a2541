package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companion-console/console/internal/interfaces"
)

func TestAppendAssignsIDAndOrder(t *testing.T) {
	s := NewStore(0)

	first := s.AppendText(SenderUser, "hello")
	second := s.Append(Message{Sender: SenderCompanion, Content: "hi", Emotion: "happy"})

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, first.Timestamp.IsZero())

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "happy", msgs[1].Emotion)
}

func TestMessagesReturnsCopy(t *testing.T) {
	s := NewStore(0)
	s.AppendText(SenderUser, "original")

	msgs := s.Messages()
	msgs[0].Content = "changed"

	assert.Equal(t, "original", s.Messages()[0].Content)
}

func TestHistoryLimitDropsOldest(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.AppendText(SenderUser, fmt.Sprintf("m%d", i))
	}

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "m2", msgs[0].Content)
	assert.Equal(t, "m4", msgs[2].Content)
}

func TestExchangeGuard(t *testing.T) {
	s := NewStore(0)

	token, ok := s.BeginExchange()
	require.True(t, ok)
	assert.True(t, s.ResponsePending())

	_, ok = s.BeginExchange()
	assert.False(t, ok, "only one exchange may be in flight")

	assert.False(t, s.EndExchange("stale"))
	assert.True(t, s.ResponsePending())

	assert.True(t, s.EndExchange(token))
	assert.False(t, s.ResponsePending())
	assert.False(t, s.EndExchange(token))
}

func TestExchangeGuardConcurrent(t *testing.T) {
	s := NewStore(0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.BeginExchange(); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestModeChangeGuard(t *testing.T) {
	s := NewStore(0)
	assert.Equal(t, interfaces.ModeSafe, s.Mode())

	token, ok := s.BeginModeChange(interfaces.ModeRestricted)
	require.True(t, ok)

	_, ok = s.BeginModeChange(interfaces.ModeSafe)
	assert.False(t, ok)

	target, inFlight := s.ModeChange()
	assert.True(t, inFlight)
	assert.Equal(t, interfaces.ModeRestricted, target)
	assert.Equal(t, interfaces.ModeSafe, s.Mode(), "mode is not committed by starting a change")

	target, ok = s.EndModeChange(token)
	require.True(t, ok)
	assert.Equal(t, interfaces.ModeRestricted, target)

	s.CommitMode(target)
	assert.Equal(t, interfaces.ModeRestricted, s.Mode())
}

func TestClearKeepsState(t *testing.T) {
	s := NewStore(0)
	s.AppendText(SenderUser, "x")
	s.SetConnectivity(interfaces.Connected)
	s.CommitMode(interfaces.ModeRestricted)

	s.Clear()

	snap := s.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Equal(t, interfaces.Connected, snap.Connectivity)
	assert.Equal(t, interfaces.ModeRestricted, snap.Mode)
}

func TestSubscribeCoalesces(t *testing.T) {
	s := NewStore(0)
	ch, unsubscribe := s.Subscribe()

	s.AppendText(SenderUser, "a")
	s.AppendText(SenderUser, "b")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}

	select {
	case <-ch:
		t.Fatal("notifications should coalesce")
	default:
	}

	unsubscribe()
	s.AppendText(SenderUser, "c")
	select {
	case <-ch:
		t.Fatal("no notification after unsubscribe")
	default:
	}
}

func TestSnapshotVersionAdvances(t *testing.T) {
	s := NewStore(0)
	v0 := s.Snapshot().Version

	s.SetConnectivity(interfaces.Connecting)
	v1 := s.Snapshot().Version
	assert.Greater(t, v1, v0)

	s.SetConnectivity(interfaces.Connecting)
	assert.Equal(t, v1, s.Snapshot().Version, "no-op updates do not bump the version")
}

func TestFinishExchangeOnlyForPendingToken(t *testing.T) {
	s := NewStore(0)

	token, ok := s.BeginExchange()
	require.True(t, ok)

	_, ok = s.FinishExchange("other", Message{Sender: SenderCompanion, Content: "stray"})
	assert.False(t, ok)
	_, ok = s.FinishExchange("", Message{Sender: SenderCompanion, Content: "stray"})
	assert.False(t, ok)
	assert.Empty(t, s.Messages())
	assert.True(t, s.ResponsePending())

	msg, ok := s.FinishExchange(token, Message{Sender: SenderCompanion, Content: "reply"})
	require.True(t, ok)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, s.ResponsePending())

	_, ok = s.FinishExchange(token, Message{Sender: SenderError, Content: "late failure"})
	assert.False(t, ok, "an exchange ends with exactly one message")

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "reply", msgs[0].Content)
}

func TestModeChangeToken(t *testing.T) {
	s := NewStore(0)

	_, ok := s.ModeChangeToken()
	assert.False(t, ok)

	token, ok := s.BeginModeChange(interfaces.ModeRestricted)
	require.True(t, ok)
	current, ok := s.ModeChangeToken()
	assert.True(t, ok)
	assert.Equal(t, token, current)

	_, ended := s.EndModeChange(token)
	require.True(t, ended)
	_, ok = s.ModeChangeToken()
	assert.False(t, ok)
}
