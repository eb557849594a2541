package mockserver_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/companion-console/console/internal/auth"
	"github.com/companion-console/console/internal/chat"
	"github.com/companion-console/console/internal/interfaces"
	"github.com/companion-console/console/internal/mockserver"
	"github.com/companion-console/console/internal/protocol"
	"github.com/companion-console/console/internal/session"
	"github.com/companion-console/console/internal/supervisor"
	"github.com/companion-console/console/internal/transport"
)

// stack is a console wired against an in-process companion
type stack struct {
	t     *testing.T
	mock  *mockserver.Server
	srv   *httptest.Server
	store *session.Store
	sup   *supervisor.Supervisor
	ctrl  *chat.Controller
}

func startStack(t *testing.T, opts mockserver.Options, profile interfaces.Profile) *stack {
	t.Helper()
	mock := mockserver.New(opts)
	srv := httptest.NewServer(mock.Handler())

	profile.Host = srv.URL
	authMgr := auth.NewManager()
	client, err := protocol.NewClient(&profile, authMgr)
	require.NoError(t, err)
	header, err := authMgr.CreateAuthHeader(&profile.Auth)
	require.NoError(t, err)

	wsURL, err := transport.EndpointURL(&profile)
	require.NoError(t, err)
	ws, err := transport.NewWebSocket(transport.Config{URL: wsURL, AuthHeader: header})
	require.NoError(t, err)

	sup := supervisor.New(ws, supervisor.Policy{
		BaseDelay:     10 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		MaxTotalDelay: 5 * time.Second,
		MaxAttempts:   5,
	})
	store := session.NewStore(0)
	ctrl := chat.New(store, sup, chat.Options{
		HTTP:          client,
		Fallback:      profile.Fallback,
		CompanionName: "Mira",
	})

	return &stack{t: t, mock: mock, srv: srv, store: store, sup: sup, ctrl: ctrl}
}

func (s *stack) start() {
	s.t.Helper()
	require.NoError(s.t, s.ctrl.Start(context.Background()))
	s.waitState(interfaces.Connected)
}

func (s *stack) close() {
	_ = s.ctrl.Close()
	s.mock.CloseConnections()
	s.srv.Close()
}

func (s *stack) waitState(want interfaces.ConnectivityState) {
	s.t.Helper()
	require.Eventually(s.t, func() bool { return s.store.Connectivity() == want }, 3*time.Second, 2*time.Millisecond,
		"connectivity never became %s", want)
}

// waitLast waits until the newest message is from sender and returns it
func (s *stack) waitLast(sender session.Sender) session.Message {
	s.t.Helper()
	var last session.Message
	require.Eventually(s.t, func() bool {
		msgs := s.store.Messages()
		if len(msgs) == 0 {
			return false
		}
		last = msgs[len(msgs)-1]
		return last.Sender == sender && !s.store.ResponsePending()
	}, 3*time.Second, 2*time.Millisecond, "no %s message arrived", sender)
	return last
}

// waitNotice waits until the newest message is a system notice with content
func (s *stack) waitNotice(content string) {
	s.t.Helper()
	require.Eventually(s.t, func() bool {
		msgs := s.store.Messages()
		return len(msgs) > 0 && msgs[len(msgs)-1].Sender == session.SenderSystem && msgs[len(msgs)-1].Content == content
	}, 3*time.Second, 2*time.Millisecond, "notice %q never arrived", content)
}

func TestConversationOverDuplex(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st := startStack(t, mockserver.Options{}, interfaces.Profile{})
	defer st.close()
	st.start()

	require.NoError(t, st.ctrl.SendUserMessage(context.Background(), "hello"))
	reply := st.waitLast(session.SenderCompanion)
	assert.Equal(t, "hi!", reply.Content)
	assert.Equal(t, "happy", reply.Emotion)
	assert.Equal(t, "wave", reply.Animation)
	assert.Equal(t, []string{"hello"}, st.mock.History())

	msgs := st.store.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, session.SenderUser, msgs[0].Sender)
}

func TestModeChangesOverDuplex(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st := startStack(t, mockserver.Options{}, interfaces.Profile{})
	defer st.close()
	st.start()

	require.NoError(t, st.ctrl.ChangeMode(context.Background(), interfaces.ModeRestricted))
	st.waitNotice("Mode changed to restricted.")
	assert.Equal(t, interfaces.ModeRestricted, st.store.Mode())
	assert.Equal(t, interfaces.ModeRestricted, st.mock.Mode())

	st.mock.SetRejectMode(true, "safe mode is locked")
	require.NoError(t, st.ctrl.ChangeMode(context.Background(), interfaces.ModeSafe))
	st.waitNotice("Mode change to safe was rejected: safe mode is locked")
	assert.Equal(t, interfaces.ModeRestricted, st.store.Mode())
}

func TestReconnectsAfterAbnormalDrop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st := startStack(t, mockserver.Options{}, interfaces.Profile{})
	defer st.close()
	st.start()

	st.mock.DropConnections()
	require.Eventually(t, func() bool { return st.mock.ConnectionCount() == 1 }, 3*time.Second, 2*time.Millisecond,
		"client never reconnected")
	st.waitState(interfaces.Connected)

	require.NoError(t, st.ctrl.SendUserMessage(context.Background(), "still there?"))
	reply := st.waitLast(session.SenderCompanion)
	assert.Equal(t, "curious", reply.Emotion)
}

func TestFallsBackToHTTPAfterCleanClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st := startStack(t, mockserver.Options{}, interfaces.Profile{Fallback: true})
	defer st.close()
	st.start()

	st.mock.CloseConnections()
	st.waitState(interfaces.Disconnected)

	require.NoError(t, st.ctrl.SendUserMessage(context.Background(), "hello"))
	reply := st.waitLast(session.SenderCompanion)
	assert.Equal(t, "hi!", reply.Content)
	assert.Equal(t, 0, st.mock.ConnectionCount(), "a clean close is not retried")

	require.NoError(t, st.ctrl.ChangeMode(context.Background(), interfaces.ModeRestricted))
	assert.Equal(t, interfaces.ModeRestricted, st.store.Mode())
	assert.Equal(t, interfaces.ModeRestricted, st.mock.Mode())
}

func TestFallbackFailureIsReported(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st := startStack(t, mockserver.Options{}, interfaces.Profile{Fallback: true})
	defer st.close()
	st.start()

	st.mock.CloseConnections()
	st.waitState(interfaces.Disconnected)
	st.mock.SetFailChat(true)

	require.Error(t, st.ctrl.SendUserMessage(context.Background(), "hello"))
	msg := st.waitLast(session.SenderError)
	assert.Contains(t, msg.Content, "Mira")
	assert.False(t, st.store.ResponsePending())
}

func TestResetClearsBothSides(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st := startStack(t, mockserver.Options{}, interfaces.Profile{})
	defer st.close()
	st.start()

	require.NoError(t, st.ctrl.SendUserMessage(context.Background(), "hello"))
	st.waitLast(session.SenderCompanion)

	require.NoError(t, st.ctrl.Reset(context.Background()))
	msgs := st.store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Conversation reset.", msgs[0].Content)
	assert.Empty(t, st.mock.History())
}

func TestBearerTokenOnBothChannels(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	token := "mock-token-0123456789"
	st := startStack(t, mockserver.Options{Token: token}, interfaces.Profile{
		Auth: interfaces.AuthConfig{Type: "bearer", Token: token},
	})
	defer st.close()
	st.start()

	status, err := st.ctrl.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mock-companion-1", status.Model)
}
