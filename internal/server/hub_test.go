package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhub/relayhub/internal/core/config"
	"github.com/relayhub/relayhub/internal/core/events/bus"
	"github.com/relayhub/relayhub/internal/core/hub"
	"github.com/relayhub/relayhub/internal/core/observability/log"
	"github.com/relayhub/relayhub/internal/core/opqueue"
	"github.com/relayhub/relayhub/internal/core/reconnect"
	"github.com/relayhub/relayhub/internal/core/routing"
)

type groupCapture struct {
	mu       sync.Mutex
	messages []string
}

func (g *groupCapture) SendToGroup(_ context.Context, groupID, content string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, groupID+":"+content)
	return nil
}

func (g *groupCapture) all() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.messages))
	copy(out, g.messages)
	return out
}

type stubSession struct {
	id       string
	serverID string

	mu   sync.Mutex
	sent [][]byte
}

func (s *stubSession) ID() string        { return s.id }
func (s *stubSession) ServerID() string  { return s.serverID }
func (s *stubSession) RemoteIP() string  { return "127.0.0.1" }
func (s *stubSession) IsReachable() bool { return true }
func (s *stubSession) Close(string) error {
	return nil
}

func (s *stubSession) Send(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, data)
	return nil
}

func (s *stubSession) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestHub(t *testing.T) (*Hub, *groupCapture, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	groups := &groupCapture{}
	h := NewHub(config.Default(), groups, WithLogger(log.NewNop()), WithClock(mock))
	return h, groups, mock
}

func TestAuthenticateRejectsEmptyToken(t *testing.T) {
	h, _, _ := newTestHub(t)

	err := h.authenticate("s1", "1.2.3.4", "")
	require.Error(t, err)
	assert.Equal(t, hub.ErrorCodeTokenInvalid, hub.GetErrorCode(err))

	// the failure counts toward throttling: an immediate retry is denied
	// even with valid credentials
	err = h.authenticate("s1", "1.2.3.4", "valid-token")
	require.Error(t, err)
	assert.Equal(t, hub.ErrorCodeAuthenticationBlocked, hub.GetErrorCode(err))
}

func TestAuthenticateSuccessClearsThrottle(t *testing.T) {
	h, _, mock := newTestHub(t)

	require.Error(t, h.authenticate("s1", "1.2.3.4", ""))
	mock.Add(time.Second)
	require.NoError(t, h.authenticate("s1", "1.2.3.4", "valid-token"))

	// cleared: a fresh failure starts at the base delay again
	require.Error(t, h.authenticate("s1", "1.2.3.4", ""))
	mock.Add(time.Second)
	require.NoError(t, h.authenticate("s1", "1.2.3.4", "valid-token"))
}

func TestAdmitEnforcesPerIPLimit(t *testing.T) {
	h, _, _ := newTestHub(t)

	// default limit is 5 per IP
	for i := 0; i < 5; i++ {
		serverID := string(rune('a' + i))
		require.NoError(t, h.admit(serverID, "9.9.9.9"))
		h.onConnected(serverID, "9.9.9.9")
	}

	err := h.admit("f", "9.9.9.9")
	require.Error(t, err)
	assert.Equal(t, hub.ErrorCodeConnectionLimitReached, hub.GetErrorCode(err))

	// other addresses unaffected
	assert.NoError(t, h.admit("f", "8.8.8.8"))
}

func TestOfflineCommandQueuedThenReplayedOnReconnect(t *testing.T) {
	h, _, _ := newTestHub(t)
	ctx := context.Background()

	res, err := h.Whitelist().Add(ctx, "s1", "uuid-1", "alice", "admin")
	require.NoError(t, err)
	assert.Equal(t, opqueue.StatusQueued, res.Status)
	assert.Len(t, h.PendingOperations("s1"), 1)

	sess := &stubSession{id: "sess-1", serverID: "s1"}
	h.registry.Bind(sess)
	h.onConnected("s1", "1.2.3.4")

	require.Eventually(t, func() bool {
		return h.queue.PendingCount("s1") == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sess.sentCount())
	assert.Equal(t, reconnect.StateConnected, h.ConnectionState("s1"))
}

func TestOnlineCommandExecutesImmediately(t *testing.T) {
	h, _, _ := newTestHub(t)

	sess := &stubSession{id: "sess-1", serverID: "s1"}
	h.registry.Bind(sess)

	res, err := h.Bans().Ban(context.Background(), "s1", "uuid-2", "bob", "admin", "griefing")
	require.NoError(t, err)
	assert.Equal(t, opqueue.StatusExecuted, res.Status)
	assert.Equal(t, 1, sess.sentCount())
}

func TestInboundChatRelayedToBoundGroups(t *testing.T) {
	h, groups, _ := newTestHub(t)

	require.NoError(t, h.Bindings().Save(context.Background(), &routing.Binding{
		ID:       "b1",
		GroupID:  "g1",
		ServerID: "s1",
		Type:     routing.BindingEvent,
		Config: routing.BindingConfig{
			Enabled:    true,
			EventTypes: []string{"chat"},
			Template:   "{player}: {message}",
		},
	}))

	h.onMessage("s1", []byte(`{"type":"chat","sender":"alice","content":"hello"}`))

	msgs := groups.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "g1:alice: hello", msgs[0])
}

func TestInboundEventHonorsAllowList(t *testing.T) {
	h, groups, _ := newTestHub(t)

	require.NoError(t, h.Bindings().Save(context.Background(), &routing.Binding{
		ID:       "b1",
		GroupID:  "g1",
		ServerID: "s1",
		Type:     routing.BindingEvent,
		Config: routing.BindingConfig{
			Enabled:    true,
			EventTypes: []string{"player_join"},
			Template:   "{player} joined",
		},
	}))

	h.onMessage("s1", []byte(`{"type":"event","event_type":"player_death","fields":{"player":"bob"}}`))
	assert.Empty(t, groups.all())

	h.onMessage("s1", []byte(`{"type":"event","event_type":"player_join","fields":{"player":"bob"}}`))
	msgs := groups.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "g1:bob joined", msgs[0])
}

func TestMalformedFrameCountsAsProtocolError(t *testing.T) {
	h, _, _ := newTestHub(t)

	h.onMessage("s1", []byte("not json"))
	stats := h.ErrorStats()
	assert.Equal(t, uint64(1), stats.Protocol)
}

func TestDisconnectSchedulesRetry(t *testing.T) {
	h, _, mock := newTestHub(t)

	retryReady := make(chan string, 1)
	_, err := h.Bus().Subscribe(reconnect.EventRetryReady, func(e bus.Event) error {
		retryReady <- e.Source
		return nil
	})
	require.NoError(t, err)

	h.onDisconnected("s1", "connection lost")
	assert.Equal(t, reconnect.StateDisconnected, h.ConnectionState("s1"))

	// first failure: delay = base * multiplier = 2s with defaults
	mock.Add(2 * time.Second)
	select {
	case serverID := <-retryReady:
		assert.Equal(t, "s1", serverID)
	case <-time.After(time.Second):
		t.Fatal("retry never became ready")
	}
	assert.Equal(t, reconnect.StateConnecting, h.ConnectionState("s1"))
}

func TestStaleDisconnectIgnoredWhenSessionLive(t *testing.T) {
	h, _, _ := newTestHub(t)

	sess := &stubSession{id: "sess-2", serverID: "s1"}
	h.registry.Bind(sess)
	h.onConnected("s1", "1.2.3.4")

	// the superseded session's pump reports teardown after the replacement
	// is already bound
	h.onDisconnected("s1", "superseded")

	assert.Equal(t, reconnect.StateConnected, h.ConnectionState("s1"))
	assert.Equal(t, uint64(0), h.ErrorStats().Connection)
}

func TestRouteGroupMessageThroughHub(t *testing.T) {
	h, _, _ := newTestHub(t)

	sess := &stubSession{id: "sess-1", serverID: "s1"}
	h.registry.Bind(sess)

	require.NoError(t, h.Bindings().Save(context.Background(), &routing.Binding{
		ID:       "b1",
		GroupID:  "g1",
		ServerID: "s1",
		Type:     routing.BindingChat,
		Config:   routing.BindingConfig{Enabled: true},
	}))

	n, err := h.RouteGroupMessage(context.Background(), routing.GroupMessage{
		GroupID: "g1",
		Sender:  "alice",
		Content: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sess.sentCount())
}
