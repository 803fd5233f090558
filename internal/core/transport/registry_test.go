package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhub/relayhub/internal/core/hub"
	"github.com/relayhub/relayhub/internal/core/observability/log"
	"github.com/relayhub/relayhub/internal/core/opqueue"
)

type fakeSession struct {
	id       string
	serverID string

	mu        sync.Mutex
	reachable bool
	sent      [][]byte
	closed    bool
}

func newFakeSession(id, serverID string) *fakeSession {
	return &fakeSession{id: id, serverID: serverID, reachable: true}
}

func (f *fakeSession) ID() string       { return f.id }
func (f *fakeSession) ServerID() string { return f.serverID }
func (f *fakeSession) RemoteIP() string { return "127.0.0.1" }

func (f *fakeSession) IsReachable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reachable
}

func (f *fakeSession) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeSession) Close(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reachable = false
	return nil
}

func TestBindReplacesPreviousSession(t *testing.T) {
	r := NewRegistry(log.NewNop())
	old := newFakeSession("sess-1", "s1")
	r.Bind(old)

	replacement := newFakeSession("sess-2", "s1")
	r.Bind(replacement)

	assert.True(t, old.closed)
	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "sess-2", got.ID())
	assert.Equal(t, 1, r.Count())
}

func TestUnbindIgnoresStaleSession(t *testing.T) {
	r := NewRegistry(log.NewNop())
	old := newFakeSession("sess-1", "s1")
	r.Bind(old)
	fresh := newFakeSession("sess-2", "s1")
	r.Bind(fresh)

	// the superseded session's pump shutting down must not evict the
	// replacement
	r.Unbind(old)
	assert.True(t, r.IsReachable("s1"))

	r.Unbind(fresh)
	assert.False(t, r.IsReachable("s1"))
}

func TestExecuteWithoutSessionIsUnreachable(t *testing.T) {
	r := NewRegistry(log.NewNop())
	err := r.Execute(context.Background(), "s1", opqueue.Operation{Kind: opqueue.KindBan, TargetKey: "p1"})
	require.Error(t, err)
	assert.Equal(t, hub.ErrorCodeServerUnreachable, hub.GetErrorCode(err))
}

func TestExecuteEncodesCommandFrame(t *testing.T) {
	r := NewRegistry(log.NewNop())
	sess := newFakeSession("sess-1", "s1")
	r.Bind(sess)

	op := opqueue.Operation{
		Kind:       opqueue.KindWhitelistAdd,
		TargetKey:  "uuid-1",
		TargetName: "alice",
		Reason:     "approved",
	}
	require.NoError(t, r.Execute(context.Background(), "s1", op))

	require.Len(t, sess.sent, 1)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(sess.sent[0], &frame))
	assert.Equal(t, "command", frame["type"])
	assert.Equal(t, "whitelist_add", frame["action"])
	assert.Equal(t, "uuid-1", frame["target"])
	assert.Equal(t, "alice", frame["name"])
}

func TestSendToServerEncodesChatFrame(t *testing.T) {
	r := NewRegistry(log.NewNop())
	sess := newFakeSession("sess-1", "s1")
	r.Bind(sess)

	require.NoError(t, r.SendToServer(context.Background(), "s1", "hello"))

	require.Len(t, sess.sent, 1)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(sess.sent[0], &frame))
	assert.Equal(t, "chat", frame["type"])
	assert.Equal(t, "hello", frame["content"])
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry(log.NewNop())
	s1 := newFakeSession("sess-1", "s1")
	s2 := newFakeSession("sess-2", "s2")
	r.Bind(s1)
	r.Bind(s2)

	r.CloseAll("shutdown")
	assert.True(t, s1.closed)
	assert.True(t, s2.closed)
	assert.Zero(t, r.Count())
}

func TestDecodeInbound(t *testing.T) {
	frame, err := DecodeInbound([]byte(`{"type":"event","event_type":"player_join","fields":{"player":"bob"}}`))
	require.NoError(t, err)
	assert.Equal(t, InboundEvent, frame.Type)
	assert.Equal(t, "player_join", frame.EventType)
	assert.Equal(t, "bob", frame.Fields["player"])

	_, err = DecodeInbound([]byte("not json"))
	require.Error(t, err)
	assert.Equal(t, hub.ErrorCodeInvalidMessage, hub.GetErrorCode(err))

	_, err = DecodeInbound([]byte(`{"content":"missing type"}`))
	require.Error(t, err)
}
