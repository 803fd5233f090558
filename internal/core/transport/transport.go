package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/relayhub/relayhub/internal/core/hub"
	"github.com/relayhub/relayhub/internal/core/observability/log"
	"github.com/relayhub/relayhub/internal/core/opqueue"
)

// Session is one live link to a game server, transport-agnostic.
type Session interface {
	ID() string
	ServerID() string
	RemoteIP() string
	IsReachable() bool
	Send(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Events carries inbound transport callbacks into the reliability core.
// Nil callbacks are skipped.
type Events struct {
	Connected       func(serverID, ip string)
	Disconnected    func(serverID string, reason string)
	AuthFailed      func(serverID, ip, reason string)
	ProtocolError   func(serverID, severity, message string)
	MessageReceived func(serverID string, payload []byte)
}

func (e Events) connected(serverID, ip string) {
	if e.Connected != nil {
		e.Connected(serverID, ip)
	}
}

func (e Events) disconnected(serverID, reason string) {
	if e.Disconnected != nil {
		e.Disconnected(serverID, reason)
	}
}

func (e Events) authFailed(serverID, ip, reason string) {
	if e.AuthFailed != nil {
		e.AuthFailed(serverID, ip, reason)
	}
}

func (e Events) protocolError(serverID, severity, message string) {
	if e.ProtocolError != nil {
		e.ProtocolError(serverID, severity, message)
	}
}

func (e Events) messageReceived(serverID string, payload []byte) {
	if e.MessageReceived != nil {
		e.MessageReceived(serverID, payload)
	}
}

// Outbound frame kinds understood by server plugins.
const (
	frameChat    = "chat"
	frameCommand = "command"
)

type outboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Action  string `json:"action,omitempty"`
	Target  string `json:"target,omitempty"`
	Name    string `json:"name,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Registry tracks the active session per serverId. It is the execution
// surface the operation queue and the router talk to; neither of them ever
// sees a socket.
type Registry struct {
	sessions *xsync.Map[string, Session]
	logger   log.Log
}

func NewRegistry(logger log.Log) *Registry {
	return &Registry{
		sessions: xsync.NewMap[string, Session](),
		logger:   logger,
	}
}

// Bind makes sess the active session for its server, closing any previous
// one. A reconnecting server replaces itself.
func (r *Registry) Bind(sess Session) {
	prev, _ := r.sessions.LoadAndStore(sess.ServerID(), sess)
	if prev != nil && prev.ID() != sess.ID() {
		r.logger.Info("replacing existing session",
			log.String("server_id", sess.ServerID()),
			log.String("old_session", prev.ID()),
			log.String("new_session", sess.ID()),
		)
		_ = prev.Close("superseded by new connection")
	}
}

// Unbind removes sess if it is still the active session for its server. A
// stale session that was already superseded leaves the registry untouched.
func (r *Registry) Unbind(sess Session) {
	cur, ok := r.sessions.Load(sess.ServerID())
	if ok && cur.ID() == sess.ID() {
		r.sessions.Delete(sess.ServerID())
	}
}

// Get returns the active session for serverID.
func (r *Registry) Get(serverID string) (Session, bool) {
	return r.sessions.Load(serverID)
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	return r.sessions.Size()
}

// IsReachable reports whether serverID has a live session.
func (r *Registry) IsReachable(serverID string) bool {
	sess, ok := r.sessions.Load(serverID)
	return ok && sess.IsReachable()
}

// Execute sends a domain operation to the server as a command frame.
func (r *Registry) Execute(ctx context.Context, serverID string, op opqueue.Operation) error {
	frame := outboundFrame{
		Type:   frameCommand,
		Action: string(op.Kind),
		Target: op.TargetKey,
		Name:   op.TargetName,
		Reason: op.Reason,
	}
	return r.send(ctx, serverID, frame)
}

// SendToServer delivers a routed chat message to the server.
func (r *Registry) SendToServer(ctx context.Context, serverID, content string) error {
	return r.send(ctx, serverID, outboundFrame{Type: frameChat, Content: content})
}

func (r *Registry) send(ctx context.Context, serverID string, frame outboundFrame) error {
	sess, ok := r.sessions.Load(serverID)
	if !ok || !sess.IsReachable() {
		return hub.WrapError(hub.ErrServerUnreachable, "no active session")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return hub.WrapError(err, "frame encoding failed")
	}
	if err := sess.Send(ctx, data); err != nil {
		if ctx.Err() != nil {
			return hub.WrapError(hub.ErrConnectionTimeout, "send deadline exceeded")
		}
		return err
	}
	return nil
}

// CloseAll tears down every session, typically at shutdown.
func (r *Registry) CloseAll(reason string) {
	r.sessions.Range(func(serverID string, sess Session) bool {
		_ = sess.Close(reason)
		r.sessions.Delete(serverID)
		return true
	})
}

// SendDeadline bounds a Send issued without a caller deadline.
const SendDeadline = 10 * time.Second
