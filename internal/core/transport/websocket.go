package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relayhub/relayhub/internal/core/hub"
	"github.com/relayhub/relayhub/internal/core/observability/log"
)

// WebSocketConfig tunes the websocket listener and its sessions.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
}

func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         60 * time.Second,
		PingInterval:     25 * time.Second,
		MaxMessageSize:   64 * 1024,
	}
}

// WebSocketServer upgrades inbound HTTP requests into server sessions. The
// admission and authentication hooks run before a session is bound, so a
// denied server never reaches the registry.
type WebSocketServer struct {
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
	registry *Registry
	events   Events
	logger   log.Log

	// Admit runs pre-upgrade; a non-nil error rejects with 429.
	Admit func(serverID, ip string) error
	// Authenticate runs post-upgrade on the handshake credentials.
	Authenticate func(serverID, ip, token string) error
}

func NewWebSocketServer(cfg WebSocketConfig, registry *Registry, events Events, logger log.Log) *WebSocketServer {
	return &WebSocketServer{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		registry: registry,
		events:   events,
		logger:   logger,
	}
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serverID := r.Header.Get("X-Server-ID")
	if serverID == "" {
		serverID = r.URL.Query().Get("server_id")
	}
	if serverID == "" {
		http.Error(w, "missing server id", http.StatusBadRequest)
		return
	}
	ip := remoteIP(r)

	if s.Admit != nil {
		if err := s.Admit(serverID, ip); err != nil {
			s.logger.Warn("connection rejected",
				log.String("server_id", serverID),
				log.String("ip", ip),
				log.Error(err),
			)
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			log.String("server_id", serverID),
			log.Error(err),
		)
		return
	}

	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if s.Authenticate != nil {
		if err = s.Authenticate(serverID, ip, token); err != nil {
			s.events.authFailed(serverID, ip, err.Error())
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}
	}

	sess := newWSSession(conn, serverID, ip, s.cfg)
	s.registry.Bind(sess)
	s.events.connected(serverID, ip)

	go sess.readPump(s.registry, s.events, s.logger)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// wsSession is a live websocket link. Writes are serialized through writeMu;
// reads happen only on the pump goroutine.
type wsSession struct {
	id       string
	serverID string
	ip       string
	conn     *websocket.Conn
	cfg      WebSocketConfig

	writeMu sync.Mutex
	closed  int32
}

func newWSSession(conn *websocket.Conn, serverID, ip string, cfg WebSocketConfig) *wsSession {
	return &wsSession{
		id:       uuid.New().String(),
		serverID: serverID,
		ip:       ip,
		conn:     conn,
		cfg:      cfg,
	}
}

func (s *wsSession) ID() string       { return s.id }
func (s *wsSession) ServerID() string { return s.serverID }
func (s *wsSession) RemoteIP() string { return s.ip }

func (s *wsSession) IsReachable() bool {
	return atomic.LoadInt32(&s.closed) == 0
}

func (s *wsSession) Send(ctx context.Context, data []byte) error {
	if !s.IsReachable() {
		return hub.WrapError(hub.ErrConnectionClosed, "session closed")
	}

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return hub.WrapError(err, "websocket write failed")
	}
	return nil
}

func (s *wsSession) Close(reason string) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *wsSession) readPump(registry *Registry, events Events, logger log.Log) {
	// Unbind before dispatching Disconnected so observers see the registry
	// without this session. A superseded session is already unbound and its
	// replacement keeps the server reachable.
	reason := "connection lost"
	defer func() {
		registry.Unbind(s)
		_ = s.Close("read pump stopped")
		events.disconnected(s.serverID, reason)
	}()

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.pingLoop(stopPing)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			reason = closeReason(err)
			logger.Debug("session read ended",
				log.String("server_id", s.serverID),
				log.String("reason", reason),
			)
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			events.protocolError(s.serverID, "minor", "unsupported frame type")
			continue
		}
		events.messageReceived(s.serverID, data)
	}
}

func (s *wsSession) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func closeReason(err error) string {
	if ce, ok := err.(*websocket.CloseError); ok {
		if ce.Text != "" {
			return ce.Text
		}
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return "remote closed"
		default:
			return "abnormal closure"
		}
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return "read timeout"
	}
	return "connection lost"
}
