package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/relayhub/relayhub/internal/core/hub"
	"github.com/relayhub/relayhub/internal/core/observability/log"
)

// QUICConfig tunes the QUIC listener and its sessions.
type QUICConfig struct {
	TLSConfig        *tls.Config
	MaxIdleTimeout   time.Duration
	KeepAlivePeriod  time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
}

func DefaultQUICConfig() QUICConfig {
	return QUICConfig{
		TLSConfig: &tls.Config{
			NextProtos: []string{"relayhub-quic"},
			MinVersion: tls.VersionTLS13, // QUIC requires TLS 1.3
		},
		MaxIdleTimeout:   30 * time.Second,
		KeepAlivePeriod:  15 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   64 * 1024,
	}
}

// quicHello is the first frame a server sends after the QUIC handshake.
type quicHello struct {
	ServerID string `json:"server_id"`
	Token    string `json:"token"`
}

// QUICServer accepts QUIC connections as an alternative transport. The
// admission and authentication hooks mirror the websocket listener.
type QUICServer struct {
	cfg      QUICConfig
	registry *Registry
	events   Events
	logger   log.Log
	listener *quic.Listener

	Admit        func(serverID, ip string) error
	Authenticate func(serverID, ip, token string) error
}

func NewQUICServer(cfg QUICConfig, registry *Registry, events Events, logger log.Log) *QUICServer {
	return &QUICServer{
		cfg:      cfg,
		registry: registry,
		events:   events,
		logger:   logger,
	}
}

// Serve listens on addr and accepts connections until ctx is cancelled.
func (s *QUICServer) Serve(ctx context.Context, addr string) error {
	listener, err := quic.ListenAddr(addr, s.cfg.TLSConfig, &quic.Config{
		MaxIdleTimeout:       s.cfg.MaxIdleTimeout,
		KeepAlivePeriod:      s.cfg.KeepAlivePeriod,
		HandshakeIdleTimeout: s.cfg.HandshakeTimeout,
	})
	if err != nil {
		return hub.WrapError(err, "quic listen failed")
	}
	s.listener = listener
	s.logger.Info("quic listener started", log.String("addr", addr))

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return hub.WrapError(err, "quic accept failed")
		}
		go s.handshake(ctx, conn)
	}
}

// Close stops the listener.
func (s *QUICServer) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *QUICServer) handshake(ctx context.Context, conn *quic.Conn) {
	ip := hostOnly(conn.RemoteAddr().String())

	helloCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(helloCtx)
	if err != nil {
		_ = conn.CloseWithError(1, "hello expected")
		return
	}

	var hello quicHello
	data, err := io.ReadAll(io.LimitReader(stream, s.cfg.MaxMessageSize))
	if err == nil {
		err = json.Unmarshal(data, &hello)
	}
	_ = stream.Close()
	if err != nil || hello.ServerID == "" {
		s.logger.Warn("malformed quic hello", log.String("ip", ip))
		_ = conn.CloseWithError(2, "malformed hello")
		return
	}

	if s.Admit != nil {
		if err = s.Admit(hello.ServerID, ip); err != nil {
			_ = conn.CloseWithError(3, "connection rejected")
			return
		}
	}
	if s.Authenticate != nil {
		if err = s.Authenticate(hello.ServerID, ip, hello.Token); err != nil {
			s.events.authFailed(hello.ServerID, ip, err.Error())
			_ = conn.CloseWithError(4, "authentication failed")
			return
		}
	}

	sess := &quicSession{
		id:       uuid.New().String(),
		serverID: hello.ServerID,
		ip:       ip,
		conn:     conn,
		cfg:      s.cfg,
	}
	s.registry.Bind(sess)
	s.events.connected(hello.ServerID, ip)

	go sess.acceptLoop(ctx, s.registry, s.events, s.logger)
}

func hostOnly(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

// quicSession carries one message per stream: the sender opens a stream,
// writes the frame and closes it, so stream FIN doubles as the frame
// boundary.
type quicSession struct {
	id       string
	serverID string
	ip       string
	conn     *quic.Conn
	cfg      QUICConfig
	closed   int32
}

func (s *quicSession) ID() string       { return s.id }
func (s *quicSession) ServerID() string { return s.serverID }
func (s *quicSession) RemoteIP() string { return s.ip }

func (s *quicSession) IsReachable() bool {
	return atomic.LoadInt32(&s.closed) == 0
}

func (s *quicSession) Send(ctx context.Context, data []byte) error {
	if !s.IsReachable() {
		return hub.WrapError(hub.ErrConnectionClosed, "session closed")
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	stream, err := s.conn.OpenStreamSync(sendCtx)
	if err != nil {
		return hub.WrapError(err, "quic stream open failed")
	}
	if deadline, ok := sendCtx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if _, err = stream.Write(data); err != nil {
		_ = stream.Close()
		return hub.WrapError(err, "quic write failed")
	}
	return stream.Close()
}

func (s *quicSession) Close(reason string) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	return s.conn.CloseWithError(0, reason)
}

func (s *quicSession) acceptLoop(ctx context.Context, registry *Registry, events Events, logger log.Log) {
	defer func() {
		registry.Unbind(s)
		_ = s.Close("accept loop stopped")
		events.disconnected(s.serverID, "connection lost")
	}()

	for {
		stream, err := s.conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("quic session ended",
					log.String("server_id", s.serverID),
					log.Error(err),
				)
			}
			return
		}
		go s.readStream(stream, events)
	}
}

func (s *quicSession) readStream(stream *quic.Stream, events Events) {
	data, err := io.ReadAll(io.LimitReader(stream, s.cfg.MaxMessageSize))
	_ = stream.Close()
	if err != nil {
		events.protocolError(s.serverID, "minor", "stream read failed")
		return
	}
	events.messageReceived(s.serverID, data)
}
