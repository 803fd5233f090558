package server

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/relayhub/relayhub/internal/core/config"
	"github.com/relayhub/relayhub/internal/core/events/bus"
	"github.com/relayhub/relayhub/internal/core/hub"
	"github.com/relayhub/relayhub/internal/core/observability/log"
	"github.com/relayhub/relayhub/internal/core/opqueue"
	"github.com/relayhub/relayhub/internal/core/reconnect"
	"github.com/relayhub/relayhub/internal/core/routing"
	"github.com/relayhub/relayhub/internal/core/security"
	"github.com/relayhub/relayhub/internal/core/storage"
	"github.com/relayhub/relayhub/internal/core/transport"
)

// TokenValidator checks handshake credentials. The default accepts any
// non-empty token; deployments plug in their own.
type TokenValidator func(serverID, token string) error

// Hub wires the reliability core together: transport sessions feed the
// reconnect coordinator and the security gate, domain commands flow through
// the operation queue, and chat traffic flows through the router.
type Hub struct {
	cfg    config.Config
	logger log.Log
	clock  clock.Clock

	bus      bus.EventBus
	store    storage.Store
	registry *transport.Registry

	coordinator *reconnect.Coordinator
	gate        *security.Gate
	alerts      *security.AlertManager
	queue       *opqueue.Queue
	whitelist   *opqueue.WhitelistManager
	bans        *opqueue.BanManager
	bindings    *routing.StoreBindingSource
	router      *routing.Router

	wsServer   *transport.WebSocketServer
	quicServer *transport.QUICServer
	httpServer *http.Server

	validateToken TokenValidator

	running  int32
	closed   int32
	stopChan chan struct{}
	workers  *errgroup.Group
}

// Option customizes hub construction.
type Option func(*Hub)

// WithTokenValidator replaces the default credential check.
func WithTokenValidator(v TokenValidator) Option {
	return func(h *Hub) { h.validateToken = v }
}

// WithClock substitutes the wall clock, used by tests.
func WithClock(clk clock.Clock) Option {
	return func(h *Hub) { h.clock = clk }
}

// WithStore substitutes the persistent store collaborator.
func WithStore(s storage.Store) Option {
	return func(h *Hub) { h.store = s }
}

// WithLogger substitutes the logger.
func WithLogger(l log.Log) Option {
	return func(h *Hub) { h.logger = l }
}

// NewHub builds a hub from cfg. Routed server events are delivered to
// groups; the caller owns the chat-plane side.
func NewHub(cfg config.Config, groups routing.GroupSink, opts ...Option) *Hub {
	h := &Hub{
		cfg:      cfg,
		logger:   log.New(log.ParseLevel(cfg.LogLevel)),
		clock:    clock.New(),
		store:    storage.NewMemoryStore(),
		stopChan: make(chan struct{}),
		validateToken: func(serverID, token string) error {
			if token == "" {
				return hub.WrapError(hub.ErrTokenInvalid, "empty token")
			}
			return nil
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(log.String("component", "hub"))

	h.bus = bus.New()
	h.registry = transport.NewRegistry(h.logger)

	h.coordinator = reconnect.NewCoordinator(reconnect.CoordinatorConfig{
		Backoff: reconnect.BackoffConfig{
			MaxRetryAttempts: cfg.Reconnect.MaxRetryAttempts,
			BaseInterval:     cfg.Reconnect.BaseRetryInterval,
			MaxInterval:      cfg.Reconnect.MaxRetryInterval,
			Multiplier:       cfg.Reconnect.ExponentialBackoffMultiplier,
			JitterEnabled:    cfg.Reconnect.JitterEnabled,
			JitterFactor:     cfg.Reconnect.JitterFactor,
		},
		Quality: reconnect.QualityConfig{
			WindowSize:       cfg.Reconnect.QualityWindowSize,
			QualityThreshold: cfg.Reconnect.ConnectionQualityThreshold,
			LatencyThreshold: cfg.Reconnect.LatencyThreshold,
		},
		FailoverEnabled: cfg.Reconnect.FailoverEnabled,
	}, h.logger, h.bus, h.clock)

	h.alerts = security.NewAlertManager(security.AlertManagerConfig{
		MaxAlerts: cfg.Security.MaxAlerts,
		Retention: cfg.Security.AlertRetention,
	}, h.logger, h.bus, h.clock)

	h.gate = security.NewGate(security.GateConfig{
		MaxConnectionsPerIP:     cfg.Security.MaxConnectionsPerIP,
		MaxConnectionsPerServer: cfg.Security.MaxConnectionsPerServer,
		MaxTotalConnections:     cfg.Security.MaxTotalConnections,
		AuthFailure: security.AuthFailureConfig{
			BaseDelay:              cfg.Security.AuthFailureHandling.BaseDelay,
			MaxDelay:               cfg.Security.AuthFailureHandling.MaxDelay,
			BackoffMultiplier:      cfg.Security.AuthFailureHandling.BackoffMultiplier,
			MaxFailuresBeforeBlock: cfg.Security.AuthFailureHandling.MaxFailuresBeforeBlock,
			BlockDuration:          cfg.Security.AuthFailureHandling.BlockDuration,
			ResetWindow:            cfg.Security.AuthFailureHandling.ResetWindow,
		},
	}, h.logger, h.alerts, h.clock)

	h.queue = opqueue.NewQueue(opqueue.Config{
		ExecuteTimeout: cfg.Queue.ExecuteTimeout,
		MirrorPending:  cfg.Queue.MirrorPending,
	}, h.registry, h.store, h.logger, h.bus, h.clock)
	h.whitelist = opqueue.NewWhitelistManager(h.queue)
	h.bans = opqueue.NewBanManager(h.queue)

	h.bindings = routing.NewStoreBindingSource(h.store)
	h.router = routing.NewRouter(routing.RouterConfig{
		DefaultRateLimit: routing.RateLimit{
			MaxMessages: cfg.Routing.DefaultRateLimit.MaxMessages,
			Window:      cfg.Routing.DefaultRateLimit.Window,
		},
	}, h.bindings, h.registry, groups, h.logger, h.clock)

	events := transport.Events{
		Connected:       h.onConnected,
		Disconnected:    h.onDisconnected,
		AuthFailed:      h.onAuthFailed,
		ProtocolError:   h.onProtocolError,
		MessageReceived: h.onMessage,
	}

	switch cfg.Transport {
	case "quic":
		h.quicServer = transport.NewQUICServer(transport.DefaultQUICConfig(), h.registry, events, h.logger)
		h.quicServer.Admit = h.admit
		h.quicServer.Authenticate = h.authenticate
	default:
		h.wsServer = transport.NewWebSocketServer(transport.DefaultWebSocketConfig(), h.registry, events, h.logger)
		h.wsServer.Admit = h.admit
		h.wsServer.Authenticate = h.authenticate
	}

	h.subscribeReconnectEvents()

	h.logger.Info("hub created",
		log.String("listen_addr", cfg.ListenAddr),
		log.String("transport", cfg.Transport),
	)
	return h
}

// Start begins serving on the configured transport and launches the
// background workers.
func (h *Hub) Start(ctx context.Context) error {
	if atomic.LoadInt32(&h.closed) == 1 {
		return hub.WrapError(hub.ErrConnectionClosed, "hub already closed")
	}
	if !atomic.CompareAndSwapInt32(&h.running, 0, 1) {
		return hub.WrapError(hub.ErrInvalidConfig, "hub already running")
	}

	h.workers, _ = errgroup.WithContext(ctx)

	switch {
	case h.quicServer != nil:
		h.workers.Go(func() error {
			return h.quicServer.Serve(ctx, h.cfg.ListenAddr)
		})
	default:
		h.httpServer = &http.Server{Addr: h.cfg.ListenAddr, Handler: h.wsServer}
		h.workers.Go(func() error {
			err := h.httpServer.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
	}

	h.workers.Go(func() error {
		h.cleanupLoop()
		return nil
	})

	h.logger.Info("hub started", log.String("addr", h.cfg.ListenAddr))
	return nil
}

// Stop shuts the hub down: listeners close, sessions drop, retry timers are
// cancelled and workers drain.
func (h *Hub) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.running, 1, 0) {
		return nil
	}
	atomic.StoreInt32(&h.closed, 1)
	h.logger.Info("stopping hub")

	close(h.stopChan)

	if h.httpServer != nil {
		_ = h.httpServer.Shutdown(ctx)
	}
	if h.quicServer != nil {
		_ = h.quicServer.Close()
	}

	h.registry.CloseAll("hub shutting down")
	h.coordinator.Close()

	var err error
	if h.workers != nil {
		err = h.workers.Wait()
	}
	h.logger.Info("hub stopped")
	return err
}

// Whitelist exposes whitelist command handling.
func (h *Hub) Whitelist() *opqueue.WhitelistManager { return h.whitelist }

// Bans exposes ban command handling.
func (h *Hub) Bans() *opqueue.BanManager { return h.bans }

// Bindings exposes binding management.
func (h *Hub) Bindings() *routing.StoreBindingSource { return h.bindings }

// Alerts exposes the security alert surface.
func (h *Hub) Alerts() *security.AlertManager { return h.alerts }

// Bus exposes the hub event bus for observers.
func (h *Hub) Bus() bus.EventBus { return h.bus }

// ErrorStats reports consolidated failure counters.
func (h *Hub) ErrorStats() reconnect.ErrorStats { return h.coordinator.ErrorStats() }

// ConnectionState reports the reconnect state for one server.
func (h *Hub) ConnectionState(serverID string) reconnect.State {
	return h.coordinator.StateOf(serverID)
}

// PendingOperations lists queued operations for one server.
func (h *Hub) PendingOperations(serverID string) []opqueue.Operation {
	return h.queue.Pending(serverID)
}

// ClearPendingOperations drops queued operations for one server.
func (h *Hub) ClearPendingOperations(serverID, actor string) int {
	return h.queue.ClearPending(serverID, actor)
}

// SetReconnectEnabled toggles automatic retries for one server.
func (h *Hub) SetReconnectEnabled(serverID string, enabled bool) {
	h.coordinator.SetReconnectEnabled(serverID, enabled)
}

// RouteGroupMessage fans a chat-plane message out to bound servers.
func (h *Hub) RouteGroupMessage(ctx context.Context, msg routing.GroupMessage) (int, error) {
	return h.router.RouteGroupMessage(ctx, msg)
}

func (h *Hub) admit(serverID, ip string) error {
	d := h.gate.CheckConnectionAllowed(serverID, ip)
	if !d.Allowed {
		return hub.WrapError(hub.ErrConnectionLimitReached, d.Reason)
	}
	return nil
}

func (h *Hub) authenticate(serverID, ip, token string) error {
	d := h.gate.CheckAuthenticationAllowed(serverID, ip)
	if !d.Allowed {
		return hub.WrapError(hub.ErrAuthenticationBlocked, d.Reason)
	}
	if err := h.validateToken(serverID, token); err != nil {
		h.gate.RecordAuthenticationFailure(serverID, ip)
		return err
	}
	h.gate.RecordAuthenticationSuccess(serverID, ip)
	return nil
}

func (h *Hub) onConnected(serverID, ip string) {
	h.gate.RegisterConnection(connectionID(serverID), serverID, ip)
	h.coordinator.HandleConnected(serverID, 0)

	// flush commands accumulated while the server was offline
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		replayed, err := h.queue.Replay(ctx, serverID)
		if err != nil {
			h.logger.Warn("pending replay incomplete",
				log.String("server_id", serverID),
				log.Int("replayed", replayed),
				log.Error(err),
			)
			return
		}
		if replayed > 0 {
			h.logger.Info("pending operations replayed",
				log.String("server_id", serverID),
				log.Int("count", replayed),
			)
		}
	}()
}

func (h *Hub) onDisconnected(serverID, reason string) {
	// a superseded session reports its own teardown; the server is still up
	if h.registry.IsReachable(serverID) {
		return
	}
	h.gate.UnregisterConnection(connectionID(serverID))
	h.coordinator.HandleConnectionFailure(serverID, hub.WrapError(hub.ErrConnectionLost, reason))
}

func (h *Hub) onAuthFailed(serverID, ip, reason string) {
	h.coordinator.HandleAuthFailure(serverID, classifyAuthReason(reason))
}

func (h *Hub) onProtocolError(serverID, severity, message string) {
	h.coordinator.HandleProtocolError(serverID, reconnect.Severity(severity), message)
}

func (h *Hub) onMessage(serverID string, payload []byte) {
	frame, err := transport.DecodeInbound(payload)
	if err != nil {
		h.coordinator.HandleProtocolError(serverID, reconnect.SeverityMinor, "malformed frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), transport.SendDeadline)
	defer cancel()

	switch frame.Type {
	case transport.InboundAck:
		h.coordinator.Quality().RecordSuccess(serverID, time.Duration(frame.LatencyMs)*time.Millisecond)
		h.coordinator.CheckQuality(serverID)

	case transport.InboundChat:
		fields := map[string]string{
			"player":  frame.Sender,
			"message": frame.Content,
		}
		if _, err = h.router.RouteServerEvent(ctx, routing.ServerEvent{
			ServerID: serverID,
			Type:     "chat",
			Fields:   fields,
			At:       h.clock.Now(),
		}); err != nil {
			h.logger.Warn("chat relay failed", log.String("server_id", serverID), log.Error(err))
		}

	case transport.InboundEvent:
		if _, err = h.router.RouteServerEvent(ctx, routing.ServerEvent{
			ServerID: serverID,
			Type:     frame.EventType,
			Fields:   frame.Fields,
			At:       h.clock.Now(),
		}); err != nil {
			h.logger.Warn("event relay failed", log.String("server_id", serverID), log.Error(err))
		}

	default:
		h.coordinator.HandleProtocolError(serverID, reconnect.SeverityMinor, "unknown frame type "+frame.Type)
	}
}

func (h *Hub) subscribeReconnectEvents() {
	_, _ = h.bus.Subscribe(reconnect.EventRetryReady, func(e bus.Event) error {
		h.logger.Info("server due for retry", log.String("server_id", e.Source))
		return nil
	})
	_, _ = h.bus.Subscribe(reconnect.EventFailoverRequired, func(e bus.Event) error {
		h.logger.Warn("failover required", log.String("server_id", e.Source))
		return nil
	})
	_, _ = h.bus.Subscribe(reconnect.EventMaxAttemptsReached, func(e bus.Event) error {
		h.logger.Warn("retry budget exhausted", log.String("server_id", e.Source))
		return nil
	})
	_, _ = h.bus.Subscribe(reconnect.EventAuthenticationCritical, func(e bus.Event) error {
		h.alerts.Raise(security.AlertTypeAuthBlock, security.SeverityCritical,
			security.AlertSource{ServerID: e.Source}, "authentication requires operator intervention")
		return nil
	})
}

// cleanupLoop prunes expired gate records and idle rate windows.
func (h *Hub) cleanupLoop() {
	interval := h.cfg.Security.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := h.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.gate.Cleanup()
			h.router.PruneRateState(time.Hour)
		case <-h.stopChan:
			return
		}
	}
}

func connectionID(serverID string) string {
	return "srv:" + serverID
}

func classifyAuthReason(reason string) string {
	switch {
	case strings.Contains(reason, "expired"):
		return reconnect.ReasonTokenExpired
	case strings.Contains(reason, "revoked"):
		return reconnect.ReasonTokenRevoked
	case strings.Contains(reason, "invalid") || strings.Contains(reason, "empty token"):
		return reconnect.ReasonTokenInvalid
	default:
		return reason
	}
}
