package reconnect

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/relayhub/relayhub/internal/core/events/bus"
	"github.com/relayhub/relayhub/internal/core/hub"
	"github.com/relayhub/relayhub/internal/core/observability/log"
)

// Events published by the coordinator.
const (
	EventRecoveryAttempt        = "reconnect.recovery_attempt"
	EventRetryReady             = "reconnect.retry_ready"
	EventFailoverRequired       = "reconnect.failover_required"
	EventMaxAttemptsReached     = "reconnect.max_attempts_reached"
	EventTokenRefreshRequired   = "reconnect.token_refresh_required"
	EventAuthenticationCritical = "reconnect.authentication_critical"
	EventCriticalProtocolError  = "reconnect.critical_protocol_error"
	EventQualityDegraded        = "reconnect.quality_degraded"
)

// State is the per-server connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Severity classifies protocol errors.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// Auth failure reasons recognized by the classifier.
const (
	ReasonTokenExpired = "token_expired"
	ReasonTokenInvalid = "invalid_token"
	ReasonTokenRevoked = "token_revoked"
)

// RecoveryAttempt is the payload of EventRecoveryAttempt.
type RecoveryAttempt struct {
	ServerID string
	Attempt  uint
	Delay    time.Duration
}

// ProtocolErrorInfo is the payload of EventCriticalProtocolError.
type ProtocolErrorInfo struct {
	ServerID string
	Severity Severity
	Message  string
}

// ErrorStats aggregates coordinator-observed failures.
type ErrorStats struct {
	Total          uint64
	Connection     uint64
	Authentication uint64
	Protocol       uint64
	ActiveContexts int
}

// CoordinatorConfig assembles the reconnect engine configuration.
type CoordinatorConfig struct {
	Backoff         BackoffConfig
	Quality         QualityConfig
	FailoverEnabled bool
}

// errorContext consolidates unresolved failures for one server. Rapid
// repeated failures update the one context instead of piling up.
type errorContext struct {
	category  string
	lastError string
	firstAt   time.Time
	lastAt    time.Time
	count     uint
}

type serverState struct {
	mu       sync.Mutex
	state    State
	disabled bool
	timer    *clock.Timer
	timerGen uint64
	errCtx   *errorContext
}

// Coordinator drives the per-server reconnect state machine on top of the
// backoff tracker and quality monitor. The transport layer reports outcomes;
// the coordinator decides when the next dial happens and publishes
// EventRetryReady when it is due.
type Coordinator struct {
	cfg     CoordinatorConfig
	logger  log.Log
	bus     bus.EventBus
	clock   clock.Clock
	backoff *Backoff
	quality *QualityMonitor

	servers *xsync.Map[string, *serverState]
	closed  atomic.Bool

	connErrors  atomic.Uint64
	authErrors  atomic.Uint64
	protoErrors atomic.Uint64
}

func NewCoordinator(cfg CoordinatorConfig, logger log.Log, eventBus bus.EventBus, clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		cfg:     cfg,
		logger:  logger,
		bus:     eventBus,
		clock:   clk,
		backoff: NewBackoff(cfg.Backoff, clk),
		quality: NewQualityMonitor(cfg.Quality, clk),
		servers: xsync.NewMap[string, *serverState](),
	}
}

// Backoff exposes the underlying tracker.
func (c *Coordinator) Backoff() *Backoff { return c.backoff }

// Quality exposes the underlying monitor.
func (c *Coordinator) Quality() *QualityMonitor { return c.quality }

func (c *Coordinator) server(serverID string) *serverState {
	s, _ := c.servers.LoadOrCompute(serverID, func() (*serverState, bool) {
		return &serverState{state: StateDisconnected}, false
	})
	return s
}

// StateOf returns the current state for serverID.
func (c *Coordinator) StateOf(serverID string) State {
	s := c.server(serverID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkConnecting records that a dial is in flight for serverID.
func (c *Coordinator) MarkConnecting(serverID string) {
	s := c.server(serverID)
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()
}

// HandleConnected processes a successful connection: backoff resets, the
// quality window records a success, any scheduled retry is cancelled and the
// active error context is cleared.
func (c *Coordinator) HandleConnected(serverID string, latency time.Duration) {
	c.backoff.Reset(serverID)
	c.quality.RecordSuccess(serverID, latency)

	s := c.server(serverID)
	s.mu.Lock()
	s.state = StateConnected
	s.errCtx = nil
	c.cancelTimerLocked(s)
	s.mu.Unlock()

	c.logger.Info("server connected",
		log.String("server_id", serverID),
		log.Duration("latency", latency),
	)
}

// HandleConnectionFailure processes a failed connect or a drop. It schedules
// the next retry unless the server exhausted its budget or reconnection is
// disabled for it. Reporting a failure never returns an error to the caller.
func (c *Coordinator) HandleConnectionFailure(serverID string, err error) {
	if c.closed.Load() {
		return
	}

	c.quality.RecordFailure(serverID, err)
	c.connErrors.Add(1)
	c.touchErrorContext(serverID, "connection", err)

	c.backoff.RecordAttempt(serverID)
	attempt := c.backoff.RetryCount(serverID)
	delay := c.backoff.CalculateDelay(serverID)

	s := c.server(serverID)
	s.mu.Lock()
	s.state = StateDisconnected
	disabled := s.disabled
	s.mu.Unlock()

	if c.backoff.HasExceededMaxAttempts(serverID) {
		c.logger.Warn("retry budget exhausted",
			log.String("server_id", serverID),
			log.Uint("attempts", attempt),
		)
		if c.cfg.FailoverEnabled {
			_ = c.bus.Publish(bus.NewEvent(EventFailoverRequired, serverID, attempt))
		} else {
			_ = c.bus.Publish(bus.NewEvent(EventMaxAttemptsReached, serverID, attempt))
		}
		return
	}

	_ = c.bus.Publish(bus.NewEvent(EventRecoveryAttempt, serverID, RecoveryAttempt{
		ServerID: serverID,
		Attempt:  attempt,
		Delay:    delay,
	}))

	if disabled {
		return
	}
	c.scheduleRetry(serverID, delay)
}

// HandleAuthFailure classifies an authentication failure by reason.
// token_expired is recoverable; invalid or revoked tokens need an operator.
func (c *Coordinator) HandleAuthFailure(serverID string, reason string) {
	if c.closed.Load() {
		return
	}

	c.authErrors.Add(1)
	c.touchErrorContext(serverID, "authentication", hub.ErrAuthenticationFailed)

	switch reason {
	case ReasonTokenExpired:
		c.logger.Warn("token expired, refresh required", log.String("server_id", serverID))
		_ = c.bus.Publish(bus.NewEvent(EventTokenRefreshRequired, serverID, reason))
	case ReasonTokenInvalid, ReasonTokenRevoked:
		c.logger.Error("authentication failure requires intervention",
			log.String("server_id", serverID),
			log.String("reason", reason),
		)
		_ = c.bus.Publish(bus.NewEvent(EventAuthenticationCritical, serverID, reason))
	default:
		c.logger.Warn("authentication failure",
			log.String("server_id", serverID),
			log.String("reason", reason),
		)
	}
}

// HandleProtocolError classifies a protocol error by severity; critical
// errors are surfaced on the bus.
func (c *Coordinator) HandleProtocolError(serverID string, severity Severity, message string) {
	if c.closed.Load() {
		return
	}

	c.protoErrors.Add(1)
	c.touchErrorContext(serverID, "protocol", hub.ErrProtocolViolation)

	if severity == SeverityCritical {
		c.logger.Error("critical protocol error",
			log.String("server_id", serverID),
			log.String("message", message),
		)
		_ = c.bus.Publish(bus.NewEvent(EventCriticalProtocolError, serverID, ProtocolErrorInfo{
			ServerID: serverID,
			Severity: severity,
			Message:  message,
		}))
		return
	}

	c.logger.Warn("protocol error",
		log.String("server_id", serverID),
		log.String("severity", string(severity)),
		log.String("message", message),
	)
}

// CheckQuality re-evaluates a connected server against the quality
// threshold, moving it between Connected and Degraded.
func (c *Coordinator) CheckQuality(serverID string) {
	acceptable := c.quality.IsAcceptable(serverID)

	s := c.server(serverID)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateConnected && !acceptable:
		s.state = StateDegraded
		score := c.quality.Quality(serverID)
		c.logger.Warn("connection quality degraded",
			log.String("server_id", serverID),
			log.Float64("score", score.Score),
		)
		_ = c.bus.Publish(bus.NewEvent(EventQualityDegraded, serverID, score))
	case s.state == StateDegraded && acceptable:
		s.state = StateConnected
	}
}

// SetReconnectEnabled toggles automatic retries for one server. Disabling
// cancels any scheduled retry.
func (c *Coordinator) SetReconnectEnabled(serverID string, enabled bool) {
	s := c.server(serverID)
	s.mu.Lock()
	s.disabled = !enabled
	if !enabled {
		c.cancelTimerLocked(s)
	}
	s.mu.Unlock()
}

// ErrorStats aggregates failure counters and currently-active error
// contexts.
func (c *Coordinator) ErrorStats() ErrorStats {
	stats := ErrorStats{
		Connection:     c.connErrors.Load(),
		Authentication: c.authErrors.Load(),
		Protocol:       c.protoErrors.Load(),
	}
	stats.Total = stats.Connection + stats.Authentication + stats.Protocol

	c.servers.Range(func(_ string, s *serverState) bool {
		s.mu.Lock()
		if s.errCtx != nil {
			stats.ActiveContexts++
		}
		s.mu.Unlock()
		return true
	})
	return stats
}

// Forget drops all reconnect state for a removed server.
func (c *Coordinator) Forget(serverID string) {
	if s, ok := c.servers.Load(serverID); ok {
		s.mu.Lock()
		c.cancelTimerLocked(s)
		s.mu.Unlock()
	}
	c.servers.Delete(serverID)
	c.backoff.Forget(serverID)
	c.quality.Forget(serverID)
}

// Close cancels every scheduled retry across all servers. No retry fires
// after Close returns.
func (c *Coordinator) Close() {
	c.closed.Store(true)
	c.servers.Range(func(_ string, s *serverState) bool {
		s.mu.Lock()
		c.cancelTimerLocked(s)
		s.mu.Unlock()
		return true
	})
}

func (c *Coordinator) scheduleRetry(serverID string, delay time.Duration) {
	s := c.server(serverID)
	s.mu.Lock()
	defer s.mu.Unlock()

	c.cancelTimerLocked(s)
	s.timerGen++
	gen := s.timerGen
	s.timer = c.clock.AfterFunc(delay, func() {
		c.onRetryTimer(serverID, gen)
	})
}

func (c *Coordinator) onRetryTimer(serverID string, gen uint64) {
	if c.closed.Load() {
		return
	}

	s := c.server(serverID)
	s.mu.Lock()
	// A stale generation means the timer was cancelled or superseded
	// between firing and acquiring the lock.
	if gen != s.timerGen || s.disabled {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.state = StateConnecting
	s.mu.Unlock()

	_ = c.bus.Publish(bus.NewEvent(EventRetryReady, serverID, c.backoff.RetryCount(serverID)))
}

// cancelTimerLocked stops a pending retry. Bumping the generation guards
// against a timer that already fired but has not observed the lock yet.
func (c *Coordinator) cancelTimerLocked(s *serverState) {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (c *Coordinator) touchErrorContext(serverID string, category string, err error) {
	s := c.server(serverID)
	now := c.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errCtx == nil {
		s.errCtx = &errorContext{category: category, firstAt: now}
	}
	s.errCtx.category = category
	s.errCtx.lastAt = now
	s.errCtx.count++
	if err != nil {
		s.errCtx.lastError = err.Error()
	}
}
