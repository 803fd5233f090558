package security

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/relayhub/relayhub/internal/core/observability/log"
)

// Decision is the structured outcome of an admission or authentication
// check. Rejections are results, never errors, so callers can act on
// RetryAfter directly.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string, retryAfter time.Duration) Decision {
	return Decision{Allowed: false, Reason: reason, RetryAfter: retryAfter}
}

// AuthFailureConfig shapes progressive authentication-failure throttling.
// Same exponential shape as reconnect backoff, independent instance.
type AuthFailureConfig struct {
	BaseDelay              time.Duration
	MaxDelay               time.Duration
	BackoffMultiplier      float64
	MaxFailuresBeforeBlock uint
	BlockDuration          time.Duration
	ResetWindow            time.Duration
}

// GateConfig tunes connection admission.
type GateConfig struct {
	MaxConnectionsPerIP     int
	MaxConnectionsPerServer int
	MaxTotalConnections     int

	// fixed retry hints per limit class
	RetryAfterIPLimit     time.Duration
	RetryAfterServerLimit time.Duration
	RetryAfterGlobalLimit time.Duration

	AuthFailure AuthFailureConfig

	// stale connection records older than this are pruned by Cleanup;
	// zero disables pruning
	ConnectionTTL time.Duration
}

func (c *GateConfig) applyDefaults() {
	if c.RetryAfterIPLimit <= 0 {
		c.RetryAfterIPLimit = 30 * time.Second
	}
	if c.RetryAfterServerLimit <= 0 {
		c.RetryAfterServerLimit = time.Minute
	}
	if c.RetryAfterGlobalLimit <= 0 {
		c.RetryAfterGlobalLimit = 2 * time.Minute
	}
}

// ConnectionRecord tracks one registered connection from registration to
// unregistration.
type ConnectionRecord struct {
	ConnectionID string
	ServerID     string
	IP           string
	RegisteredAt time.Time
}

type authFailureRecord struct {
	mu             sync.Mutex
	failures       uint
	firstFailureAt time.Time
	lastFailureAt  time.Time
	nextAllowedAt  time.Time
	blockedUntil   time.Time
}

// Gate is the hub's connection security gate: exact admission counters per
// IP, per server and globally, plus progressive authentication-failure
// throttling with hard blocking.
type Gate struct {
	cfg    GateConfig
	logger log.Log
	clock  clock.Clock
	alerts *AlertManager

	// connection bookkeeping; counts are exact, maintained on
	// register/unregister only
	connMu      sync.Mutex
	connections map[string]ConnectionRecord
	perIP       map[string]int
	perServer   map[string]int
	total       int

	authFailures *xsync.Map[string, *authFailureRecord]
}

func NewGate(cfg GateConfig, logger log.Log, alerts *AlertManager, clk clock.Clock) *Gate {
	if clk == nil {
		clk = clock.New()
	}
	cfg.applyDefaults()
	return &Gate{
		cfg:          cfg,
		logger:       logger,
		clock:        clk,
		alerts:       alerts,
		connections:  make(map[string]ConnectionRecord),
		perIP:        make(map[string]int),
		perServer:    make(map[string]int),
		authFailures: xsync.NewMap[string, *authFailureRecord](),
	}
}

// CheckConnectionAllowed checks the three admission counters in order:
// per-IP, per-server, global. The first violated limit determines the
// rejection reason and retry hint.
func (g *Gate) CheckConnectionAllowed(serverID, ip string) Decision {
	g.connMu.Lock()
	perIP := g.perIP[ip]
	perServer := g.perServer[serverID]
	total := g.total
	g.connMu.Unlock()

	switch {
	case perIP >= g.cfg.MaxConnectionsPerIP:
		g.alerts.Raise(AlertTypeConnectionLimit, SeverityMedium,
			AlertSource{IP: ip, ServerID: serverID},
			fmt.Sprintf("per-ip connection limit reached (%d)", g.cfg.MaxConnectionsPerIP))
		return deny("too many connections from this address", g.cfg.RetryAfterIPLimit)
	case perServer >= g.cfg.MaxConnectionsPerServer:
		g.alerts.Raise(AlertTypeConnectionLimit, SeverityMedium,
			AlertSource{IP: ip, ServerID: serverID},
			fmt.Sprintf("per-server connection limit reached (%d)", g.cfg.MaxConnectionsPerServer))
		return deny("too many connections for this server", g.cfg.RetryAfterServerLimit)
	case total >= g.cfg.MaxTotalConnections:
		g.alerts.Raise(AlertTypeConnectionLimit, SeverityMedium,
			AlertSource{IP: ip, ServerID: serverID},
			fmt.Sprintf("global connection limit reached (%d)", g.cfg.MaxTotalConnections))
		return deny("global connection limit reached", g.cfg.RetryAfterGlobalLimit)
	}
	return allow()
}

// RegisterConnection records an admitted connection and bumps the exact
// counters.
func (g *Gate) RegisterConnection(connectionID, serverID, ip string) {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	if _, exists := g.connections[connectionID]; exists {
		return
	}
	g.connections[connectionID] = ConnectionRecord{
		ConnectionID: connectionID,
		ServerID:     serverID,
		IP:           ip,
		RegisteredAt: g.clock.Now(),
	}
	g.perIP[ip]++
	g.perServer[serverID]++
	g.total++
}

// UnregisterConnection removes a connection record and decrements the
// counters.
func (g *Gate) UnregisterConnection(connectionID string) {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	g.removeConnectionLocked(connectionID)
}

func (g *Gate) removeConnectionLocked(connectionID string) {
	rec, exists := g.connections[connectionID]
	if !exists {
		return
	}
	delete(g.connections, connectionID)
	if g.perIP[rec.IP]--; g.perIP[rec.IP] <= 0 {
		delete(g.perIP, rec.IP)
	}
	if g.perServer[rec.ServerID]--; g.perServer[rec.ServerID] <= 0 {
		delete(g.perServer, rec.ServerID)
	}
	g.total--
}

// ConnectionCount returns the exact number of registered connections.
func (g *Gate) ConnectionCount() int {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return g.total
}

func authKey(ip, serverID string) string {
	return ip + "|" + serverID
}

// CheckAuthenticationAllowed reports whether an (ip, serverId) pair may
// attempt authentication right now.
func (g *Gate) CheckAuthenticationAllowed(serverID, ip string) Decision {
	rec, ok := g.authFailures.Load(authKey(ip, serverID))
	if !ok {
		return allow()
	}

	now := g.clock.Now()
	rec.mu.Lock()
	defer rec.mu.Unlock()

	// stale record: reset window elapsed since the last failure
	if !rec.blockedUntil.After(now) && now.Sub(rec.lastFailureAt) >= g.cfg.AuthFailure.ResetWindow {
		g.authFailures.Delete(authKey(ip, serverID))
		return allow()
	}
	if rec.blockedUntil.After(now) {
		return deny("authentication blocked", rec.blockedUntil.Sub(now))
	}
	if rec.nextAllowedAt.After(now) {
		return deny("authentication throttled", rec.nextAllowedAt.Sub(now))
	}
	return allow()
}

// RecordAuthenticationFailure accrues a failure for the pair, extending the
// progressive delay and hard-blocking once the threshold is reached.
func (g *Gate) RecordAuthenticationFailure(serverID, ip string) {
	key := authKey(ip, serverID)
	rec, _ := g.authFailures.LoadOrCompute(key, func() (*authFailureRecord, bool) {
		return &authFailureRecord{}, false
	})

	now := g.clock.Now()
	rec.mu.Lock()
	if rec.failures == 0 {
		rec.firstFailureAt = now
	}
	rec.failures++
	rec.lastFailureAt = now
	rec.nextAllowedAt = now.Add(authDelay(g.cfg.AuthFailure, rec.failures))

	blocked := rec.failures >= g.cfg.AuthFailure.MaxFailuresBeforeBlock
	if blocked {
		rec.blockedUntil = now.Add(g.cfg.AuthFailure.BlockDuration)
	}
	failures := rec.failures
	rec.mu.Unlock()

	if blocked {
		g.alerts.Raise(AlertTypeAuthBlock, SeverityHigh,
			AlertSource{IP: ip, ServerID: serverID},
			fmt.Sprintf("blocked after %d authentication failures", failures))
	} else {
		g.logger.Debug("authentication failure recorded",
			log.String("ip", ip),
			log.String("server_id", serverID),
			log.Uint("failures", failures),
		)
	}
}

// RecordAuthenticationSuccess clears the failure record for the pair
// entirely: the count resets and any block lifts.
func (g *Gate) RecordAuthenticationSuccess(serverID, ip string) {
	g.authFailures.Delete(authKey(ip, serverID))
}

// Cleanup prunes expired auth-failure records and, when ConnectionTTL is
// set, stale connection records. An unexpired record is never pruned.
func (g *Gate) Cleanup() {
	now := g.clock.Now()

	g.authFailures.Range(func(key string, rec *authFailureRecord) bool {
		rec.mu.Lock()
		expired := !rec.blockedUntil.After(now) &&
			now.Sub(rec.lastFailureAt) >= g.cfg.AuthFailure.ResetWindow
		rec.mu.Unlock()
		if expired {
			g.authFailures.Delete(key)
		}
		return true
	})

	if g.cfg.ConnectionTTL <= 0 {
		return
	}
	g.connMu.Lock()
	for id, rec := range g.connections {
		if now.Sub(rec.RegisteredAt) >= g.cfg.ConnectionTTL {
			g.removeConnectionLocked(id)
		}
	}
	g.connMu.Unlock()
}

// authDelay computes the progressive delay after the n-th failure,
// min(base * multiplier^(n-1), max).
func authDelay(cfg AuthFailureConfig, failures uint) time.Duration {
	if failures == 0 {
		return 0
	}
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(failures-1))
	if delay > float64(cfg.MaxDelay) || math.IsInf(delay, 1) {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}
