package security

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhub/relayhub/internal/core/events/bus"
	"github.com/relayhub/relayhub/internal/core/observability/log"
)

func testGateConfig() GateConfig {
	return GateConfig{
		MaxConnectionsPerIP:     3,
		MaxConnectionsPerServer: 2,
		MaxTotalConnections:     10,
		AuthFailure: AuthFailureConfig{
			BaseDelay:              time.Second,
			MaxDelay:               time.Minute,
			BackoffMultiplier:      2.0,
			MaxFailuresBeforeBlock: 5,
			BlockDuration:          15 * time.Minute,
			ResetWindow:            time.Hour,
		},
	}
}

func newTestGate(cfg GateConfig) (*Gate, *AlertManager, *clock.Mock) {
	mock := clock.NewMock()
	alerts := NewAlertManager(AlertManagerConfig{MaxAlerts: 100}, log.NewNop(), bus.New(), mock)
	return NewGate(cfg, log.NewNop(), alerts, mock), alerts, mock
}

func TestPerIPLimitExactness(t *testing.T) {
	g, _, _ := newTestGate(testGateConfig())

	for i := 0; i < 3; i++ {
		d := g.CheckConnectionAllowed(fmt.Sprintf("s%d", i), "1.2.3.4")
		require.True(t, d.Allowed)
		g.RegisterConnection(fmt.Sprintf("c%d", i), fmt.Sprintf("s%d", i), "1.2.3.4")
	}

	d := g.CheckConnectionAllowed("s9", "1.2.3.4")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "address")
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// another IP is unaffected
	assert.True(t, g.CheckConnectionAllowed("s9", "5.6.7.8").Allowed)

	// unregistering one restores admission
	g.UnregisterConnection("c0")
	assert.True(t, g.CheckConnectionAllowed("s9", "1.2.3.4").Allowed)
}

func TestPerServerLimit(t *testing.T) {
	g, _, _ := newTestGate(testGateConfig())

	g.RegisterConnection("c1", "s1", "1.1.1.1")
	g.RegisterConnection("c2", "s1", "2.2.2.2")

	d := g.CheckConnectionAllowed("s1", "3.3.3.3")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "server")

	assert.True(t, g.CheckConnectionAllowed("s2", "3.3.3.3").Allowed)
}

func TestGlobalLimit(t *testing.T) {
	cfg := testGateConfig()
	cfg.MaxConnectionsPerIP = 100
	cfg.MaxConnectionsPerServer = 100
	cfg.MaxTotalConnections = 4
	g, _, _ := newTestGate(cfg)

	for i := 0; i < 4; i++ {
		g.RegisterConnection(fmt.Sprintf("c%d", i), "s1", fmt.Sprintf("10.0.0.%d", i))
	}
	d := g.CheckConnectionAllowed("s2", "10.0.1.1")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "global")
	assert.Equal(t, 4, g.ConnectionCount())
}

func TestLimitOrderIPFirst(t *testing.T) {
	// when both the per-IP and per-server limits are hit, the per-IP
	// reason wins
	cfg := testGateConfig()
	cfg.MaxConnectionsPerIP = 1
	cfg.MaxConnectionsPerServer = 1
	g, _, _ := newTestGate(cfg)

	g.RegisterConnection("c1", "s1", "1.2.3.4")
	d := g.CheckConnectionAllowed("s1", "1.2.3.4")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "address")
}

func TestDuplicateRegisterIgnored(t *testing.T) {
	g, _, _ := newTestGate(testGateConfig())
	g.RegisterConnection("c1", "s1", "1.2.3.4")
	g.RegisterConnection("c1", "s1", "1.2.3.4")
	assert.Equal(t, 1, g.ConnectionCount())
}

func TestAuthProgressiveDelay(t *testing.T) {
	g, _, mock := newTestGate(testGateConfig())

	require.True(t, g.CheckAuthenticationAllowed("s1", "1.2.3.4").Allowed)

	g.RecordAuthenticationFailure("s1", "1.2.3.4")
	d := g.CheckAuthenticationAllowed("s1", "1.2.3.4")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	mock.Add(time.Second)
	assert.True(t, g.CheckAuthenticationAllowed("s1", "1.2.3.4").Allowed)

	// second failure doubles the delay
	g.RecordAuthenticationFailure("s1", "1.2.3.4")
	d = g.CheckAuthenticationAllowed("s1", "1.2.3.4")
	assert.False(t, d.Allowed)
	assert.Equal(t, 2*time.Second, d.RetryAfter)
}

func TestAuthBlockAfterThreshold(t *testing.T) {
	g, alerts, mock := newTestGate(testGateConfig())

	for i := 0; i < 5; i++ {
		g.RecordAuthenticationFailure("s1", "1.2.3.4")
		mock.Add(time.Hour / 2) // stay inside the reset window
	}

	d := g.CheckAuthenticationAllowed("s1", "1.2.3.4")
	assert.False(t, d.Allowed)
	assert.Contains(t, strings.ToLower(d.Reason), "blocked")
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// the block outlasts the progressive delay
	mock.Add(time.Minute)
	assert.False(t, g.CheckAuthenticationAllowed("s1", "1.2.3.4").Allowed)

	// a different pair is unaffected
	assert.True(t, g.CheckAuthenticationAllowed("s2", "1.2.3.4").Allowed)
	assert.True(t, g.CheckAuthenticationAllowed("s1", "9.9.9.9").Allowed)

	blocks := alerts.Query(AlertFilter{Type: AlertTypeAuthBlock})
	require.Len(t, blocks, 1)
	assert.Equal(t, SeverityHigh, blocks[0].Severity)
}

func TestAuthSuccessClearsRecord(t *testing.T) {
	g, _, _ := newTestGate(testGateConfig())

	for i := 0; i < 5; i++ {
		g.RecordAuthenticationFailure("s1", "1.2.3.4")
	}
	require.False(t, g.CheckAuthenticationAllowed("s1", "1.2.3.4").Allowed)

	g.RecordAuthenticationSuccess("s1", "1.2.3.4")
	assert.True(t, g.CheckAuthenticationAllowed("s1", "1.2.3.4").Allowed)
}

func TestAuthRecordExpiresAfterResetWindow(t *testing.T) {
	g, _, mock := newTestGate(testGateConfig())

	g.RecordAuthenticationFailure("s1", "1.2.3.4")
	g.RecordAuthenticationFailure("s1", "1.2.3.4")
	mock.Add(time.Hour)
	assert.True(t, g.CheckAuthenticationAllowed("s1", "1.2.3.4").Allowed)

	// the expired record is gone, so the next failure starts from one
	g.RecordAuthenticationFailure("s1", "1.2.3.4")
	d := g.CheckAuthenticationAllowed("s1", "1.2.3.4")
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestCleanupPrunesOnlyExpired(t *testing.T) {
	g, _, mock := newTestGate(testGateConfig())

	g.RecordAuthenticationFailure("s1", "1.1.1.1")
	mock.Add(30 * time.Minute)
	g.RecordAuthenticationFailure("s2", "2.2.2.2")
	mock.Add(30 * time.Minute) // first record now at reset window, second halfway

	g.Cleanup()

	// the pruned pair starts from scratch
	g.RecordAuthenticationFailure("s1", "1.1.1.1")
	assert.Equal(t, time.Second, g.CheckAuthenticationAllowed("s1", "1.1.1.1").RetryAfter)

	// the surviving pair keeps accruing
	g.RecordAuthenticationFailure("s2", "2.2.2.2")
	assert.Equal(t, 2*time.Second, g.CheckAuthenticationAllowed("s2", "2.2.2.2").RetryAfter)
}

func TestCleanupPrunesStaleConnections(t *testing.T) {
	cfg := testGateConfig()
	cfg.ConnectionTTL = time.Hour
	g, _, mock := newTestGate(cfg)

	g.RegisterConnection("old", "s1", "1.2.3.4")
	mock.Add(30 * time.Minute)
	g.RegisterConnection("fresh", "s1", "1.2.3.4")
	mock.Add(30 * time.Minute)

	g.Cleanup()
	assert.Equal(t, 1, g.ConnectionCount())
}

func TestConnectionLimitRaisesMediumAlert(t *testing.T) {
	cfg := testGateConfig()
	cfg.MaxConnectionsPerIP = 1
	g, alerts, _ := newTestGate(cfg)

	g.RegisterConnection("c1", "s1", "1.2.3.4")
	_ = g.CheckConnectionAllowed("s2", "1.2.3.4")

	raised := alerts.Query(AlertFilter{Type: AlertTypeConnectionLimit})
	require.Len(t, raised, 1)
	assert.Equal(t, SeverityMedium, raised[0].Severity)
	assert.Equal(t, "1.2.3.4", raised[0].Source.IP)
}

func TestBruteForceScenario(t *testing.T) {
	// 5 failures with maxFailuresBeforeBlock=5: the 6th check is blocked
	g, _, _ := newTestGate(testGateConfig())

	for i := 0; i < 5; i++ {
		g.RecordAuthenticationFailure("s1", "1.2.3.4")
	}
	d := g.CheckAuthenticationAllowed("s1", "1.2.3.4")
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "blocked")
}
