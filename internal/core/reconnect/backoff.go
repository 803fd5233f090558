package reconnect

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v4"
)

// BackoffConfig shapes exponential reconnect backoff.
type BackoffConfig struct {
	MaxRetryAttempts uint
	BaseInterval     time.Duration
	MaxInterval      time.Duration
	Multiplier       float64
	JitterEnabled    bool
	JitterFactor     float64 // fraction of the delay, in [0,1)
}

type backoffState struct {
	mu            sync.Mutex
	attempts      uint
	lastAttemptAt time.Time
}

// Backoff tracks reconnect attempts per serverId. Keys are fully isolated:
// recording or resetting one server never touches another.
type Backoff struct {
	cfg    BackoffConfig
	clock  clock.Clock
	states *xsync.Map[string, *backoffState]

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewBackoff(cfg BackoffConfig, clk clock.Clock) *Backoff {
	if clk == nil {
		clk = clock.New()
	}
	return &Backoff{
		cfg:    cfg,
		clock:  clk,
		states: xsync.NewMap[string, *backoffState](),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *Backoff) state(serverID string) *backoffState {
	s, _ := b.states.LoadOrCompute(serverID, func() (*backoffState, bool) {
		return &backoffState{}, false
	})
	return s
}

// CalculateDelay returns the delay for the current attempt count without
// mutating it.
func (b *Backoff) CalculateDelay(serverID string) time.Duration {
	s := b.state(serverID)
	s.mu.Lock()
	attempts := s.attempts
	s.mu.Unlock()

	delay := DelayForAttempt(b.cfg, attempts)
	if b.cfg.JitterEnabled && b.cfg.JitterFactor > 0 {
		delay = b.jitter(delay)
	}
	return delay
}

// RecordAttempt increments the attempt count for serverID. It is the only
// mutator besides Reset.
func (b *Backoff) RecordAttempt(serverID string) {
	s := b.state(serverID)
	s.mu.Lock()
	s.attempts++
	s.lastAttemptAt = b.clock.Now()
	s.mu.Unlock()
}

// Reset zeroes the attempt count for serverID only.
func (b *Backoff) Reset(serverID string) {
	s := b.state(serverID)
	s.mu.Lock()
	s.attempts = 0
	s.lastAttemptAt = time.Time{}
	s.mu.Unlock()
}

// RetryCount returns the recorded attempt count for serverID.
func (b *Backoff) RetryCount(serverID string) uint {
	s := b.state(serverID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// HasExceededMaxAttempts reports whether serverID reached the retry budget.
func (b *Backoff) HasExceededMaxAttempts(serverID string) bool {
	return b.RetryCount(serverID) >= b.cfg.MaxRetryAttempts
}

// LastAttemptAt returns when serverID last recorded an attempt, zero if never.
func (b *Backoff) LastAttemptAt(serverID string) time.Time {
	s := b.state(serverID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAttemptAt
}

// Forget drops all state for serverID. Called when a server is removed.
func (b *Backoff) Forget(serverID string) {
	b.states.Delete(serverID)
}

func (b *Backoff) jitter(delay time.Duration) time.Duration {
	b.rngMu.Lock()
	f := b.rng.Float64()
	b.rngMu.Unlock()

	// perturbation in [-factor, +factor]
	scale := 1 + (f*2-1)*b.cfg.JitterFactor
	jittered := time.Duration(float64(delay) * scale)
	if jittered > b.cfg.MaxInterval {
		jittered = b.cfg.MaxInterval
	}
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}

// DelayForAttempt computes min(base * multiplier^attempt, max) without
// jitter. attempt is the 0-indexed count before increment.
func DelayForAttempt(cfg BackoffConfig, attempt uint) time.Duration {
	delay := float64(cfg.BaseInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxInterval) || math.IsInf(delay, 1) {
		return cfg.MaxInterval
	}
	return time.Duration(delay)
}
