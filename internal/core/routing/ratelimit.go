package routing

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
)

const rateShardCount = 16 // power of two

// routeRateState is the fixed-window counter for one route.
type routeRateState struct {
	windowStart time.Time
	count       int
}

type rateShard struct {
	mu     sync.Mutex
	states map[string]*routeRateState
}

// RateLimiter enforces per-route fixed windows. Routes are sharded by key
// hash so unrelated routes never contend on one lock.
type RateLimiter struct {
	clock  clock.Clock
	shards [rateShardCount]*rateShard
}

func NewRateLimiter(clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	l := &RateLimiter{clock: clk}
	for i := range l.shards {
		l.shards[i] = &rateShard{states: make(map[string]*routeRateState)}
	}
	return l
}

func (l *RateLimiter) shard(key string) *rateShard {
	return l.shards[xxhash.Sum64String(key)&(rateShardCount-1)]
}

// Allow consumes one slot for the route if the window has room. The window
// resets only once its full duration has elapsed since it started.
func (l *RateLimiter) Allow(key string, limit RateLimit) bool {
	if limit.MaxMessages <= 0 || limit.Window <= 0 {
		return true
	}

	now := l.clock.Now()
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[key]
	if !ok {
		state = &routeRateState{windowStart: now}
		s.states[key] = state
	}

	if now.Sub(state.windowStart) >= limit.Window {
		state.windowStart = now
		state.count = 0
	}

	if state.count >= limit.MaxMessages {
		return false
	}
	state.count++
	return true
}

// Prune drops route states idle longer than maxIdle.
func (l *RateLimiter) Prune(maxIdle time.Duration) {
	now := l.clock.Now()
	for _, s := range l.shards {
		s.mu.Lock()
		for key, state := range s.states {
			if now.Sub(state.windowStart) >= maxIdle {
				delete(s.states, key)
			}
		}
		s.mu.Unlock()
	}
}
