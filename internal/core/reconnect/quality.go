package reconnect

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v4"
)

// QualityConfig shapes connection-quality scoring.
type QualityConfig struct {
	WindowSize       int           // samples retained per server
	QualityThreshold float64       // minimum acceptable score, [0,100]
	LatencyThreshold time.Duration // latency above this is penalized
}

// Sample is a single connection outcome.
type Sample struct {
	Success bool
	Latency time.Duration
	At      time.Time
}

// Score is derived from the rolling sample window, never stored.
type Score struct {
	SuccessRate  float64
	AvgLatency   time.Duration
	FailureCount uint
	Score        float64
}

type sampleWindow struct {
	mu      sync.Mutex
	samples []Sample
	next    int
	full    bool
}

// QualityMonitor keeps a bounded rolling window of connection outcomes per
// serverId and derives a 0-100 score from it.
type QualityMonitor struct {
	cfg     QualityConfig
	clock   clock.Clock
	windows *xsync.Map[string, *sampleWindow]
}

func NewQualityMonitor(cfg QualityConfig, clk clock.Clock) *QualityMonitor {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 50
	}
	return &QualityMonitor{
		cfg:     cfg,
		clock:   clk,
		windows: xsync.NewMap[string, *sampleWindow](),
	}
}

func (m *QualityMonitor) window(serverID string) *sampleWindow {
	w, _ := m.windows.LoadOrCompute(serverID, func() (*sampleWindow, bool) {
		return &sampleWindow{samples: make([]Sample, m.cfg.WindowSize)}, false
	})
	return w
}

// RecordSuccess records a successful operation with its observed latency.
func (m *QualityMonitor) RecordSuccess(serverID string, latency time.Duration) {
	m.record(serverID, Sample{Success: true, Latency: latency, At: m.clock.Now()})
}

// RecordFailure records a failed operation. The error is accepted for
// symmetry with the transport callbacks; only the outcome enters the window.
func (m *QualityMonitor) RecordFailure(serverID string, _ error) {
	m.record(serverID, Sample{Success: false, At: m.clock.Now()})
}

func (m *QualityMonitor) record(serverID string, s Sample) {
	w := m.window(serverID)
	w.mu.Lock()
	w.samples[w.next] = s
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
	w.mu.Unlock()
}

// Quality derives the current score for serverID from its sample window.
func (m *QualityMonitor) Quality(serverID string) Score {
	w := m.window(serverID)
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	samples := make([]Sample, n)
	if w.full {
		copy(samples, w.samples)
	} else {
		copy(samples, w.samples[:n])
	}
	w.mu.Unlock()

	return ComputeScore(samples, m.cfg.LatencyThreshold)
}

// IsAcceptable reports whether serverID's score meets the configured
// threshold.
func (m *QualityMonitor) IsAcceptable(serverID string) bool {
	return m.Quality(serverID).Score >= m.cfg.QualityThreshold
}

// Forget drops the sample window for serverID.
func (m *QualityMonitor) Forget(serverID string) {
	m.windows.Delete(serverID)
}

// ComputeScore derives a Score from a sample sequence. Deterministic for a
// given sequence. Weighting: success rate dominates (80 points); latency
// under the threshold earns up to 20 bonus points, latency over it costs a
// flat 15 regardless of success rate. The bonus is withheld while the
// success rate is under 0.3 so that persistent failures cannot be masked by
// fast responses.
func ComputeScore(samples []Sample, latencyThreshold time.Duration) Score {
	if len(samples) == 0 {
		// no evidence yet: treat as healthy
		return Score{SuccessRate: 1, Score: 100}
	}

	var successes, failures uint
	var latencySum time.Duration
	for _, s := range samples {
		if s.Success {
			successes++
			latencySum += s.Latency
		} else {
			failures++
		}
	}

	rate := float64(successes) / float64(len(samples))
	var avgLatency time.Duration
	if successes > 0 {
		avgLatency = latencySum / time.Duration(successes)
	}

	score := rate * 80

	if rate >= 0.3 && latencyThreshold > 0 {
		headroom := 1 - float64(avgLatency)/float64(latencyThreshold)
		if headroom < 0 {
			headroom = 0
		}
		if headroom > 1 {
			headroom = 1
		}
		score += 20 * headroom
	}
	if latencyThreshold > 0 && avgLatency > latencyThreshold {
		score -= 15
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return Score{
		SuccessRate:  rate,
		AvgLatency:   avgLatency,
		FailureCount: failures,
		Score:        score,
	}
}
