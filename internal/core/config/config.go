package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relayhub/relayhub/internal/core/hub"
)

// Config holds hub configuration
type Config struct {
	// Network settings
	ListenAddr string `yaml:"listen_addr"`
	Transport  string `yaml:"transport"` // "websocket" or "quic"

	Reconnect ReconnectConfig `yaml:"reconnect"`
	Security  SecurityConfig  `yaml:"security"`
	Queue     QueueConfig     `yaml:"queue"`
	Routing   RoutingConfig   `yaml:"routing"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// ReconnectConfig tunes the backoff tracker, quality monitor and coordinator
type ReconnectConfig struct {
	MaxRetryAttempts             uint          `yaml:"max_retry_attempts"`
	BaseRetryInterval            time.Duration `yaml:"base_retry_interval"`
	MaxRetryInterval             time.Duration `yaml:"max_retry_interval"`
	ExponentialBackoffMultiplier float64       `yaml:"exponential_backoff_multiplier"`
	JitterEnabled                bool          `yaml:"jitter_enabled"`
	JitterFactor                 float64       `yaml:"jitter_factor"`

	ConnectionQualityThreshold float64       `yaml:"connection_quality_threshold"`
	LatencyThreshold           time.Duration `yaml:"latency_threshold"`
	QualityWindowSize          int           `yaml:"quality_window_size"`

	FailoverEnabled bool `yaml:"failover_enabled"`
}

// SecurityConfig tunes connection admission and authentication throttling
type SecurityConfig struct {
	MaxConnectionsPerIP     int `yaml:"max_connections_per_ip"`
	MaxConnectionsPerServer int `yaml:"max_connections_per_server"`
	MaxTotalConnections     int `yaml:"max_total_connections"`

	AuthFailureHandling AuthFailureConfig `yaml:"auth_failure_handling"`

	AlertRetention  time.Duration `yaml:"alert_retention"`
	MaxAlerts       int           `yaml:"max_alerts"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// AuthFailureConfig shapes progressive authentication-failure throttling
type AuthFailureConfig struct {
	BaseDelay              time.Duration `yaml:"base_delay"`
	MaxDelay               time.Duration `yaml:"max_delay"`
	BackoffMultiplier      float64       `yaml:"backoff_multiplier"`
	MaxFailuresBeforeBlock uint          `yaml:"max_failures_before_block"`
	BlockDuration          time.Duration `yaml:"block_duration"`
	ResetWindow            time.Duration `yaml:"reset_window"`
}

// QueueConfig tunes the offline operation queue
type QueueConfig struct {
	ExecuteTimeout time.Duration `yaml:"execute_timeout"`
	MirrorPending  bool          `yaml:"mirror_pending"`
}

// RoutingConfig carries router-wide defaults; per-binding rate limits
// override DefaultRateLimit.
type RoutingConfig struct {
	DefaultRateLimit RateLimitConfig `yaml:"default_rate_limit"`
}

// RateLimitConfig is a fixed-window message budget for one route
type RateLimitConfig struct {
	MaxMessages int           `yaml:"max_messages"`
	Window      time.Duration `yaml:"window"`
}

// Default returns the default hub configuration
func Default() Config {
	return Config{
		ListenAddr: ":8420",
		Transport:  "websocket",
		Reconnect: ReconnectConfig{
			MaxRetryAttempts:             10,
			BaseRetryInterval:            time.Second,
			MaxRetryInterval:             5 * time.Minute,
			ExponentialBackoffMultiplier: 2.0,
			JitterEnabled:                true,
			JitterFactor:                 0.2,
			ConnectionQualityThreshold:   50,
			LatencyThreshold:             2 * time.Second,
			QualityWindowSize:            50,
			FailoverEnabled:              false,
		},
		Security: SecurityConfig{
			MaxConnectionsPerIP:     5,
			MaxConnectionsPerServer: 3,
			MaxTotalConnections:     500,
			AuthFailureHandling: AuthFailureConfig{
				BaseDelay:              time.Second,
				MaxDelay:               time.Minute,
				BackoffMultiplier:      2.0,
				MaxFailuresBeforeBlock: 5,
				BlockDuration:          15 * time.Minute,
				ResetWindow:            time.Hour,
			},
			AlertRetention:  24 * time.Hour,
			MaxAlerts:       1000,
			CleanupInterval: time.Minute,
		},
		Queue: QueueConfig{
			ExecuteTimeout: 10 * time.Second,
			MirrorPending:  true,
		},
		Routing: RoutingConfig{
			DefaultRateLimit: RateLimitConfig{
				MaxMessages: 30,
				Window:      time.Minute,
			},
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the hub cannot run with
func (c Config) Validate() error {
	if c.Transport != "websocket" && c.Transport != "quic" {
		return hub.WrapError(hub.ErrInvalidConfig, fmt.Sprintf("unknown transport %q", c.Transport))
	}
	if c.Reconnect.BaseRetryInterval <= 0 {
		return hub.WrapError(hub.ErrInvalidConfig, "base_retry_interval must be positive")
	}
	if c.Reconnect.MaxRetryInterval < c.Reconnect.BaseRetryInterval {
		return hub.WrapError(hub.ErrInvalidConfig, "max_retry_interval below base_retry_interval")
	}
	if c.Reconnect.ExponentialBackoffMultiplier < 1 {
		return hub.WrapError(hub.ErrInvalidConfig, "exponential_backoff_multiplier must be >= 1")
	}
	if c.Reconnect.JitterFactor < 0 || c.Reconnect.JitterFactor >= 1 {
		return hub.WrapError(hub.ErrInvalidConfig, "jitter_factor must be in [0,1)")
	}
	if c.Reconnect.ConnectionQualityThreshold < 0 || c.Reconnect.ConnectionQualityThreshold > 100 {
		return hub.WrapError(hub.ErrInvalidConfig, "connection_quality_threshold must be in [0,100]")
	}
	if c.Security.MaxConnectionsPerIP <= 0 || c.Security.MaxConnectionsPerServer <= 0 || c.Security.MaxTotalConnections <= 0 {
		return hub.WrapError(hub.ErrInvalidConfig, "connection limits must be positive")
	}
	af := c.Security.AuthFailureHandling
	if af.BaseDelay <= 0 || af.MaxDelay < af.BaseDelay || af.BackoffMultiplier < 1 {
		return hub.WrapError(hub.ErrInvalidConfig, "auth failure backoff misconfigured")
	}
	if af.MaxFailuresBeforeBlock == 0 || af.BlockDuration <= 0 || af.ResetWindow <= 0 {
		return hub.WrapError(hub.ErrInvalidConfig, "auth failure blocking misconfigured")
	}
	if c.Routing.DefaultRateLimit.MaxMessages <= 0 || c.Routing.DefaultRateLimit.Window <= 0 {
		return hub.WrapError(hub.ErrInvalidConfig, "default rate limit misconfigured")
	}
	return nil
}
