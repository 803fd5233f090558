package security

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/relayhub/relayhub/internal/core/events/bus"
	"github.com/relayhub/relayhub/internal/core/observability/log"
)

// EventSecurityAlert is published for every raised alert.
const EventSecurityAlert = "security.alert"

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Alert types raised by the gate.
const (
	AlertTypeConnectionLimit = "connection_limit"
	AlertTypeAuthBlock       = "auth_block"
)

// AlertSource identifies what triggered an alert. Fields are optional.
type AlertSource struct {
	IP       string
	ServerID string
	UserID   string
}

// Alert is immutable once created except for acknowledgement.
type Alert struct {
	ID             string
	Type           string
	Severity       AlertSeverity
	Source         AlertSource
	Details        string
	CreatedAt      time.Time
	AcknowledgedBy string
	AcknowledgedAt time.Time
}

// Acknowledged reports whether an operator has seen the alert.
func (a *Alert) Acknowledged() bool {
	return a.AcknowledgedBy != ""
}

// AlertFilter narrows a Query. Zero values match everything.
type AlertFilter struct {
	Type         string
	Severity     AlertSeverity
	Acknowledged *bool
}

// AlertManagerConfig bounds alert retention.
type AlertManagerConfig struct {
	MaxAlerts int
	Retention time.Duration
}

// AlertManager stores raised alerts with bounded retention and publishes
// them on the bus.
type AlertManager struct {
	logger log.Log
	bus    bus.EventBus
	clock  clock.Clock

	mu     sync.Mutex
	alerts *expirable.LRU[string, *Alert]
}

func NewAlertManager(cfg AlertManagerConfig, logger log.Log, eventBus bus.EventBus, clk clock.Clock) *AlertManager {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = 1000
	}
	return &AlertManager{
		logger: logger,
		bus:    eventBus,
		clock:  clk,
		alerts: expirable.NewLRU[string, *Alert](cfg.MaxAlerts, nil, cfg.Retention),
	}
}

// Raise creates, stores and publishes a new alert.
func (m *AlertManager) Raise(alertType string, severity AlertSeverity, source AlertSource, details string) *Alert {
	alert := &Alert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Severity:  severity,
		Source:    source,
		Details:   details,
		CreatedAt: m.clock.Now(),
	}

	m.mu.Lock()
	m.alerts.Add(alert.ID, alert)
	m.mu.Unlock()

	m.logger.Warn("security alert",
		log.String("alert_id", alert.ID),
		log.String("type", alertType),
		log.String("severity", string(severity)),
		log.String("ip", source.IP),
		log.String("server_id", source.ServerID),
		log.String("details", details),
	)
	_ = m.bus.Publish(bus.NewEvent(EventSecurityAlert, source.ServerID, alert))
	return alert
}

// Query returns alerts matching the filter, newest retention order.
func (m *AlertManager) Query(filter AlertFilter) []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Alert
	for _, a := range m.alerts.Values() {
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.Acknowledged != nil && a.Acknowledged() != *filter.Acknowledged {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Get returns the alert with the given ID, nil if unknown or expired.
func (m *AlertManager) Get(id string) *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, _ := m.alerts.Peek(id)
	return a
}

// Acknowledge marks an alert as seen by an operator. Acknowledging twice is
// not an error; only the first acknowledgement is recorded. Returns false
// when the alert is unknown.
func (m *AlertManager) Acknowledge(id string, operator string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts.Peek(id)
	if !ok {
		return false
	}
	if a.Acknowledged() {
		return true
	}
	a.AcknowledgedBy = operator
	a.AcknowledgedAt = m.clock.Now()
	return true
}
