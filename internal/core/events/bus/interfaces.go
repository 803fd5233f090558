package bus

import "time"

// Event is a notification published by a hub component. Type is a dotted
// name ("reconnect.recovery_attempt"), Source identifies the emitting
// component or serverId, Data carries the typed payload.
type Event struct {
	Type      string
	Source    string
	Timestamp time.Time
	Data      any
}

// EventHandler processes a single event. A non-nil error is aggregated by
// Publish but never stops delivery to other handlers.
type EventHandler func(Event) error

// Subscription is a handle to an active handler registration.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	Cancel() error
}

// EventBus is the hub's publish/subscribe surface. Components publish
// notifications; the transport layer, alert sinks and tests subscribe.
type EventBus interface {
	Publish(event Event) error
	PublishAsync(event Event) <-chan error
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	Unsubscribe(sub Subscription) error
}

// NewEvent builds an event stamped with the current time.
func NewEvent(typ, source string, data any) Event {
	return Event{Type: typ, Source: source, Timestamp: time.Now(), Data: data}
}
