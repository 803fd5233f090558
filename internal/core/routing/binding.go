package routing

import (
	"context"
	"time"

	"github.com/relayhub/relayhub/internal/core/storage"
)

const bindingCollection = "bindings"

// BindingType separates chat relay from event relay.
type BindingType string

const (
	BindingChat  BindingType = "chat"
	BindingEvent BindingType = "event"
)

// Filter is one element of a binding's filter chain.
type Filter struct {
	Type        string // keyword, regex or length
	Pattern     string
	Action      string // block or transform
	Replacement string
}

const (
	FilterKeyword = "keyword"
	FilterRegex   = "regex"
	FilterLength  = "length"

	ActionBlock     = "block"
	ActionTransform = "transform"
)

// RateLimit is a fixed-window message budget.
type RateLimit struct {
	MaxMessages int
	Window      time.Duration
}

// BindingConfig is the declarative routing rule attached to a binding.
type BindingConfig struct {
	Enabled    bool
	Filters    []Filter
	RateLimit  *RateLimit // nil means the router default applies
	Template   string
	EventTypes []string // event bindings relay only these types
}

// Binding links a chat group to a server for one relay direction. The
// router treats it as read-mostly reference data; only LastActivity moves.
type Binding struct {
	ID           string
	GroupID      string
	ServerID     string
	Type         BindingType
	Config       BindingConfig
	LastActivity time.Time
}

// BindingSource resolves bindings and records route activity.
type BindingSource interface {
	ChatBindings(ctx context.Context, groupID string) ([]*Binding, error)
	EventBindings(ctx context.Context, serverID string) ([]*Binding, error)
	Touch(ctx context.Context, binding *Binding, at time.Time) error
}

// StoreBindingSource reads bindings from the persistent store collaborator.
type StoreBindingSource struct {
	store storage.Store
}

func NewStoreBindingSource(store storage.Store) *StoreBindingSource {
	return &StoreBindingSource{store: store}
}

// Save writes a binding into the store. Used by admin surfaces and tests.
func (s *StoreBindingSource) Save(ctx context.Context, b *Binding) error {
	_, err := s.store.Create(ctx, bindingCollection, storage.Record{
		"id":            b.ID,
		"group_id":      b.GroupID,
		"server_id":     b.ServerID,
		"binding_type":  string(b.Type),
		"config":        b.Config,
		"last_activity": b.LastActivity,
	})
	return err
}

func (s *StoreBindingSource) ChatBindings(ctx context.Context, groupID string) ([]*Binding, error) {
	recs, err := s.store.Get(ctx, bindingCollection, storage.Query{
		"group_id":     groupID,
		"binding_type": string(BindingChat),
	}, storage.Options{})
	if err != nil {
		return nil, err
	}
	return decodeBindings(recs), nil
}

func (s *StoreBindingSource) EventBindings(ctx context.Context, serverID string) ([]*Binding, error) {
	recs, err := s.store.Get(ctx, bindingCollection, storage.Query{
		"server_id":    serverID,
		"binding_type": string(BindingEvent),
	}, storage.Options{})
	if err != nil {
		return nil, err
	}
	return decodeBindings(recs), nil
}

func (s *StoreBindingSource) Touch(ctx context.Context, binding *Binding, at time.Time) error {
	binding.LastActivity = at
	return s.store.Set(ctx, bindingCollection, binding.ID, storage.Record{
		"last_activity": at,
	})
}

func decodeBindings(recs []storage.Record) []*Binding {
	out := make([]*Binding, 0, len(recs))
	for _, rec := range recs {
		b := &Binding{}
		b.ID, _ = rec["id"].(string)
		b.GroupID, _ = rec["group_id"].(string)
		b.ServerID, _ = rec["server_id"].(string)
		if t, ok := rec["binding_type"].(string); ok {
			b.Type = BindingType(t)
		}
		if cfg, ok := rec["config"].(BindingConfig); ok {
			b.Config = cfg
		}
		if at, ok := rec["last_activity"].(time.Time); ok {
			b.LastActivity = at
		}
		out = append(out, b)
	}
	return out
}
