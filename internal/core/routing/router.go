package routing

import (
	"context"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relayhub/relayhub/internal/core/observability/log"
)

// GroupMessage is an inbound chat message from the chat plane.
type GroupMessage struct {
	GroupID string
	Sender  string
	Content string
	At      time.Time
}

// ServerEvent is an inbound event reported by a game server.
type ServerEvent struct {
	ServerID string
	Type     string
	Fields   map[string]string
	At       time.Time
}

// ServerSink delivers routed chat messages to a game server.
type ServerSink interface {
	SendToServer(ctx context.Context, serverID, content string) error
}

// GroupSink delivers routed server events to a chat group.
type GroupSink interface {
	SendToGroup(ctx context.Context, groupID, content string) error
}

// RouterConfig carries router-wide defaults.
type RouterConfig struct {
	// DefaultRateLimit applies to bindings without their own limit.
	// Zero-valued means unlimited.
	DefaultRateLimit RateLimit
}

// Router fans chat messages out to bound servers and server events out to
// bound groups, applying each binding's filter chain, rate limit and
// template along the way.
type Router struct {
	cfg     RouterConfig
	source  BindingSource
	filters *FilterEngine
	limiter *RateLimiter
	servers ServerSink
	groups  GroupSink
	logger  log.Log
	clock   clock.Clock
}

func NewRouter(cfg RouterConfig, source BindingSource, servers ServerSink, groups GroupSink, logger log.Log, clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.New()
	}
	return &Router{
		cfg:     cfg,
		source:  source,
		filters: NewFilterEngine(),
		limiter: NewRateLimiter(clk),
		servers: servers,
		groups:  groups,
		logger:  logger,
		clock:   clk,
	}
}

// RouteGroupMessage resolves every active chat binding for the message's
// group and emits at most one outbound message per bound server. A blocked
// or rate-limited route drops silently without affecting sibling routes.
// The returned count is the number of successful emissions.
func (r *Router) RouteGroupMessage(ctx context.Context, msg GroupMessage) (int, error) {
	bindings, err := r.source.ChatBindings(ctx, msg.GroupID)
	if err != nil {
		return 0, err
	}

	emitted := 0
	for _, b := range bindings {
		if !b.Config.Enabled {
			continue
		}

		content, blocked := r.filters.Apply(msg.Content, b.Config.Filters)
		if blocked {
			r.logger.Debug("message blocked by filter",
				log.String("group_id", msg.GroupID),
				log.String("server_id", b.ServerID),
				log.String("binding_id", b.ID))
			continue
		}

		if !r.allowRoute(b) {
			r.logger.Debug("message dropped by rate limit",
				log.String("group_id", msg.GroupID),
				log.String("server_id", b.ServerID))
			continue
		}

		rendered := r.renderChat(b, msg, content)
		if err := r.servers.SendToServer(ctx, b.ServerID, rendered); err != nil {
			r.logger.Warn("outbound message delivery failed",
				log.String("server_id", b.ServerID),
				log.Error(err))
			continue
		}

		if err := r.source.Touch(ctx, b, r.clock.Now()); err != nil {
			r.logger.Warn("binding activity update failed",
				log.String("binding_id", b.ID),
				log.Error(err))
		}
		emitted++
	}
	return emitted, nil
}

// RouteServerEvent resolves every active event binding for the event's
// server whose allow-list contains the event type, then emits one formatted
// message per matching group.
func (r *Router) RouteServerEvent(ctx context.Context, ev ServerEvent) (int, error) {
	bindings, err := r.source.EventBindings(ctx, ev.ServerID)
	if err != nil {
		return 0, err
	}

	emitted := 0
	for _, b := range bindings {
		if !b.Config.Enabled || !containsString(b.Config.EventTypes, ev.Type) {
			continue
		}

		if !r.allowRoute(b) {
			r.logger.Debug("event dropped by rate limit",
				log.String("server_id", ev.ServerID),
				log.String("group_id", b.GroupID),
				log.String("event_type", ev.Type))
			continue
		}

		rendered := r.renderEvent(b, ev)
		if err := r.groups.SendToGroup(ctx, b.GroupID, rendered); err != nil {
			r.logger.Warn("outbound event delivery failed",
				log.String("group_id", b.GroupID),
				log.Error(err))
			continue
		}

		if err := r.source.Touch(ctx, b, r.clock.Now()); err != nil {
			r.logger.Warn("binding activity update failed",
				log.String("binding_id", b.ID),
				log.Error(err))
		}
		emitted++
	}
	return emitted, nil
}

// PruneRateState drops idle rate windows. Called from the hub cleanup loop.
func (r *Router) PruneRateState(maxIdle time.Duration) {
	r.limiter.Prune(maxIdle)
}

func (r *Router) allowRoute(b *Binding) bool {
	limit := r.cfg.DefaultRateLimit
	if b.Config.RateLimit != nil {
		limit = *b.Config.RateLimit
	}
	key := b.GroupID + "|" + b.ServerID + "|" + string(b.Type)
	return r.limiter.Allow(key, limit)
}

func (r *Router) renderChat(b *Binding, msg GroupMessage, content string) string {
	if b.Config.Template == "" {
		return content
	}
	vars := map[string]string{
		"sender":  msg.Sender,
		"content": content,
		"message": content,
		"group":   msg.GroupID,
		"server":  b.ServerID,
		"time":    r.clock.Now().Format(time.RFC3339),
	}
	return RenderTemplate(b.Config.Template, vars)
}

func (r *Router) renderEvent(b *Binding, ev ServerEvent) string {
	vars := map[string]string{
		"event":  ev.Type,
		"server": ev.ServerID,
		"group":  b.GroupID,
		"time":   r.clock.Now().Format(time.RFC3339),
	}
	for k, v := range ev.Fields {
		vars[k] = v
	}
	if b.Config.Template == "" {
		if msg, ok := ev.Fields["message"]; ok {
			return msg
		}
		return ev.Type
	}
	return RenderTemplate(b.Config.Template, vars)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// LengthFilter builds a length filter capping content at max bytes.
func LengthFilter(max int, action string) Filter {
	return Filter{Type: FilterLength, Pattern: strconv.Itoa(max), Action: action}
}
