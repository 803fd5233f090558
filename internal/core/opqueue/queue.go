package opqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/relayhub/relayhub/internal/core/events/bus"
	"github.com/relayhub/relayhub/internal/core/hub"
	"github.com/relayhub/relayhub/internal/core/observability/log"
	"github.com/relayhub/relayhub/internal/core/storage"
)

// Events published by the queue.
const (
	EventOperationQueued = "opqueue.operation_queued"
	EventQueueReplayed   = "opqueue.queue_replayed"
)

const pendingCollection = "pending_ops"

// Kind identifies a pending operation. Whitelist and ban management share
// the queue; only the kind and the execution call differ.
type Kind string

const (
	KindWhitelistAdd    Kind = "whitelist_add"
	KindWhitelistRemove Kind = "whitelist_remove"
	KindBan             Kind = "ban"
	KindUnban           Kind = "unban"
)

// Domain groups kinds that act on the same server-side list. Operations in
// different domains never merge or cancel, even when they target the same
// key: whitelisting a player and banning that player are independent pending
// entries.
func (k Kind) Domain() string {
	switch k {
	case KindWhitelistAdd, KindWhitelistRemove:
		return "whitelist"
	case KindBan, KindUnban:
		return "ban"
	default:
		return string(k)
	}
}

// Cancels reports whether k and other null each other out for the same key.
func (k Kind) Cancels(other Kind) bool {
	switch k {
	case KindWhitelistAdd:
		return other == KindWhitelistRemove
	case KindWhitelistRemove:
		return other == KindWhitelistAdd
	case KindBan:
		return other == KindUnban
	case KindUnban:
		return other == KindBan
	default:
		return false
	}
}

// Operation is a domain command destined for one server.
type Operation struct {
	Kind       Kind
	TargetKey  string
	TargetName string
	Executor   string
	Reason     string
	Timestamp  time.Time
}

// Status distinguishes the two success variants and the failure case.
type Status int

const (
	StatusExecuted Status = iota
	StatusQueued
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusExecuted:
		return "executed"
	case StatusQueued:
		return "queued"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result reports how an operation was handled.
type Result struct {
	Status Status
}

// SessionExecutor performs operations against reachable servers. The queue
// never talks to sockets itself.
type SessionExecutor interface {
	IsReachable(serverID string) bool
	Execute(ctx context.Context, serverID string, op Operation) error
}

// Config tunes the queue.
type Config struct {
	ExecuteTimeout time.Duration
	MirrorPending  bool
}

type serverQueue struct {
	// guarded by its own mutex so unrelated servers never contend; held
	// across the execute-or-enqueue decision to keep it linearizable
	mu  sync.Mutex
	ops []Operation
}

func newServerQueue() *serverQueue {
	return &serverQueue{}
}

func (q *serverQueue) lock()   { q.mu.Lock() }
func (q *serverQueue) unlock() { q.mu.Unlock() }

// Queue accepts domain operations while a server is unreachable and
// collapses redundant or conflicting entries so that replay applies only the
// net effect, at most one entry per target key within each domain.
type Queue struct {
	cfg    Config
	exec   SessionExecutor
	store  storage.Store
	logger log.Log
	bus    bus.EventBus
	clock  clock.Clock

	queues *xsync.Map[string, *serverQueue]
}

func NewQueue(cfg Config, exec SessionExecutor, store storage.Store, logger log.Log, eventBus bus.EventBus, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = 10 * time.Second
	}
	return &Queue{
		cfg:    cfg,
		exec:   exec,
		store:  store,
		logger: logger,
		bus:    eventBus,
		clock:  clk,
		queues: xsync.NewMap[string, *serverQueue](),
	}
}

func (q *Queue) queue(serverID string) *serverQueue {
	sq, _ := q.queues.LoadOrCompute(serverID, func() (*serverQueue, bool) {
		return newServerQueue(), false
	})
	return sq
}

// EnqueueOrExecute executes op immediately when the server is reachable,
// otherwise inserts it into the pending queue through the optimizer. A
// reachable server rejecting the operation yields StatusFailed with the
// execution error; rejected operations are never queued. An execution
// timeout converts into "treat as unreachable" and queues instead.
func (q *Queue) EnqueueOrExecute(ctx context.Context, serverID string, op Operation) (Result, error) {
	if op.Timestamp.IsZero() {
		op.Timestamp = q.clock.Now()
	}

	sq := q.queue(serverID)
	sq.lock()
	defer sq.unlock()

	if q.exec.IsReachable(serverID) {
		execCtx, cancel := context.WithTimeout(ctx, q.cfg.ExecuteTimeout)
		err := q.exec.Execute(execCtx, serverID, op)
		cancel()

		switch {
		case err == nil:
			return Result{Status: StatusExecuted}, nil
		case isUnreachable(err):
			// fall through to queueing below
		default:
			return Result{Status: StatusFailed}, err
		}
	}

	q.insertLocked(sq, serverID, op)
	return Result{Status: StatusQueued}, nil
}

// Pending returns a copy of the queued operations for serverID in insertion
// order.
func (q *Queue) Pending(serverID string) []Operation {
	sq := q.queue(serverID)
	sq.lock()
	defer sq.unlock()
	out := make([]Operation, len(sq.ops))
	copy(out, sq.ops)
	return out
}

// PendingCount returns the number of queued operations for serverID.
func (q *Queue) PendingCount(serverID string) int {
	sq := q.queue(serverID)
	sq.lock()
	defer sq.unlock()
	return len(sq.ops)
}

// ClearPending drops every queued operation for serverID and returns how
// many were dropped.
func (q *Queue) ClearPending(serverID string, actor string) int {
	sq := q.queue(serverID)
	sq.lock()
	dropped := sq.ops
	sq.ops = nil
	sq.unlock()

	for _, op := range dropped {
		q.unmirror(serverID, op)
	}
	if len(dropped) > 0 {
		q.logger.Info("pending operations cleared",
			log.String("server_id", serverID),
			log.String("actor", actor),
			log.Int("count", len(dropped)),
		)
	}
	return len(dropped)
}

// Replay executes queued operations oldest-first against a now-reachable
// server, clearing each as it succeeds. On the first execution error the
// failed entry and everything after it stay queued.
func (q *Queue) Replay(ctx context.Context, serverID string) (int, error) {
	sq := q.queue(serverID)
	sq.lock()
	defer sq.unlock()

	executed := 0
	for len(sq.ops) > 0 {
		op := sq.ops[0]
		execCtx, cancel := context.WithTimeout(ctx, q.cfg.ExecuteTimeout)
		err := q.exec.Execute(execCtx, serverID, op)
		cancel()
		if err != nil {
			q.logger.Warn("replay interrupted",
				log.String("server_id", serverID),
				log.String("target", op.TargetKey),
				log.Int("executed", executed),
				log.Error(err),
			)
			return executed, err
		}
		sq.ops = sq.ops[1:]
		q.unmirror(serverID, op)
		executed++
	}

	if executed > 0 {
		_ = q.bus.Publish(bus.NewEvent(EventQueueReplayed, serverID, executed))
	}
	return executed, nil
}

func (q *Queue) insertLocked(sq *serverQueue, serverID string, op Operation) {
	before := len(sq.ops)
	var cancelled *Operation
	sq.ops, cancelled = Optimize(sq.ops, op)

	if cancelled != nil {
		q.unmirror(serverID, *cancelled)
		q.logger.Debug("pending operation cancelled out",
			log.String("server_id", serverID),
			log.String("target", op.TargetKey),
		)
		return
	}

	if err := verifyInvariant(sq.ops, op); err != nil {
		// must never happen; scream and keep the newest entry only
		q.logger.Error("operation queue invariant violated",
			log.String("server_id", serverID),
			log.String("target", op.TargetKey),
			log.Error(err),
		)
		sq.ops = dropOlderDuplicates(sq.ops, op)
	}

	q.mirror(serverID, op)
	if len(sq.ops) > before {
		_ = q.bus.Publish(bus.NewEvent(EventOperationQueued, serverID, op))
	}
}

// Optimize applies op to the pending list, enforcing at most one entry per
// target key within op's domain: same kind replaces in place, a cancelling
// kind removes the existing entry (returned as cancelled), anything else
// appends. Entries from other domains are never touched.
func Optimize(pending []Operation, op Operation) ([]Operation, *Operation) {
	for i, existing := range pending {
		if existing.TargetKey != op.TargetKey || existing.Kind.Domain() != op.Kind.Domain() {
			continue
		}
		if existing.Kind == op.Kind {
			pending[i] = op
			return pending, nil
		}
		if existing.Kind.Cancels(op.Kind) {
			out := append(pending[:i], pending[i+1:]...)
			return out, &existing
		}
	}
	return append(pending, op), nil
}

func verifyInvariant(pending []Operation, op Operation) error {
	count := 0
	for _, existing := range pending {
		if existing.TargetKey == op.TargetKey && existing.Kind.Domain() == op.Kind.Domain() {
			count++
		}
	}
	if count > 1 {
		return hub.WrapError(hub.ErrOptimizerInvariant, "duplicate pending entries for key")
	}
	return nil
}

// dropOlderDuplicates keeps only the newest pending entry for op's domain and
// target key. It is the repair path when verifyInvariant trips.
func dropOlderDuplicates(pending []Operation, op Operation) []Operation {
	newest := -1
	for i, existing := range pending {
		if existing.TargetKey == op.TargetKey && existing.Kind.Domain() == op.Kind.Domain() {
			newest = i
		}
	}
	out := pending[:0]
	for i, existing := range pending {
		if i != newest && existing.TargetKey == op.TargetKey && existing.Kind.Domain() == op.Kind.Domain() {
			continue
		}
		out = append(out, existing)
	}
	return out
}

func isUnreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch hub.GetErrorCode(err) {
	case hub.ErrorCodeServerUnreachable, hub.ErrorCodeConnectionTimeout, hub.ErrorCodeConnectionLost, hub.ErrorCodeConnectionClosed:
		return true
	default:
		return false
	}
}

func (q *Queue) mirror(serverID string, op Operation) {
	if !q.cfg.MirrorPending || q.store == nil {
		return
	}
	_, err := q.store.Create(context.Background(), pendingCollection, storage.Record{
		"id":          mirrorKey(serverID, op),
		"server_id":   serverID,
		"kind":        string(op.Kind),
		"target_key":  op.TargetKey,
		"target_name": op.TargetName,
		"executor":    op.Executor,
		"reason":      op.Reason,
		"timestamp":   op.Timestamp,
	})
	if err != nil {
		q.logger.Warn("pending mirror write failed",
			log.String("server_id", serverID),
			log.Error(err),
		)
	}
}

func (q *Queue) unmirror(serverID string, op Operation) {
	if !q.cfg.MirrorPending || q.store == nil {
		return
	}
	err := q.store.Remove(context.Background(), pendingCollection, mirrorKey(serverID, op))
	if err != nil && !errors.Is(err, storage.ErrRecordNotFound) {
		q.logger.Warn("pending mirror remove failed",
			log.String("server_id", serverID),
			log.Error(err),
		)
	}
}

// mirrorKey includes the domain so a whitelist entry and a ban entry for the
// same target never overwrite or delete each other's mirror record.
func mirrorKey(serverID string, op Operation) string {
	return serverID + "/" + op.Kind.Domain() + "/" + op.TargetKey
}
