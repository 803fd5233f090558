package opqueue

import (
	"context"
)

// BanManager fronts the operation queue for ban commands. Same algorithm as
// whitelisting; only the kinds and the execution call differ.
type BanManager struct {
	queue *Queue
}

func NewBanManager(queue *Queue) *BanManager {
	return &BanManager{queue: queue}
}

// Ban bans a player on a server, queueing when it is unreachable.
func (m *BanManager) Ban(ctx context.Context, serverID, playerKey, playerName, executor, reason string) (Result, error) {
	return m.queue.EnqueueOrExecute(ctx, serverID, Operation{
		Kind:       KindBan,
		TargetKey:  playerKey,
		TargetName: playerName,
		Executor:   executor,
		Reason:     reason,
	})
}

// Unban lifts a ban, queueing when the server is unreachable.
func (m *BanManager) Unban(ctx context.Context, serverID, playerKey, executor string) (Result, error) {
	return m.queue.EnqueueOrExecute(ctx, serverID, Operation{
		Kind:      KindUnban,
		TargetKey: playerKey,
		Executor:  executor,
	})
}

// Pending lists queued ban operations for serverID.
func (m *BanManager) Pending(serverID string) []Operation {
	var out []Operation
	for _, op := range m.queue.Pending(serverID) {
		if op.Kind == KindBan || op.Kind == KindUnban {
			out = append(out, op)
		}
	}
	return out
}
