package opqueue

import (
	"context"
)

// WhitelistManager fronts the operation queue for whitelist commands.
type WhitelistManager struct {
	queue *Queue
}

func NewWhitelistManager(queue *Queue) *WhitelistManager {
	return &WhitelistManager{queue: queue}
}

// Add whitelists a player on a server, queueing when it is unreachable.
func (m *WhitelistManager) Add(ctx context.Context, serverID, playerKey, playerName, executor string) (Result, error) {
	return m.queue.EnqueueOrExecute(ctx, serverID, Operation{
		Kind:       KindWhitelistAdd,
		TargetKey:  playerKey,
		TargetName: playerName,
		Executor:   executor,
	})
}

// Remove drops a player from a server's whitelist, queueing when it is
// unreachable.
func (m *WhitelistManager) Remove(ctx context.Context, serverID, playerKey, executor string) (Result, error) {
	return m.queue.EnqueueOrExecute(ctx, serverID, Operation{
		Kind:      KindWhitelistRemove,
		TargetKey: playerKey,
		Executor:  executor,
	})
}

// Pending lists queued whitelist operations for serverID.
func (m *WhitelistManager) Pending(serverID string) []Operation {
	var out []Operation
	for _, op := range m.queue.Pending(serverID) {
		if op.Kind == KindWhitelistAdd || op.Kind == KindWhitelistRemove {
			out = append(out, op)
		}
	}
	return out
}
