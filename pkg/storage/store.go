package storage

import (
	"errors"

	"github.com/duplikit/duplikit/pkg/types"
)

// ErrNotFound is wrapped by Get operations when no record exists for the
// requested id. Callers use errors.Is to distinguish a missing record from
// a storage failure.
var ErrNotFound = errors.New("not found")

// Store defines the interface for durable clone-session state.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Sessions
	CreateSession(session *types.CloneSession) error
	GetSession(id string) (*types.CloneSession, error)
	ListSessions() ([]*types.CloneSession, error)
	ListSessionsByStatus(status types.SessionStatus) ([]*types.CloneSession, error)
	UpdateSession(session *types.CloneSession) error
	DeleteSession(id string) error

	// Resize plans, keyed by owning session id
	PutResizePlan(plan *types.ResizePlan) error
	GetResizePlan(sessionID string) (*types.ResizePlan, error)
	DeleteResizePlan(sessionID string) error

	// Partition-table snapshots reported by source agents, keyed by
	// session id
	PutPartitionTable(sessionID string, table *types.PartitionTable) error
	GetPartitionTable(sessionID string) (*types.PartitionTable, error)

	// Utility
	Close() error
}
