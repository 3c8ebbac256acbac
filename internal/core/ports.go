package core

import (
	"context"
	"time"
)

// =============================================================================
// Storage ports
// =============================================================================

// NodeStore persists backing records.
type NodeStore interface {
	// CreateNode stores a new node and assigns its PK.
	CreateNode(ctx context.Context, node *Node) error

	// GetNode loads a node by PK. Returns a not-found error if missing.
	GetNode(ctx context.Context, pk int64) (*Node, error)

	// ListNodes returns nodes matching the filter ordered by PK.
	ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error)

	// SetStatus updates the process status.
	SetStatus(ctx context.Context, pk int64, status ProcessStatus) error

	// SetJobState updates the scheduler state of a job node.
	SetJobState(ctx context.Context, pk int64, state JobState) error

	// SetJobID records the scheduler job identifier.
	SetJobID(ctx context.Context, pk int64, jobID string) error

	// ComputerUserPairs returns the distinct pairs owning jobs in the given state.
	ComputerUserPairs(ctx context.Context, state JobState) ([]ComputerUser, error)
}

// AttributeStore persists named string attributes on nodes.
type AttributeStore interface {
	SetAttribute(ctx context.Context, pk int64, key, value string) error

	// GetAttribute returns the value and whether it exists.
	GetAttribute(ctx context.Context, pk int64, key string) (string, bool, error)

	DeleteAttribute(ctx context.Context, pk int64, key string) error

	// AttributeHolders lists the PKs of nodes carrying the key.
	AttributeHolders(ctx context.Context, key string) ([]int64, error)
}

// Claimer provides the atomic conditional claim backing record locks.
//
// Claim must transition the node's lock flag from false to true in a single
// atomic operation and report true only if this call changed it. A separate
// read followed by a write does not satisfy the contract.
type Claimer interface {
	Claim(ctx context.Context, pk int64) (bool, error)

	// Release clears the lock flag held by the caller.
	Release(ctx context.Context, pk int64) error

	// ForceRelease clears the lock flag regardless of the holder.
	ForceRelease(ctx context.Context, pk int64) error
}

// TimestampStore persists daemon task bracket timestamps.
type TimestampStore interface {
	SetDaemonTimestamp(ctx context.Context, task string, phase DaemonPhase, at time.Time) error

	// DaemonTimestamp returns the stored time and whether one exists.
	DaemonTimestamp(ctx context.Context, task string, phase DaemonPhase) (time.Time, bool, error)
}

// Backend is a complete storage engine.
type Backend interface {
	NodeStore
	AttributeStore
	Claimer
	TimestampStore

	// Engine returns the configured engine name (sqlite, postgres, mysql).
	Engine() string

	Close() error
}
