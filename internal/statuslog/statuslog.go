// Package statuslog defines the StatusChangesLog contract: an append-only,
// sequence-numbered journal of StatusEdits with snapshot/checkpoint
// lifecycle and leader election, pluggable between a single-node in-memory
// backend and a replicated shared-log backend.
package statuslog

import (
	"context"

	"github.com/arcaio/dispatch-broker/pkg/types"
)

// ApplyFunc is invoked once per recovered or replayed edit, in strictly
// increasing LogSequenceNumber order.
type ApplyFunc func(seq types.LogSequenceNumber, edit types.StatusEdit)

// LeadershipListener is implemented by the broker and injected into a
// StatusChangesLog at construction time, so the log never holds a back
// reference to the broker (see DESIGN.md, cyclic references).
type LeadershipListener interface {
	LeadershipAcquired()
	LeadershipLost()
}

// StatusChangesLog is the abstract contract described in spec §4.1. Both
// MemoryLog and ReplicatedLog implement it; internal/broker never switches
// on the concrete type.
type StatusChangesLog interface {
	// Append durably records edit and returns its LogSequenceNumber.
	// Leader-only: while the log is not writable it returns ErrNotLeader,
	// and a storage failure returns ErrLogUnavailable. Neither
	// implementation detects that its epoch has been superseded by a
	// newer leader.
	Append(ctx context.Context, edit types.StatusEdit) (types.LogSequenceNumber, error)

	// StartWriting allocates a new epoch so subsequent Append calls can
	// succeed. Called once leadership has been acquired.
	StartWriting(ctx context.Context) error

	// IsWritable reports whether Append is currently permitted.
	IsWritable() bool

	// Recover replays every edit with sequence number strictly greater
	// than skipPast, in total order, calling apply for each.
	Recover(ctx context.Context, skipPast types.LogSequenceNumber, apply ApplyFunc) error

	// LoadLatestSnapshot returns the newest persisted snapshot, or an
	// empty snapshot at types.Unset if none exists yet.
	LoadLatestSnapshot(ctx context.Context) (types.BrokerStatusSnapshot, error)

	// Checkpoint persists snapshot atomically and, only on success, may
	// truncate journal prefixes no longer needed.
	Checkpoint(ctx context.Context, snapshot types.BrokerStatusSnapshot) error

	// RequestLeadership asks the log to contend for leadership. The result
	// is delivered via the LeadershipListener supplied at construction:
	// both implementations call LeadershipAcquired before returning, while
	// LeadershipLost may arrive later from another goroutine.
	RequestLeadership(ctx context.Context) error

	// IsLeader reports whether this replica currently believes itself to
	// be leader. May be stale by the time the caller acts on it.
	IsLeader() bool

	// FollowTheLeader catches a follower up on the log, semantically like
	// Recover: it returns once it has replayed what the log held when it
	// was called, or on the first failure.
	FollowTheLeader(ctx context.Context, skipPast types.LogSequenceNumber, apply ApplyFunc) error

	// Close releases the log's resources (writer, coordination session).
	Close() error
}
