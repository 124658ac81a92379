package statuslog

import (
	"errors"
	"fmt"
)

// Predefined errors returned by StatusChangesLog implementations.
var (
	// ErrLogUnavailable means a durable append, snapshot write, or replay
	// failed. Surfaced to the caller; no state change has occurred.
	ErrLogUnavailable = errors.New("statuslog: log unavailable")

	// ErrNotLeader means Append was called on a replica that does not
	// currently hold the writable epoch.
	ErrNotLeader = errors.New("statuslog: not leader")

	// ErrEpochSuperseded means this replica's epoch has been superseded
	// by a newer leader. No implementation in this repository returns it.
	ErrEpochSuperseded = errors.New("statuslog: epoch superseded")

	// ErrSnapshotNotFound means no checkpoint exists. No implementation in
	// this repository returns it: LoadLatestSnapshot reports a missing
	// checkpoint as an empty snapshot at types.Unset.
	ErrSnapshotNotFound = errors.New("statuslog: no snapshot found")
)

// InvariantViolation means apply found state inconsistent with an edit it
// was asked to apply (e.g. TASK_FINISHED for the wrong worker). It is
// fatal: once the log has accepted an edit, apply must be total, so a
// violation here means replicas have already diverged.
type InvariantViolation struct {
	Seq    string
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("statuslog: invariant violation at seq=%s: %s", e.Seq, e.Reason)
}

// TransientCoordinationError wraps a coordination-service failure (e.g.
// session expiry) that must be translated into LeadershipLost rather than
// surfaced to a client.
type TransientCoordinationError struct {
	Cause error
}

func (e *TransientCoordinationError) Error() string {
	return fmt.Sprintf("statuslog: transient coordination error: %v", e.Cause)
}

func (e *TransientCoordinationError) Unwrap() error {
	return e.Cause
}
