package broker

import "context"

// Transport is the abstract collaborator the broker needs to deliver an
// assignment to a specific worker. Wire protocol and network transport are
// explicitly out of scope (spec §1); this repository only carries the
// interface the core needs and no network implementation of it
// (NoopTransport below discards every assignment).
type Transport interface {
	// DeliverAssignment pushes a newly assigned task to workerID.
	// Implementations decide how (and whether) to retry network errors;
	// the broker only cares whether the call returned an error.
	DeliverAssignment(ctx context.Context, workerID string, task AssignedTask) error
}

// AssignedTask is the payload handed to Transport.DeliverAssignment.
type AssignedTask struct {
	TaskID    int64
	TaskType  int32
	Parameter []byte
}

// NoopTransport discards every assignment. Useful for tests and for
// running the broker with no worker fleet attached.
type NoopTransport struct{}

func (NoopTransport) DeliverAssignment(context.Context, string, AssignedTask) error {
	return nil
}
