// Package broker implements the replicated state machine (BrokerStatus)
// and the façade (Broker) that wires it to a StatusChangesLog and a
// TasksHeap, per spec §4.2 and §4.3.
//
// State transitions:
//
//	WAITING  --ASSIGN_TASK_TO_WORKER-->  RUNNING
//	RUNNING  --TASK_FINISHED-->          FINISHED | ERROR
//
// BrokerStatus itself never touches the log: callers append first, then
// call apply with the LogSequenceNumber the log returned. This mirrors the
// teacher's jobmanager.JobManager (a single in-memory map protected by one
// RWMutex, with Mark*/Get* accessors) generalized against
// dodo-core's BrokerStatus.java, which is authoritative for
// the exact per-edit apply semantics.
package broker

import (
	"fmt"
	"sync"

	"github.com/arcaio/dispatch-broker/internal/statuslog"
	"github.com/arcaio/dispatch-broker/pkg/types"
)

// BrokerStatus is the in-memory replicated state machine: tasks, workers,
// and the bookkeeping (maxTaskID) needed to allocate new task ids after
// recovery.
type BrokerStatus struct {
	mu sync.RWMutex

	tasks          map[types.TaskID]*types.Task
	workers        map[string]*types.WorkerStatus
	maxTaskID      types.TaskID
	lastAppliedSeq types.LogSequenceNumber
}

// NewBrokerStatus returns an empty BrokerStatus. Callers must call
// Restore before serving traffic if a snapshot exists.
func NewBrokerStatus() *BrokerStatus {
	return &BrokerStatus{
		tasks:          make(map[types.TaskID]*types.Task),
		workers:        make(map[string]*types.WorkerStatus),
		lastAppliedSeq: types.Unset,
	}
}

// Restore rehydrates state from a snapshot. Must be called before Apply.
func (b *BrokerStatus) Restore(snapshot types.BrokerStatusSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tasks = make(map[types.TaskID]*types.Task, len(snapshot.Tasks))
	for id, t := range snapshot.Tasks {
		copy := *t
		b.tasks[id] = &copy
	}
	b.workers = make(map[string]*types.WorkerStatus, len(snapshot.Workers))
	for id, w := range snapshot.Workers {
		copy := *w
		b.workers[id] = &copy
	}
	b.maxTaskID = snapshot.MaxTaskID
	b.lastAppliedSeq = snapshot.LastAppliedSeq
}

// NextTaskID returns the id to use for the next ADD_TASK edit. Must be
// called with the caller holding no lock of its own; it takes a read lock
// internally. It is the caller's (the leader's) job to serialize
// allocation against concurrent submitters, typically by holding the
// Broker's submit lock across NextTaskID and Append.
func (b *BrokerStatus) NextTaskID() types.TaskID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxTaskID + 1
}

// LastAppliedSeq returns the sequence number of the most recently applied
// edit, or types.Unset if none has been applied yet.
func (b *BrokerStatus) LastAppliedSeq() types.LogSequenceNumber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastAppliedSeq
}

// Apply is the internal deterministic transition function described in
// spec §4.2. It is total and infallible once the log has accepted edit: a
// violated precondition here means replicas have already diverged, so it
// panics via an *statuslog.InvariantViolation rather than returning an
// error — callers are expected to let this crash the process (see
// SPEC_FULL.md §A, errors).
//
// Apply holds the write lock only across this in-memory mutation, never
// across log I/O, per spec §5.
func (b *BrokerStatus) Apply(seq types.LogSequenceNumber, edit types.StatusEdit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch edit.Type {
	case types.EditAddTask:
		b.applyAddTask(edit)
	case types.EditAssignTaskToWorker:
		b.applyAssignTaskToWorker(seq, edit)
	case types.EditTaskFinished:
		b.applyTaskFinished(seq, edit)
	case types.EditWorkerConnected:
		b.applyWorkerConnected(edit)
	case types.EditPurgeTasks:
		b.applyPurgeTasks(edit)
	case types.EditWorkerTimeout:
		b.applyWorkerTimeout(edit)
	default:
		panic(&statuslog.InvariantViolation{Seq: seq.String(), Reason: fmt.Sprintf("unknown edit type %q", edit.Type)})
	}

	b.lastAppliedSeq = seq
}

func (b *BrokerStatus) applyAddTask(edit types.StatusEdit) {
	b.tasks[edit.TaskID] = &types.Task{
		ID:               edit.TaskID,
		Type:             edit.TaskType,
		UserID:           edit.UserID,
		Parameter:        edit.Parameter,
		CreatedTimestamp: edit.CreatedTimestamp,
		Status:           types.TaskWaiting,
	}
	if edit.TaskID > b.maxTaskID {
		b.maxTaskID = edit.TaskID
	}
}

func (b *BrokerStatus) applyAssignTaskToWorker(seq types.LogSequenceNumber, edit types.StatusEdit) {
	task, ok := b.tasks[edit.TaskID]
	if !ok {
		panic(&statuslog.InvariantViolation{Seq: seq.String(), Reason: fmt.Sprintf("assign: unknown task %d", edit.TaskID)})
	}
	if task.Status != types.TaskWaiting {
		panic(&statuslog.InvariantViolation{Seq: seq.String(), Reason: fmt.Sprintf("assign: task %d not WAITING (status=%s)", edit.TaskID, task.Status)})
	}
	task.Status = types.TaskRunning
	task.WorkerID = edit.WorkerID
}

func (b *BrokerStatus) applyTaskFinished(seq types.LogSequenceNumber, edit types.StatusEdit) {
	task, ok := b.tasks[edit.TaskID]
	if !ok {
		panic(&statuslog.InvariantViolation{Seq: seq.String(), Reason: fmt.Sprintf("finish: unknown task %d", edit.TaskID)})
	}
	if task.WorkerID != edit.WorkerID {
		panic(&statuslog.InvariantViolation{Seq: seq.String(), Reason: fmt.Sprintf("finish: task %d assigned to %q, edit says %q", edit.TaskID, task.WorkerID, edit.WorkerID)})
	}
	task.Status = edit.FinalStatus
	task.Result = edit.Result
}

func (b *BrokerStatus) applyWorkerConnected(edit types.StatusEdit) {
	w, ok := b.workers[edit.WorkerID]
	if !ok {
		w = &types.WorkerStatus{WorkerID: edit.WorkerID}
		b.workers[edit.WorkerID] = w
	}
	w.Status = types.WorkerConnected
	w.WorkerLocation = edit.WorkerLocation
	w.ProcessID = edit.WorkerProcessID
	w.LastConnectionTs = edit.Timestamp
}

// applyPurgeTasks removes finished/errored tasks named by the edit. It is
// the deterministic, log-coupled resolution of the purge open question
// (spec §9): every replica purges the exact same set because the set was
// decided by the leader and appended, not recomputed locally.
func (b *BrokerStatus) applyPurgeTasks(edit types.StatusEdit) {
	for _, id := range edit.PurgedTaskIDs {
		delete(b.tasks, id)
	}
}

// applyWorkerTimeout escalates each named worker's connectivity state by
// one stage: CONNECTED->DISCONNECTED on first timeout, DISCONNECTED->DEAD
// on the next sweep that still finds it stale. Unknown worker ids are
// silently ignored rather than treated as an invariant violation.
func (b *BrokerStatus) applyWorkerTimeout(edit types.StatusEdit) {
	for _, id := range edit.TimedOutWorkerIDs {
		w, ok := b.workers[id]
		if !ok {
			continue
		}
		switch w.Status {
		case types.WorkerConnected:
			w.Status = types.WorkerDisconnected
		case types.WorkerDisconnected:
			w.Status = types.WorkerDead
		}
	}
}

// GetTask returns a defensive copy of one task, or nil if unknown.
func (b *BrokerStatus) GetTask(id types.TaskID) *types.Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil
	}
	copy := *t
	return &copy
}

// GetTaskStatus returns the status of a task, or "" if unknown.
func (b *BrokerStatus) GetTaskStatus(id types.TaskID) types.TaskStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[id]
	if !ok {
		return ""
	}
	return t.Status
}

// GetAllTasks returns a defensively copied snapshot of every task.
func (b *BrokerStatus) GetAllTasks() map[types.TaskID]*types.Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[types.TaskID]*types.Task, len(b.tasks))
	for id, t := range b.tasks {
		copy := *t
		out[id] = &copy
	}
	return out
}

// GetAllWorkers returns a defensively copied snapshot of every worker.
func (b *BrokerStatus) GetAllWorkers() map[string]*types.WorkerStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]*types.WorkerStatus, len(b.workers))
	for id, w := range b.workers {
		copy := *w
		out[id] = &copy
	}
	return out
}

// FinishedBefore returns the ids of FINISHED/ERROR tasks whose
// CreatedTimestamp is older than cutoff, capped at limit entries. Used by
// the purge scheduler to build a PURGE_TASKS edit deterministically on the
// leader; followers never call this themselves.
func (b *BrokerStatus) FinishedBefore(cutoff int64, limit int) []types.TaskID {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ids []types.TaskID
	for id, t := range b.tasks {
		if (t.Status == types.TaskFinished || t.Status == types.TaskError) && t.CreatedTimestamp < cutoff {
			ids = append(ids, id)
			if len(ids) >= limit {
				break
			}
		}
	}
	return ids
}

// StaleWorkers returns the ids of workers not yet DEAD whose
// LastConnectionTs is older than cutoff, for the leader's worker-timeout
// sweep to turn into a WORKER_TIMEOUT edit. Mirrors FinishedBefore's role
// for the purge scheduler: the leader decides the set once and every
// replica applies the identical edit.
func (b *BrokerStatus) StaleWorkers(cutoff int64) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ids []string
	for id, w := range b.workers {
		if w.Status != types.WorkerDead && w.LastConnectionTs < cutoff {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot captures a serializable checkpoint under a read lock, per spec
// §4.4 step 1.
func (b *BrokerStatus) Snapshot() types.BrokerStatusSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tasks := make(map[types.TaskID]*types.Task, len(b.tasks))
	for id, t := range b.tasks {
		copy := *t
		tasks[id] = &copy
	}
	workers := make(map[string]*types.WorkerStatus, len(b.workers))
	for id, w := range b.workers {
		copy := *w
		workers[id] = &copy
	}
	return types.BrokerStatusSnapshot{
		LastAppliedSeq: b.lastAppliedSeq,
		MaxTaskID:      b.maxTaskID,
		Tasks:          tasks,
		Workers:        workers,
	}
}
