// Package types defines the wire- and memory-shared vocabulary of the
// broker: tasks, workers, log sequence numbers and the status edits that
// describe every mutation of broker state.
package types

import "fmt"

// TaskID is a monotonically increasing identifier allocated by the leader.
type TaskID int64

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskWaiting  TaskStatus = "WAITING"
	TaskRunning  TaskStatus = "RUNNING"
	TaskFinished TaskStatus = "FINISHED"
	TaskError    TaskStatus = "ERROR"
)

// Task is the broker's view of one unit of work.
//
// WorkerID and Result are only meaningful once Status has left WAITING;
// JSON tags are kept stable across snapshot versions since snapshots
// round-trip through this struct.
type Task struct {
	ID               TaskID     `json:"id"`
	Type             int32      `json:"type"`
	Parameter        []byte     `json:"parameter,omitempty"`
	UserID           string     `json:"userId"`
	CreatedTimestamp int64      `json:"createdTimestamp"`
	Status           TaskStatus `json:"status"`
	WorkerID         string     `json:"workerId,omitempty"`
	Result           []byte     `json:"result,omitempty"`
}

// WorkerConnState is the connectivity state of a WorkerStatus.
type WorkerConnState string

const (
	WorkerConnected    WorkerConnState = "CONNECTED"
	WorkerDisconnected WorkerConnState = "DISCONNECTED"
	WorkerDead         WorkerConnState = "DEAD"
)

// WorkerStatus is the broker's view of one registered worker process.
type WorkerStatus struct {
	WorkerID         string          `json:"workerId"`
	WorkerLocation   string          `json:"workerLocation"`
	ProcessID        string          `json:"processId"`
	LastConnectionTs int64           `json:"lastConnectionTs"`
	Status           WorkerConnState `json:"status"`
}

// LogSequenceNumber totally orders every edit ever applied by a replica.
// Epoch bumps on leadership change or ledger rollover; Offset is monotonic
// within one epoch.
type LogSequenceNumber struct {
	Epoch  int64 `json:"epoch"`
	Offset int64 `json:"offset"`
}

// Unset is the sentinel LSN used for an empty log / empty snapshot.
var Unset = LogSequenceNumber{Epoch: -1, Offset: -1}

// Less reports whether lsn is strictly before other in total order.
func (lsn LogSequenceNumber) Less(other LogSequenceNumber) bool {
	if lsn.Epoch != other.Epoch {
		return lsn.Epoch < other.Epoch
	}
	return lsn.Offset < other.Offset
}

// After reports whether lsn is strictly after other in total order.
func (lsn LogSequenceNumber) After(other LogSequenceNumber) bool {
	return other.Less(lsn)
}

func (lsn LogSequenceNumber) String() string {
	return fmt.Sprintf("%d_%d", lsn.Epoch, lsn.Offset)
}

// EditType tags the variant carried by a StatusEdit.
type EditType string

const (
	EditAddTask            EditType = "ADD_TASK"
	EditAssignTaskToWorker EditType = "ASSIGN_TASK_TO_WORKER"
	EditTaskFinished       EditType = "TASK_FINISHED"
	EditWorkerConnected    EditType = "WORKER_CONNECTED"
	EditPurgeTasks         EditType = "PURGE_TASKS"
	EditWorkerTimeout      EditType = "WORKER_TIMEOUT"
)

// StatusEdit is a tagged record describing exactly one state mutation.
// Only the fields relevant to Type are populated; the zero value of an
// irrelevant field must never be interpreted by apply.
type StatusEdit struct {
	Type EditType `json:"type"`

	// ADD_TASK
	TaskID           TaskID `json:"taskId,omitempty"`
	TaskType         int32  `json:"taskType,omitempty"`
	UserID           string `json:"userId,omitempty"`
	Parameter        []byte `json:"parameter,omitempty"`
	CreatedTimestamp int64  `json:"createdTimestamp,omitempty"`

	// ASSIGN_TASK_TO_WORKER / TASK_FINISHED
	WorkerID string `json:"workerId,omitempty"`

	// TASK_FINISHED
	FinalStatus TaskStatus `json:"finalStatus,omitempty"`
	Result      []byte     `json:"result,omitempty"`

	// WORKER_CONNECTED
	WorkerLocation  string `json:"workerLocation,omitempty"`
	WorkerProcessID string `json:"workerProcessId,omitempty"`
	Timestamp       int64  `json:"timestamp,omitempty"`

	// PURGE_TASKS
	PurgedTaskIDs []TaskID `json:"purgedTaskIds,omitempty"`

	// WORKER_TIMEOUT
	TimedOutWorkerIDs []string `json:"timedOutWorkerIds,omitempty"`
}

// NewAddTask builds an ADD_TASK edit with the timestamp already stamped by
// the caller (the leader), so apply never reads the wall clock.
func NewAddTask(taskID TaskID, taskType int32, userID string, parameter []byte, createdTimestamp int64) StatusEdit {
	return StatusEdit{
		Type:             EditAddTask,
		TaskID:           taskID,
		TaskType:         taskType,
		UserID:           userID,
		Parameter:        parameter,
		CreatedTimestamp: createdTimestamp,
	}
}

// NewAssignTaskToWorker builds an ASSIGN_TASK_TO_WORKER edit.
func NewAssignTaskToWorker(taskID TaskID, workerID string) StatusEdit {
	return StatusEdit{Type: EditAssignTaskToWorker, TaskID: taskID, WorkerID: workerID}
}

// NewTaskFinished builds a TASK_FINISHED edit.
func NewTaskFinished(taskID TaskID, workerID string, finalStatus TaskStatus, result []byte) StatusEdit {
	return StatusEdit{
		Type:        EditTaskFinished,
		TaskID:      taskID,
		WorkerID:    workerID,
		FinalStatus: finalStatus,
		Result:      result,
	}
}

// NewWorkerConnected builds a WORKER_CONNECTED edit.
func NewWorkerConnected(workerID, workerLocation, workerProcessID string, timestamp int64) StatusEdit {
	return StatusEdit{
		Type:            EditWorkerConnected,
		WorkerID:        workerID,
		WorkerLocation:  workerLocation,
		WorkerProcessID: workerProcessID,
		Timestamp:       timestamp,
	}
}

// NewPurgeTasks builds a PURGE_TASKS edit carrying the ids to drop.
func NewPurgeTasks(ids []TaskID) StatusEdit {
	return StatusEdit{Type: EditPurgeTasks, PurgedTaskIDs: ids}
}

// NewWorkerTimeout builds a WORKER_TIMEOUT edit naming the workers whose
// LastConnectionTs is stale enough to escalate their connectivity state
// by one stage (CONNECTED->DISCONNECTED, DISCONNECTED->DEAD).
func NewWorkerTimeout(workerIDs []string) StatusEdit {
	return StatusEdit{Type: EditWorkerTimeout, TimedOutWorkerIDs: workerIDs}
}

// BrokerStatusSnapshot is a full, serializable checkpoint of BrokerStatus.
type BrokerStatusSnapshot struct {
	LastAppliedSeq LogSequenceNumber        `json:"lastAppliedSeq"`
	MaxTaskID      TaskID                   `json:"maxTaskId"`
	Tasks          map[TaskID]*Task         `json:"tasks"`
	Workers        map[string]*WorkerStatus `json:"workers"`
}

// EmptySnapshot returns the boot snapshot used when no checkpoint exists.
func EmptySnapshot() BrokerStatusSnapshot {
	return BrokerStatusSnapshot{
		LastAppliedSeq: Unset,
		MaxTaskID:      0,
		Tasks:          make(map[TaskID]*Task),
		Workers:        make(map[string]*WorkerStatus),
	}
}
