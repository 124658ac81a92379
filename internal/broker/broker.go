// File: broker.go
// Wires BrokerStatus, TasksHeap and a StatusChangesLog into the single
// façade external callers see (spec §2, component C8).
//
// Lifecycle, generalized from the teacher's Controller:
//
//  1. Recovery phase: LoadLatestSnapshot -> BrokerStatus.Restore ->
//     log.Recover(snapshot.seq, status.Apply) -> rehydrate the heap with
//     every task still WAITING.
//  2. Election phase: RequestLeadership blocks until this replica wins.
//  3. On LeadershipAcquired: StartWriting, then recover() again to catch
//     up on whatever the previous leader appended after this replica's
//     initial boot-time recovery, and only then mark itself active and
//     start the checkpoint/purge/worker-timeout loops.
//  4. On LeadershipLost: stop the loops, stop accepting writes, and catch
//     up on the new leader's edits with a single FollowTheLeader pass.
//     Leadership is not requested again afterwards.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arcaio/dispatch-broker/internal/heap"
	"github.com/arcaio/dispatch-broker/internal/metrics"
	"github.com/arcaio/dispatch-broker/internal/statuslog"
	"github.com/arcaio/dispatch-broker/pkg/types"
)

// metricsSamplePeriod is how often the heap occupancy/fragmentation gauges
// are refreshed while this replica is the leader.
const metricsSamplePeriod = 5 * time.Second

var log = slog.Default().With("component", "broker")

// Config holds the core configuration keys named in spec §6. Everything
// else (listen addresses, TLS, CLI flags) belongs to internal/config, one
// layer up, and is not read here.
type Config struct {
	TasksHeapSize                     int
	MaxFragmentation                  float64
	CheckpointInterval                time.Duration
	FinishedTasksRetention            time.Duration
	FinishedTasksPurgeSchedulerPeriod time.Duration
	MaxExpiredTasksPerCycle           int

	// WorkerTimeoutGracePeriod is how stale a worker's LastConnectionTs
	// must be before the worker-timeout sweep escalates it one stage
	// (CONNECTED->DISCONNECTED, then DISCONNECTED->DEAD). Zero disables
	// the sweep.
	WorkerTimeoutGracePeriod time.Duration
	WorkerTimeoutSweepPeriod time.Duration
}

// Broker is the façade clients and workers talk to.
type Broker struct {
	submitMu sync.Mutex // serializes append+apply so task ids allocate in order

	status    *BrokerStatus
	heap      *heap.TasksHeap
	changeLog statuslog.StatusChangesLog
	transport Transport
	config    Config
	metrics   *metrics.Collector

	mu      sync.Mutex
	active  bool
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	stopped bool

	now func() time.Time
}

// New constructs a Broker with no log attached yet. Callers must call
// AttachLog before Start, typically right after constructing the log
// itself with this Broker as its LeadershipListener (see memlog.New /
// replicated.New) — this two-step wiring avoids a back-pointer cycle at
// construction time (see DESIGN.md, cyclic references).
func New(config Config, mapper heap.GroupMapperFunction, transport Transport) *Broker {
	if transport == nil {
		transport = NoopTransport{}
	}
	return &Broker{
		status:    NewBrokerStatus(),
		heap:      heap.New(config.TasksHeapSize, mapper),
		transport: transport,
		config:    config,
		now:       time.Now,
	}
}

// AttachLog wires the StatusChangesLog this broker drives writes through.
// Must be called exactly once, before Start.
func (b *Broker) AttachLog(changeLog statuslog.StatusChangesLog) {
	b.changeLog = changeLog
}

// AttachMetrics wires an optional Collector. Unset, every instrumentation
// call below is skipped; callers that care about observability construct
// one Collector per process and attach it to every Broker it reports on.
func (b *Broker) AttachMetrics(collector *metrics.Collector) {
	b.metrics = collector
}

// Start recovers from the latest snapshot and requests leadership.
// Activation happens in LeadershipAcquired, which both log
// implementations call before RequestLeadership returns.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.recover(ctx); err != nil {
		return fmt.Errorf("broker: recovery failed: %w", err)
	}
	if b.config.MaxFragmentation > 0 {
		b.heap.SetMaxFragmentation(b.config.MaxFragmentation)
	}
	return b.changeLog.RequestLeadership(ctx)
}

func (b *Broker) recover(ctx context.Context) error {
	snapshot, err := b.changeLog.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	b.status.Restore(snapshot)

	// Replay heap-free: status.Apply alone keeps BrokerStatus correct, and
	// the loop below is the single place that rebuilds the heap from
	// whatever is WAITING once replay is done. Using applyAndIndex here
	// too would insert every replayed ADD_TASK twice.
	if err := b.changeLog.Recover(ctx, snapshot.LastAppliedSeq, b.status.Apply); err != nil {
		return err
	}

	// recover() can run more than once on the same Broker (LeadershipAcquired
	// calls it again to catch up before activating), so the heap is reset
	// first rather than assumed empty.
	b.heap.Clear()
	for _, t := range b.status.GetAllTasks() {
		if t.Status == types.TaskWaiting {
			if err := b.heap.Insert(t.ID, t.Type, t.UserID); err != nil {
				log.Warn("dropped waiting task during recovery: heap full", "taskID", t.ID)
			}
		}
	}
	return nil
}

// applyAndIndex applies one tailed edit and keeps the heap in step with
// it, since a follower never goes through Submit/TakeTasks' own
// bookkeeping. Used for FollowTheLeader, where edits arrive one at a time
// as the current leader appends them, not for the bulk recover() replay
// (see recover, which applies heap-free and rebuilds the heap once).
func (b *Broker) applyAndIndex(seq types.LogSequenceNumber, edit types.StatusEdit) {
	b.status.Apply(seq, edit)
	switch edit.Type {
	case types.EditAddTask:
		if err := b.heap.Insert(edit.TaskID, edit.TaskType, edit.UserID); err != nil {
			log.Warn("dropped replayed task: heap full", "taskID", edit.TaskID)
		}
	case types.EditAssignTaskToWorker:
		b.heap.Remove(edit.TaskID)
	case types.EditPurgeTasks:
		// Purged tasks are FINISHED/ERROR and were already removed from
		// the heap when they were assigned (by Take on the leader, by the
		// ASSIGN_TASK_TO_WORKER case above on a follower). Nothing to
		// index.
	}
}

// LeadershipAcquired implements statuslog.LeadershipListener. Called by
// the log once this replica's epoch is writable. Per spec §4.5, the
// sequence is startWriting(), then recover() to catch up on every edit
// the previous leader appended while this replica was following, and
// only then does it mark itself active and start serving writes.
func (b *Broker) LeadershipAcquired() {
	ctx := context.Background()
	if err := b.changeLog.StartWriting(ctx); err != nil {
		log.Error("StartWriting failed after leadership acquired", "error", err)
		return
	}
	if err := b.recover(ctx); err != nil {
		log.Error("recovery failed after leadership acquired", "error", err)
		return
	}

	b.mu.Lock()
	if b.active {
		b.mu.Unlock()
		return
	}
	b.active = true
	b.stopCh = make(chan struct{})
	b.mu.Unlock()

	b.loopWg.Add(4)
	go b.checkpointLoop()
	go b.purgeLoop()
	go b.workerTimeoutLoop()
	go b.metricsLoop()

	if b.metrics != nil {
		b.metrics.SetLeader(true)
	}
	log.Info("leadership acquired, broker active")
}

// LeadershipLost implements statuslog.LeadershipListener. Stops the
// background loops and runs one FollowTheLeader pass in the background to
// catch up on the new leader's edits.
func (b *Broker) LeadershipLost() {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}
	b.active = false
	close(b.stopCh)
	b.mu.Unlock()

	b.loopWg.Wait()
	if b.metrics != nil {
		b.metrics.SetLeader(false)
	}
	log.Warn("leadership lost, following new leader")

	go func() {
		skipPast := b.status.LastAppliedSeq()
		if err := b.changeLog.FollowTheLeader(context.Background(), skipPast, b.applyAndIndex); err != nil {
			log.Error("followTheLeader stopped with error", "error", err)
		}
	}()
}

// Stop releases the broker's resources. It does not wait for an in-flight
// leadership transition to settle; callers that need a clean shutdown
// should stop submitting first.
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	wasActive := b.active
	b.active = false
	b.mu.Unlock()

	if wasActive {
		close(b.stopCh)
		b.loopWg.Wait()
	}
	if err := b.changeLog.Close(); err != nil {
		log.Error("error closing status log", "error", err)
	}
}

// SubmitTask appends an ADD_TASK edit, applies it, and inserts the new
// task into the heap. A full heap is rejected with heap.ErrHeapFull before
// anything is appended. It mirrors applyModification from spec §4.2:
// append happens outside BrokerStatus's lock, apply happens under it, and
// submitMu only serializes this façade's own submit path so task ids
// allocate without gaps under concurrent callers.
func (b *Broker) SubmitTask(ctx context.Context, taskType int32, userID string, parameter []byte) (types.TaskID, error) {
	b.submitMu.Lock()
	defer b.submitMu.Unlock()

	if b.heap.Size() >= b.heap.Capacity() {
		return 0, fmt.Errorf("broker: submit: %w", heap.ErrHeapFull)
	}

	taskID := b.status.NextTaskID()
	edit := types.NewAddTask(taskID, taskType, userID, parameter, b.now().UnixMilli())

	seq, err := b.changeLog.Append(ctx, edit)
	if err != nil {
		if b.metrics != nil {
			b.metrics.RecordEditRejected("append_failed")
		}
		return 0, fmt.Errorf("broker: submit: %w", err)
	}
	b.status.Apply(seq, edit)
	if b.metrics != nil {
		b.metrics.RecordEditAppended(string(edit.Type))
	}

	if err := b.heap.Insert(taskID, taskType, userID); err != nil {
		return taskID, fmt.Errorf("broker: submit: %w", err)
	}
	return taskID, nil
}

// WorkerConnected appends and applies a WORKER_CONNECTED edit.
func (b *Broker) WorkerConnected(ctx context.Context, workerID, location, processID string) error {
	edit := types.NewWorkerConnected(workerID, location, processID, b.now().UnixMilli())
	seq, err := b.changeLog.Append(ctx, edit)
	if err != nil {
		if b.metrics != nil {
			b.metrics.RecordEditRejected("append_failed")
		}
		return fmt.Errorf("broker: workerConnected: %w", err)
	}
	b.status.Apply(seq, edit)
	if b.metrics != nil {
		b.metrics.RecordEditAppended(string(edit.Type))
	}
	return nil
}

// TakeTasks claims up to max waiting tasks matching groups/availableSpace
// from the heap, appends an ASSIGN_TASK_TO_WORKER edit per claimed task,
// and delivers each over Transport. A task is only removed from the heap
// once, by this call's own Take; if its append then fails, it is not
// returned to the heap and not included in the result, and it stays
// WAITING in BrokerStatus until recover() next rebuilds the heap.
func (b *Broker) TakeTasks(ctx context.Context, workerID string, max int, groups map[int32]struct{}, availableSpace map[int32]int) ([]types.TaskID, error) {
	claimed := b.heap.Take(max, groups, availableSpace)
	assigned := make([]types.TaskID, 0, len(claimed))

	for _, taskID := range claimed {
		edit := types.NewAssignTaskToWorker(taskID, workerID)
		seq, err := b.changeLog.Append(ctx, edit)
		if err != nil {
			log.Error("failed to append assignment, task stays WAITING outside the heap", "taskID", taskID, "error", err)
			if b.metrics != nil {
				b.metrics.RecordEditRejected("append_failed")
			}
			continue
		}
		b.status.Apply(seq, edit)
		if b.metrics != nil {
			b.metrics.RecordEditAppended(string(edit.Type))
		}

		task := b.status.GetTask(taskID)
		if task == nil {
			continue
		}
		if err := b.transport.DeliverAssignment(ctx, workerID, AssignedTask{TaskID: int64(taskID), TaskType: task.Type, Parameter: task.Parameter}); err != nil {
			log.Warn("failed to deliver assignment to worker; worker will discover it via poll/reconnect", "taskID", taskID, "workerID", workerID, "error", err)
		}
		assigned = append(assigned, taskID)
	}
	if b.metrics != nil {
		b.metrics.RecordDispatchBatch(len(assigned))
	}
	return assigned, nil
}

// FinishTask appends and applies a TASK_FINISHED edit.
func (b *Broker) FinishTask(ctx context.Context, taskID types.TaskID, workerID string, finalStatus types.TaskStatus, result []byte) error {
	edit := types.NewTaskFinished(taskID, workerID, finalStatus, result)
	seq, err := b.changeLog.Append(ctx, edit)
	if err != nil {
		if b.metrics != nil {
			b.metrics.RecordEditRejected("append_failed")
		}
		return fmt.Errorf("broker: finishTask: %w", err)
	}
	b.status.Apply(seq, edit)
	if b.metrics != nil {
		b.metrics.RecordEditAppended(string(edit.Type))
	}
	return nil
}

// Status exposes read accessors for the CLI and admin tooling.
func (b *Broker) Status() *BrokerStatus { return b.status }

func (b *Broker) checkpointLoop() {
	defer b.loopWg.Done()
	if b.config.CheckpointInterval <= 0 {
		return
	}
	ticker := time.NewTicker(b.config.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			start := b.now()
			snapshot := b.status.Snapshot()
			if err := b.changeLog.Checkpoint(context.Background(), snapshot); err != nil {
				log.Error("checkpoint failed, will retry next cycle", "error", err)
				continue
			}
			if b.metrics != nil {
				b.metrics.RecordCheckpointDuration(b.now().Sub(start).Seconds())
			}
		}
	}
}

// metricsLoop periodically samples the heap's occupancy and fragmentation
// into the attached Collector. A no-op when no Collector is attached.
func (b *Broker) metricsLoop() {
	defer b.loopWg.Done()
	if b.metrics == nil {
		return
	}
	ticker := time.NewTicker(metricsSamplePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.metrics.SetHeapStats(b.heap.Size(), b.heap.Capacity(), b.heap.Fragmentation())
		}
	}
}

// purgeLoop emits a PURGE_TASKS edit for finished tasks older than
// FinishedTasksRetention, under the normal log->apply discipline (see
// spec §9, SPEC_FULL.md §D).
func (b *Broker) purgeLoop() {
	defer b.loopWg.Done()
	if b.config.FinishedTasksPurgeSchedulerPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(b.config.FinishedTasksPurgeSchedulerPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			cutoff := b.now().Add(-b.config.FinishedTasksRetention).UnixMilli()
			ids := b.status.FinishedBefore(cutoff, b.config.MaxExpiredTasksPerCycle)
			if len(ids) == 0 {
				continue
			}
			edit := types.NewPurgeTasks(ids)
			seq, err := b.changeLog.Append(context.Background(), edit)
			if err != nil {
				log.Error("purge append failed, will retry next cycle", "error", err)
				if b.metrics != nil {
					b.metrics.RecordEditRejected("append_failed")
				}
				continue
			}
			b.status.Apply(seq, edit)
			if b.metrics != nil {
				b.metrics.RecordEditAppended(string(edit.Type))
				b.metrics.RecordPurged(len(ids))
			}
			log.Info("purged finished tasks", "count", len(ids))
		}
	}
}

// workerTimeoutLoop emits a WORKER_TIMEOUT edit for workers whose
// LastConnectionTs has gone stale, escalating their connectivity state
// under the normal log->apply discipline. Mirrors the teacher
// controller's timeoutLoop, generalized from sweeping expired jobs to
// sweeping stale workers (see SPEC_FULL.md §C.4).
func (b *Broker) workerTimeoutLoop() {
	defer b.loopWg.Done()
	if b.config.WorkerTimeoutSweepPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(b.config.WorkerTimeoutSweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			cutoff := b.now().Add(-b.config.WorkerTimeoutGracePeriod).UnixMilli()
			ids := b.status.StaleWorkers(cutoff)
			if len(ids) == 0 {
				continue
			}
			edit := types.NewWorkerTimeout(ids)
			seq, err := b.changeLog.Append(context.Background(), edit)
			if err != nil {
				log.Error("worker timeout append failed, will retry next cycle", "error", err)
				if b.metrics != nil {
					b.metrics.RecordEditRejected("append_failed")
				}
				continue
			}
			b.status.Apply(seq, edit)
			if b.metrics != nil {
				b.metrics.RecordEditAppended(string(edit.Type))
			}
			log.Info("escalated stale workers", "count", len(ids))
		}
	}
}
