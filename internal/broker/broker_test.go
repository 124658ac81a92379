package broker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/arcaio/dispatch-broker/internal/heap"
	"github.com/arcaio/dispatch-broker/internal/metrics"
	"github.com/arcaio/dispatch-broker/internal/statuslog/memlog"
	"github.com/arcaio/dispatch-broker/pkg/types"
	"github.com/stretchr/testify/require"
)

func anyGroup() map[int32]struct{} { return map[int32]struct{}{heap.GroupAny: {}} }

func identityMapper(_ types.TaskID, _ int32, _ string) int32 { return heap.GroupAny }

func newTestBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	b := New(cfg, identityMapper, NoopTransport{})
	l := memlog.New(b, types.EmptySnapshot(), nil)
	b.AttachLog(l)
	require.NoError(t, b.Start(context.Background()))
	return b
}

func TestSubmitAssignFinish(t *testing.T) {
	b := newTestBroker(t, Config{TasksHeapSize: 8})
	ctx := context.Background()

	taskID, err := b.SubmitTask(ctx, 10, "u1", []byte("p"))
	require.NoError(t, err)
	require.Equal(t, 1, b.heap.Size())

	assigned, err := b.TakeTasks(ctx, "w1", 1, anyGroup(), map[int32]int{10: 1})
	require.NoError(t, err)
	require.Equal(t, []types.TaskID{taskID}, assigned)

	task := b.Status().GetTask(taskID)
	require.Equal(t, types.TaskRunning, task.Status)
	require.Equal(t, "w1", task.WorkerID)

	require.NoError(t, b.FinishTask(ctx, taskID, "w1", types.TaskFinished, []byte("r")))
	task = b.Status().GetTask(taskID)
	require.Equal(t, types.TaskFinished, task.Status)
	require.Equal(t, []byte("r"), task.Result)
}

func TestAttachMetricsRecordsSubmittedEdits(t *testing.T) {
	b := New(Config{TasksHeapSize: 4}, identityMapper, NoopTransport{})
	l := memlog.New(b, types.EmptySnapshot(), nil)
	b.AttachLog(l)
	collector := metrics.NewCollector()
	b.AttachMetrics(collector)
	require.NoError(t, b.Start(context.Background()))

	ctx := context.Background()
	_, err := b.SubmitTask(ctx, 10, "u1", nil)
	require.NoError(t, err)

	require.NotNil(t, b.metrics)

	expected := `
# HELP broker_edits_appended_total Total number of StatusEdits successfully appended, by edit type.
# TYPE broker_edits_appended_total counter
broker_edits_appended_total{edit_type="ADD_TASK"} 1
`
	require.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer, strings.NewReader(expected), "broker_edits_appended_total"))
}

func TestHeapFullRejectsSubmit(t *testing.T) {
	b := newTestBroker(t, Config{TasksHeapSize: 2})
	ctx := context.Background()

	_, err := b.SubmitTask(ctx, 10, "u1", nil)
	require.NoError(t, err)
	_, err = b.SubmitTask(ctx, 10, "u1", nil)
	require.NoError(t, err)

	_, err = b.SubmitTask(ctx, 10, "u1", nil)
	require.ErrorIs(t, err, heap.ErrHeapFull)
}

// TestRecoverWithLogLinesPastSnapshotRebuildsHeapOnce reproduces a crash
// recovery where the log has lines after the last checkpoint: one task
// added and immediately assigned within the replayed tail, and one task
// left WAITING. The heap must end up holding exactly the WAITING task
// once, not the assigned task (never removed) or the WAITING task twice
// (inserted once by replay and again by the post-replay rebuild).
func TestRecoverWithLogLinesPastSnapshotRebuildsHeapOnce(t *testing.T) {
	ctx := context.Background()

	snap := types.EmptySnapshot()
	bootLines := []types.StatusEdit{
		types.NewAddTask(1, 10, "u1", nil, 0),
		types.NewAssignTaskToWorker(1, "w1"),
		types.NewAddTask(2, 10, "u1", nil, 0),
	}

	b := New(Config{TasksHeapSize: 8}, identityMapper, NoopTransport{})
	l := memlog.New(b, snap, bootLines)
	b.AttachLog(l)
	require.NoError(t, b.Start(ctx))

	require.Equal(t, 1, b.heap.Size())
	task1 := b.Status().GetTask(1)
	require.Equal(t, types.TaskRunning, task1.Status)

	assigned, err := b.TakeTasks(ctx, "w2", 10, anyGroup(), map[int32]int{10: 10})
	require.NoError(t, err)
	require.Equal(t, []types.TaskID{2}, assigned)
}

// TestApplyAndIndexRemovesAssignedTaskFromHeap exercises the per-edit path
// FollowTheLeader drives while this replica is a follower tailing another
// node's leadership: an ASSIGN_TASK_TO_WORKER edit must remove the task
// from the heap, or a later promotion re-dispatches an already-RUNNING
// task and BrokerStatus.Apply panics on the resulting precondition
// violation.
func TestApplyAndIndexRemovesAssignedTaskFromHeap(t *testing.T) {
	b := newTestBroker(t, Config{TasksHeapSize: 4})
	ctx := context.Background()

	taskID, err := b.SubmitTask(ctx, 10, "u1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, b.heap.Size())

	b.applyAndIndex(types.LogSequenceNumber{Epoch: 1, Offset: 999}, types.NewAssignTaskToWorker(taskID, "w-other"))

	require.Equal(t, 0, b.heap.Size())
	assigned, err := b.TakeTasks(ctx, "w-self", 10, anyGroup(), map[int32]int{10: 10})
	require.NoError(t, err)
	require.Empty(t, assigned)
}

func TestCheckpointThenRecoveryEquivalence(t *testing.T) {
	ctx := context.Background()

	b1 := New(Config{TasksHeapSize: 16}, identityMapper, NoopTransport{})
	l := memlog.New(b1, types.EmptySnapshot(), nil)
	b1.AttachLog(l)
	require.NoError(t, b1.Start(ctx))

	for i := 0; i < 3; i++ {
		_, err := b1.SubmitTask(ctx, 10, "u1", nil)
		require.NoError(t, err)
	}
	snap := b1.Status().Snapshot()
	require.NoError(t, l.Checkpoint(ctx, snap))

	_, err := b1.SubmitTask(ctx, 10, "u1", nil)
	require.NoError(t, err)

	// A fresh replica booting from the same snapshot (but with no further
	// log lines, since l2 is a separate in-memory log) sees exactly the
	// 3 tasks that were checkpointed.
	b2 := New(Config{TasksHeapSize: 16}, identityMapper, NoopTransport{})
	l2 := memlog.New(b2, snap, nil)
	b2.AttachLog(l2)
	require.NoError(t, b2.Start(ctx))
	require.Equal(t, 3, len(b2.Status().GetAllTasks()))

	allTasks := b1.Status().GetAllTasks()
	require.Equal(t, 4, len(allTasks))
}

func TestTaskIDsStayMonotoneAcrossRecovery(t *testing.T) {
	ctx := context.Background()

	b1 := New(Config{TasksHeapSize: 16}, identityMapper, NoopTransport{})
	l := memlog.New(b1, types.EmptySnapshot(), nil)
	b1.AttachLog(l)
	require.NoError(t, b1.Start(ctx))

	var lastID types.TaskID
	for i := 0; i < 7; i++ {
		id, err := b1.SubmitTask(ctx, 10, "u1", nil)
		require.NoError(t, err)
		lastID = id
	}
	require.EqualValues(t, 7, lastID)
	snap := b1.Status().Snapshot()
	require.NoError(t, l.Checkpoint(ctx, snap))

	b2 := New(Config{TasksHeapSize: 16}, identityMapper, NoopTransport{})
	l2 := memlog.New(b2, snap, nil)
	b2.AttachLog(l2)
	require.NoError(t, b2.Start(ctx))

	nextID, err := b2.SubmitTask(ctx, 10, "u1", nil)
	require.NoError(t, err)
	require.EqualValues(t, 8, nextID)
}

func TestWorkerConnected(t *testing.T) {
	b := newTestBroker(t, Config{TasksHeapSize: 4})
	require.NoError(t, b.WorkerConnected(context.Background(), "w1", "host:1", "pid-1"))

	workers := b.Status().GetAllWorkers()
	require.Len(t, workers, 1)
	require.Equal(t, types.WorkerConnected, workers["w1"].Status)
}

func TestPurgeLoopRemovesOldFinishedTasks(t *testing.T) {
	fixedNow := time.Unix(1000, 0)
	b := newTestBroker(t, Config{
		TasksHeapSize:                     4,
		FinishedTasksRetention:            time.Second,
		FinishedTasksPurgeSchedulerPeriod: 10 * time.Millisecond,
		MaxExpiredTasksPerCycle:           10,
	})
	b.now = func() time.Time { return fixedNow }

	ctx := context.Background()
	taskID, err := b.SubmitTask(ctx, 10, "u1", nil)
	require.NoError(t, err)
	_, err = b.TakeTasks(ctx, "w1", 1, anyGroup(), map[int32]int{10: 1})
	require.NoError(t, err)
	require.NoError(t, b.FinishTask(ctx, taskID, "w1", types.TaskFinished, nil))

	b.now = func() time.Time { return fixedNow.Add(2 * time.Second) }
	require.Eventually(t, func() bool {
		return b.Status().GetTask(taskID) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerTimeoutLoopEscalatesStaleWorkers(t *testing.T) {
	fixedNow := time.Unix(1000, 0)
	b := newTestBroker(t, Config{
		TasksHeapSize:            4,
		WorkerTimeoutGracePeriod: time.Second,
		WorkerTimeoutSweepPeriod: 10 * time.Millisecond,
	})
	b.now = func() time.Time { return fixedNow }

	require.NoError(t, b.WorkerConnected(context.Background(), "w1", "host:1", "pid-1"))

	b.now = func() time.Time { return fixedNow.Add(2 * time.Second) }
	require.Eventually(t, func() bool {
		return b.Status().GetAllWorkers()["w1"].Status == types.WorkerDisconnected
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return b.Status().GetAllWorkers()["w1"].Status == types.WorkerDead
	}, time.Second, 5*time.Millisecond)
}
