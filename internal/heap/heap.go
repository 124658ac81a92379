// Package heap implements TasksHeap: a fixed-capacity, group-aware buffer
// of waiting tasks supporting O(1) amortized insert and bounded-time
// batched take, with online compaction when fragmentation grows too high.
//
// There is no equivalent structure in the teacher repo (which queues jobs
// in a plain slice); the shape here is grounded directly on
// dodo-core's TasksHeapBenchTest, the only source that
// exercises the real API (insertTask / takeTasks / setMaxFragmentation).
package heap

import (
	"errors"
	"sync"

	"github.com/arcaio/dispatch-broker/pkg/types"
)

// GroupAny is the sentinel group id meaning "accept any group" in take.
const GroupAny int32 = -1

// ErrHeapFull is returned by Insert when no empty slot remains.
var ErrHeapFull = errors.New("heap: no empty slot available")

// GroupMapperFunction computes the dispatch group for a task. It must be
// pure and side-effect-free: it is invoked while the heap's lock is held.
type GroupMapperFunction func(taskID types.TaskID, taskType int32, userID string) int32

type slot struct {
	occupied bool
	taskID   types.TaskID
	taskType int32
	groupID  int32
}

// TasksHeap is a fixed-capacity array of slots with a rotating insert
// cursor and group-aware batched take.
type TasksHeap struct {
	mu sync.Mutex

	slots     []slot
	size      int
	insertPos int
	takePos   int

	mapper          GroupMapperFunction
	maxFragmentation float64
}

// New creates a TasksHeap with the given fixed capacity and group mapper.
func New(capacity int, mapper GroupMapperFunction) *TasksHeap {
	return &TasksHeap{
		slots:           make([]slot, capacity),
		mapper:          mapper,
		maxFragmentation: 1.0, // compacts once empty slots before insertPos outnumber live entries
	}
}

// SetMaxFragmentation configures the compaction trigger: if the ratio of
// empty slots below insertPos to size exceeds threshold, the next Insert
// or Take compacts live entries to the left and resets insertPos.
func (h *TasksHeap) SetMaxFragmentation(threshold float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxFragmentation = threshold
}

// Insert places a task into the heap, computing its group via the
// configured mapper. Returns ErrHeapFull if every slot is occupied.
func (h *TasksHeap) Insert(taskID types.TaskID, taskType int32, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size >= len(h.slots) {
		return ErrHeapFull
	}

	groupID := h.mapper(taskID, taskType, userID)

	capacity := len(h.slots)
	for i := 0; i < capacity; i++ {
		pos := (h.insertPos + i) % capacity
		if !h.slots[pos].occupied {
			h.slots[pos] = slot{occupied: true, taskID: taskID, taskType: taskType, groupID: groupID}
			h.insertPos = (pos + 1) % capacity
			h.size++
			h.maybeCompactLocked()
			return nil
		}
	}
	return ErrHeapFull
}

// Take scans slots from a rotating cursor and claims up to max tasks whose
// group is in groups (or groups contains GroupAny) and whose taskType still
// has remaining space in availableSpace, which is decremented in place as
// tasks are claimed. A full pass over the slots, or reaching max, ends the
// scan.
func (h *TasksHeap) Take(max int, groups map[int32]struct{}, availableSpace map[int32]int) []types.TaskID {
	h.mu.Lock()
	defer h.mu.Unlock()

	capacity := len(h.slots)
	if capacity == 0 || max <= 0 {
		return nil
	}

	acceptAny := false
	if _, ok := groups[GroupAny]; ok {
		acceptAny = true
	}

	claimed := make([]types.TaskID, 0, max)
	scanned := 0
	for i := 0; i < capacity && len(claimed) < max; i++ {
		pos := (h.takePos + i) % capacity
		scanned = i + 1
		s := h.slots[pos]
		if !s.occupied {
			continue
		}
		if !acceptAny {
			if _, ok := groups[s.groupID]; !ok {
				continue
			}
		}
		remaining := availableSpace[s.taskType]
		if remaining <= 0 {
			continue
		}
		h.slots[pos] = slot{}
		h.size--
		availableSpace[s.taskType] = remaining - 1
		claimed = append(claimed, s.taskID)
	}
	h.takePos = (h.takePos + scanned) % capacity
	h.maybeCompactLocked()
	return claimed
}

// Remove drops the slot holding taskID, if any is still occupied by it.
// Used to keep the heap in step with edits that move a task out of
// WAITING without going through Take, such as a replayed
// ASSIGN_TASK_TO_WORKER.
func (h *TasksHeap) Remove(taskID types.TaskID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.slots {
		if s.occupied && s.taskID == taskID {
			h.slots[i] = slot{}
			h.size--
			return
		}
	}
}

// Clear empties every slot and resets both cursors, keeping the
// configured capacity, mapper and fragmentation threshold. Used before a
// full rebuild from BrokerStatus, so a recovery replay never finds
// leftovers from whatever this replica's heap held before.
func (h *TasksHeap) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slots = make([]slot, len(h.slots))
	h.size = 0
	h.insertPos = 0
	h.takePos = 0
}

// Scan invokes visitor for every live entry, in slot order, for
// diagnostics. visitor must not mutate the heap.
func (h *TasksHeap) Scan(visitor func(taskID types.TaskID, taskType, groupID int32)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.slots {
		if s.occupied {
			visitor(s.taskID, s.taskType, s.groupID)
		}
	}
}

// Size returns the number of live entries.
func (h *TasksHeap) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Capacity returns the fixed slot count.
func (h *TasksHeap) Capacity() int {
	return len(h.slots)
}

// Fragmentation reports the same empty-slots-before-insertPos ratio
// maybeCompactLocked checks against maxFragmentation, for metrics
// reporting.
func (h *TasksHeap) Fragmentation() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size == 0 {
		return 0
	}
	empty := 0
	for i := 0; i < h.insertPos; i++ {
		if !h.slots[i].occupied {
			empty++
		}
	}
	return float64(empty) / float64(h.size)
}

// maybeCompactLocked stable-packs live entries to the left when the ratio
// of empty slots preceding insertPos to size exceeds maxFragmentation.
// Caller must hold h.mu.
func (h *TasksHeap) maybeCompactLocked() {
	if h.size == 0 {
		h.insertPos, h.takePos = 0, 0
		return
	}

	empty := 0
	for i := 0; i < h.insertPos; i++ {
		if !h.slots[i].occupied {
			empty++
		}
	}
	if float64(empty)/float64(h.size) <= h.maxFragmentation {
		return
	}

	packed := make([]slot, len(h.slots))
	n := 0
	for _, s := range h.slots {
		if s.occupied {
			packed[n] = s
			n++
		}
	}
	h.slots = packed
	h.insertPos = n % len(h.slots)
	h.takePos = 0
}
