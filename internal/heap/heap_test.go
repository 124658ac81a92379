package heap

import (
	"testing"

	"github.com/arcaio/dispatch-broker/pkg/types"
)

func identityMapper(_ types.TaskID, _ int32, userID string) int32 {
	switch userID {
	case "u1":
		return 42
	case "u2":
		return 43
	default:
		return 0
	}
}

func anyGroups() map[int32]struct{} {
	return map[int32]struct{}{GroupAny: {}}
}

func TestInsertThenTakeReturnsTask(t *testing.T) {
	h := New(8, identityMapper)
	if err := h.Insert(1, 10, "u1"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if h.Size() != 1 {
		t.Fatalf("expected size 1, got %d", h.Size())
	}

	got := h.Take(1, anyGroups(), map[int32]int{10: 1})
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected [1], got %v", got)
	}
	if h.Size() != 0 {
		t.Fatalf("expected size 0 after take, got %d", h.Size())
	}
}

func TestTakeFiltersByGroup(t *testing.T) {
	h := New(8, identityMapper)
	_ = h.Insert(1, 10, "u1")
	_ = h.Insert(2, 10, "u2")

	got := h.Take(10, map[int32]struct{}{42: {}}, map[int32]int{10: 10})
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected only task 1 (group 42), got %v", got)
	}
}

func TestTakeRespectsPerTypeCapacity(t *testing.T) {
	h := New(32, identityMapper)
	for i := types.TaskID(1); i <= 5; i++ {
		_ = h.Insert(i, 10, "u1")
	}
	for i := types.TaskID(6); i <= 10; i++ {
		_ = h.Insert(i, 20, "u1")
	}

	got := h.Take(100, anyGroups(), map[int32]int{10: 2, 20: 3})
	var type10, type20 int
	seen := map[types.TaskID]bool{}
	for _, id := range got {
		if seen[id] {
			t.Fatalf("task %d returned twice", id)
		}
		seen[id] = true
		if id <= 5 {
			type10++
		} else {
			type20++
		}
	}
	if type10 != 2 || type20 != 3 {
		t.Fatalf("expected 2 type-10 and 3 type-20, got %d and %d", type10, type20)
	}
}

func TestInsertRejectsWhenFull(t *testing.T) {
	h := New(4, identityMapper)
	for i := types.TaskID(1); i <= 4; i++ {
		if err := h.Insert(i, 10, "u1"); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := h.Insert(5, 10, "u1"); err != ErrHeapFull {
		t.Fatalf("expected ErrHeapFull, got %v", err)
	}
	if h.Size() != 4 {
		t.Fatalf("expected size to remain 4, got %d", h.Size())
	}
}

func TestTakeNeverReturnsSameTaskTwice(t *testing.T) {
	h := New(8, identityMapper)
	_ = h.Insert(1, 10, "u1")

	first := h.Take(5, anyGroups(), map[int32]int{10: 5})
	second := h.Take(5, anyGroups(), map[int32]int{10: 5})
	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("expected task claimed once, got first=%v second=%v", first, second)
	}
}

func TestTakeCursorAdvancesPastClaimedSlots(t *testing.T) {
	h := New(4, identityMapper)
	for i := types.TaskID(1); i <= 4; i++ {
		_ = h.Insert(i, 10, "u1")
	}

	first := h.Take(1, anyGroups(), map[int32]int{10: 1})
	if len(first) != 1 || first[0] != 1 {
		t.Fatalf("expected [1], got %v", first)
	}

	// Slot 0 is now empty; insertPos wrapped back to it, so the next insert
	// lands there too. If takePos had not advanced past slot 0, the next
	// Take would see this new task before task 2, which is still waiting
	// further along the array.
	_ = h.Insert(5, 10, "u1")

	second := h.Take(1, anyGroups(), map[int32]int{10: 1})
	if len(second) != 1 || second[0] != 2 {
		t.Fatalf("expected cursor to have moved past slot 0, got %v", second)
	}
}

func TestCompactionPacksLiveEntries(t *testing.T) {
	h := New(8, identityMapper)
	h.SetMaxFragmentation(0.1)
	for i := types.TaskID(1); i <= 6; i++ {
		_ = h.Insert(i, 10, "u1")
	}
	_ = h.Take(4, anyGroups(), map[int32]int{10: 4})
	// 4 empty slots before insertPos against 2 live entries exceeds 0.1, so
	// Take packed tasks 5 and 6 into slots 0-1 and reset insertPos to 2;
	// task 7 then lands in slot 2.
	if err := h.Insert(7, 10, "u1"); err != nil {
		t.Fatalf("insert after compaction: %v", err)
	}
	if h.Size() != 3 {
		t.Fatalf("expected size 3, got %d", h.Size())
	}
	if h.insertPos != 3 {
		t.Fatalf("expected insertPos 3 after compaction, got %d", h.insertPos)
	}
}
