// Package groupmapper resolves the tasks.groupmapper configuration key
// (spec §6) to a concrete heap.GroupMapperFunction. The original system
// resolves this identifier to a Java class by reflection; here it is a
// small named registry instead, grounded on the same pluggability
// requirement.
package groupmapper

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/arcaio/dispatch-broker/internal/heap"
	"github.com/arcaio/dispatch-broker/pkg/types"
)

var (
	mu       sync.RWMutex
	registry = map[string]heap.GroupMapperFunction{
		"byUserHash": byUserHash,
		"singleton":  singleton,
	}
)

// Register adds or replaces a named mapper. Intended to be called from
// package init() by collaborators embedding this broker with their own
// grouping policy.
func Register(name string, fn heap.GroupMapperFunction) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = fn
}

// Resolve looks up a mapper by name, as referenced by the
// tasks.groupmapper configuration key.
func Resolve(name string) (heap.GroupMapperFunction, error) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("groupmapper: unknown mapper %q", name)
	}
	return fn, nil
}

// byUserHash is the default mapper: it routes tasks by a stable hash of
// userID, giving workers specialized for one user's tasks a bounded set of
// groups to subscribe to.
func byUserHash(_ types.TaskID, _ int32, userID string) int32 {
	if userID == "" {
		return heap.GroupAny
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int32(h.Sum32() & 0x7fffffff)
}

// singleton routes every task to group 0, used for deployments that do not
// need group-based worker specialization.
func singleton(_ types.TaskID, _ int32, _ string) int32 {
	return 0
}

// TwoUserTestMapper deterministically maps the two named test users to
// fixed groups 42 and 43, matching dodo-core's
// TasksHeapBenchTest fixture. Registered as "twoUserTest" for integration
// tests exercising S2 (group filter).
func TwoUserTestMapper(_ types.TaskID, _ int32, userID string) int32 {
	switch userID {
	case "u1":
		return 42
	case "u2":
		return 43
	default:
		return heap.GroupAny
	}
}

func init() {
	Register("twoUserTest", TwoUserTestMapper)
}
