package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCollector builds a Collector without touching the global
// Prometheus registry, so tests can run independently without colliding
// on duplicate metric registration.
func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return newCollector()
}

func TestRecordEditAppendedIncrementsByType(t *testing.T) {
	c := newTestCollector(t)
	c.RecordEditAppended("ADD_TASK")
	c.RecordEditAppended("ADD_TASK")
	c.RecordEditAppended("TASK_FINISHED")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.editsAppended.WithLabelValues("ADD_TASK")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.editsAppended.WithLabelValues("TASK_FINISHED")))
}

func TestSetHeapStats(t *testing.T) {
	c := newTestCollector(t)
	c.SetHeapStats(3, 10, 0.25)

	assert.Equal(t, float64(3), testutil.ToFloat64(c.tasksHeapSize))
	assert.Equal(t, float64(10), testutil.ToFloat64(c.tasksHeapCap))
	assert.Equal(t, 0.25, testutil.ToFloat64(c.fragmentation))
}

func TestSetLeaderTogglesGauge(t *testing.T) {
	c := newTestCollector(t)
	c.SetLeader(true)
	require.Equal(t, float64(1), testutil.ToFloat64(c.isLeader))
	c.SetLeader(false)
	require.Equal(t, float64(0), testutil.ToFloat64(c.isLeader))
}
