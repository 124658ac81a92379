// Package metrics exposes the broker's Prometheus metrics: rate of
// accepted edits, heap occupancy/fragmentation, dispatch batch size,
// checkpoint duration, and a leadership gauge. Shape and registration
// style are adapted from the teacher's internal/metrics/metrics.go
// (RED/USE-organized Collector, prometheus.MustRegister, promhttp server).
//
// Prometheus queries this collector is meant to answer:
//
//	rate(broker_edits_appended_total[1m])          # append throughput
//	broker_tasksheap_size / broker_tasksheap_capacity  # heap utilization
//	histogram_quantile(0.95, broker_checkpoint_duration_seconds_bucket)
//	broker_is_leader                                # 1 on the active leader
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every Prometheus metric the broker reports.
type Collector struct {
	editsAppended   *prometheus.CounterVec
	editsRejected   *prometheus.CounterVec
	dispatchBatch   prometheus.Histogram
	checkpointTime  prometheus.Histogram
	tasksHeapSize   prometheus.Gauge
	tasksHeapCap    prometheus.Gauge
	fragmentation   prometheus.Gauge
	isLeader        prometheus.Gauge
	purgedTasks     prometheus.Counter
}

// NewCollector builds and registers a Collector against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := newCollector()
	prometheus.MustRegister(
		c.editsAppended,
		c.editsRejected,
		c.dispatchBatch,
		c.checkpointTime,
		c.tasksHeapSize,
		c.tasksHeapCap,
		c.fragmentation,
		c.isLeader,
		c.purgedTasks,
	)
	return c
}

// newCollector builds a Collector without registering it anywhere, so
// tests can construct as many independent instances as they like without
// colliding on the default registry.
func newCollector() *Collector {
	c := &Collector{
		editsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_edits_appended_total",
			Help: "Total number of StatusEdits successfully appended, by edit type.",
		}, []string{"edit_type"}),
		editsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_edits_rejected_total",
			Help: "Total number of StatusEdit append attempts that failed, by reason.",
		}, []string{"reason"}),
		dispatchBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_dispatch_batch_size",
			Help:    "Number of tasks claimed per TakeTasks call.",
			Buckets: prometheus.LinearBuckets(0, 5, 10),
		}),
		checkpointTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_checkpoint_duration_seconds",
			Help:    "Wall time spent in StatusChangesLog.Checkpoint.",
			Buckets: prometheus.DefBuckets,
		}),
		tasksHeapSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_tasksheap_size",
			Help: "Current number of live entries in the tasks heap.",
		}),
		tasksHeapCap: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_tasksheap_capacity",
			Help: "Configured fixed capacity of the tasks heap.",
		}),
		fragmentation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_tasksheap_fragmentation_ratio",
			Help: "Ratio of empty slots before the insert cursor to heap size.",
		}),
		isLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_is_leader",
			Help: "1 if this replica currently holds leadership, 0 otherwise.",
		}),
		purgedTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_purged_tasks_total",
			Help: "Total number of finished tasks removed by the purge loop.",
		}),
	}
	return c
}

func (c *Collector) RecordEditAppended(editType string) {
	c.editsAppended.WithLabelValues(editType).Inc()
}

func (c *Collector) RecordEditRejected(reason string) {
	c.editsRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordDispatchBatch(size int) {
	c.dispatchBatch.Observe(float64(size))
}

func (c *Collector) RecordCheckpointDuration(seconds float64) {
	c.checkpointTime.Observe(seconds)
}

func (c *Collector) SetHeapStats(size, capacity int, fragmentationRatio float64) {
	c.tasksHeapSize.Set(float64(size))
	c.tasksHeapCap.Set(float64(capacity))
	c.fragmentation.Set(fragmentationRatio)
}

func (c *Collector) SetLeader(isLeader bool) {
	if isLeader {
		c.isLeader.Set(1)
	} else {
		c.isLeader.Set(0)
	}
}

func (c *Collector) RecordPurged(count int) {
	c.purgedTasks.Add(float64(count))
}

// StartServer exposes /metrics over HTTP on port, blocking until the
// server returns an error.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
