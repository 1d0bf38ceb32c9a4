// Package metrics exports Prometheus metrics for coalescing streams and keeps
// per-partition totals for run reports.
//
// # Basic Usage
//
//	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
//	exec := coalesce.NewCoalesceBatchesExec(input, 8192,
//	    coalesce.WithMetricsFactory(collector.MetricsFactory()))
//
//	// after the run
//	for _, p := range collector.Snapshot() {
//	    fmt.Println(p.Partition, p.OutputRows)
//	}
//
// # Metric Types
//
// Counter: rows in and out, emitted batches, compacted columns, reclaimed bytes
// Histogram: compute time spent per push or flush
package metrics

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ajitpratap0/coalesce/pkg/coalesce"
)

const namespace = "coalesce"

// Collector owns the Prometheus collectors of one registry and hands out a
// PartitionRecorder per partition. Safe for concurrent use.
type Collector struct {
	inputRows      *prometheus.CounterVec
	outputRows     *prometheus.CounterVec
	outputBatches  *prometheus.CounterVec
	computeSeconds *prometheus.HistogramVec
	compactions    *prometheus.CounterVec
	reclaimedBytes *prometheus.CounterVec

	mu         sync.Mutex
	partitions map[int]*PartitionRecorder
}

// NewCollector registers the coalesce metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	labels := []string{"partition"}

	return &Collector{
		inputRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_rows_total",
			Help:      "Rows received from the input stream",
		}, labels),
		outputRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_rows_total",
			Help:      "Rows emitted in coalesced batches",
		}, labels),
		outputBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_batches_total",
			Help:      "Coalesced batches emitted",
		}, labels),
		computeSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compute_seconds",
			Help:      "Time spent compacting, buffering and concatenating batches",
			Buckets: []float64{
				1e-6, // 1μs
				1e-5, // 10μs
				1e-4, // 100μs
				1e-3, // 1ms
				1e-2, // 10ms
				1e-1, // 100ms
				1,
			},
		}, labels),
		compactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "string_view_compactions_total",
			Help:      "String view columns rebuilt before buffering",
		}, labels),
		reclaimedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "string_view_reclaimed_bytes_total",
			Help:      "Data buffer bytes released by string view compaction",
		}, labels),
		partitions: make(map[int]*PartitionRecorder),
	}
}

// Partition returns the recorder of partition, creating it on first use.
func (c *Collector) Partition(partition int) *PartitionRecorder {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.partitions[partition]; ok {
		return r
	}
	label := strconv.Itoa(partition)
	r := &PartitionRecorder{
		partition:      partition,
		inputRows:      c.inputRows.WithLabelValues(label),
		outputRows:     c.outputRows.WithLabelValues(label),
		outputBatches:  c.outputBatches.WithLabelValues(label),
		computeSeconds: c.computeSeconds.WithLabelValues(label),
		compactions:    c.compactions.WithLabelValues(label),
		reclaimedBytes: c.reclaimedBytes.WithLabelValues(label),
		timer:          NewTimer("partition_" + label),
	}
	c.partitions[partition] = r
	return r
}

// MetricsFactory adapts the collector to coalesce.WithMetricsFactory.
func (c *Collector) MetricsFactory() coalesce.MetricsFactory {
	return func(partition int) coalesce.StreamMetrics {
		return c.Partition(partition)
	}
}

// Snapshot returns the totals of every partition seen so far, ordered by
// partition index.
func (c *Collector) Snapshot() []PartitionStats {
	c.mu.Lock()
	recorders := make([]*PartitionRecorder, 0, len(c.partitions))
	for _, r := range c.partitions {
		recorders = append(recorders, r)
	}
	c.mu.Unlock()

	sort.Slice(recorders, func(i, j int) bool { return recorders[i].partition < recorders[j].partition })
	out := make([]PartitionStats, len(recorders))
	for i, r := range recorders {
		out[i] = r.Stats()
	}
	return out
}

// PartitionStats are the totals of one partition.
type PartitionStats struct {
	Partition           int           `json:"partition"`
	InputRows           int64         `json:"input_rows"`
	OutputRows          int64         `json:"output_rows"`
	OutputBatches       int64         `json:"output_batches"`
	ComputeTime         time.Duration `json:"compute_time_ns"`
	ColumnsCompacted    int64         `json:"columns_compacted"`
	ReclaimedBytes      int64         `json:"reclaimed_bytes"`
	OutputRowsPerSecond float64       `json:"output_rows_per_second"`
}

// PartitionRecorder implements coalesce.StreamMetrics for one partition.
// Prometheus series are updated as events arrive; totals are kept with
// atomics so Stats can be read while the stream runs.
type PartitionRecorder struct {
	partition int

	inputRows      prometheus.Counter
	outputRows     prometheus.Counter
	outputBatches  prometheus.Counter
	computeSeconds prometheus.Observer
	compactions    prometheus.Counter
	reclaimedBytes prometheus.Counter
	timer          *Timer

	totalInput     atomic.Int64
	totalOutput    atomic.Int64
	totalBatches   atomic.Int64
	totalCompute   atomic.Int64
	totalCompacted atomic.Int64
	totalReclaimed atomic.Int64
}

var _ coalesce.StreamMetrics = (*PartitionRecorder)(nil)

// ObserveInput implements coalesce.StreamMetrics.
func (r *PartitionRecorder) ObserveInput(rows int64) {
	r.inputRows.Add(float64(rows))
	r.totalInput.Add(rows)
}

// ObserveOutput implements coalesce.StreamMetrics.
func (r *PartitionRecorder) ObserveOutput(rows int64) {
	r.outputRows.Add(float64(rows))
	r.outputBatches.Inc()
	r.totalOutput.Add(rows)
	r.totalBatches.Add(1)
}

// ObserveCompute implements coalesce.StreamMetrics.
func (r *PartitionRecorder) ObserveCompute(d time.Duration) {
	r.computeSeconds.Observe(d.Seconds())
	r.totalCompute.Add(int64(d))
}

// ObserveCompaction implements coalesce.StreamMetrics.
func (r *PartitionRecorder) ObserveCompaction(stats coalesce.CompactionStats) {
	r.compactions.Add(float64(stats.ColumnsCompacted))
	r.totalCompacted.Add(int64(stats.ColumnsCompacted))
	if reclaimed := stats.Reclaimed(); reclaimed > 0 {
		r.reclaimedBytes.Add(float64(reclaimed))
		r.totalReclaimed.Add(reclaimed)
	}
}

// Stats returns the current totals.
func (r *PartitionRecorder) Stats() PartitionStats {
	s := PartitionStats{
		Partition:        r.partition,
		InputRows:        r.totalInput.Load(),
		OutputRows:       r.totalOutput.Load(),
		OutputBatches:    r.totalBatches.Load(),
		ComputeTime:      time.Duration(r.totalCompute.Load()),
		ColumnsCompacted: r.totalCompacted.Load(),
		ReclaimedBytes:   r.totalReclaimed.Load(),
	}
	if elapsed := r.timer.Stop().Seconds(); elapsed > 0 {
		s.OutputRowsPerSecond = float64(s.OutputRows) / elapsed
	}
	return s
}

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the name the timer was created with.
func (t *Timer) Name() string { return t.name }

// Stop returns the elapsed duration since creation. It can be called more
// than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
