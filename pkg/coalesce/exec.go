package coalesce

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"

	"github.com/ajitpratap0/coalesce/pkg/errors"
)

// Plan is a node of a physical plan producing one RecordStream per partition.
type Plan interface {
	Name() string
	Schema() *arrow.Schema
	OutputPartitions() int
	Execute(ctx context.Context, partition int) (RecordStream, error)
}

// MetricsFactory returns the instrumentation hook of one partition.
type MetricsFactory func(partition int) StreamMetrics

// CoalesceBatchesExec combines small batches of its input into batches of at
// least TargetBatchSize rows so that later operators pay their per-batch
// overhead less often. With a fetch limit it stops reading once that many rows
// are buffered and emits them as the final batch.
//
// Partitioning, ordering and schema of the input are preserved.
type CoalesceBatchesExec struct {
	input           Plan
	targetBatchSize int64
	fetch           int64
	hasFetch        bool

	compact bool
	mem     memory.Allocator
	metrics MetricsFactory
	logger  *zap.Logger
}

// ExecOption configures a CoalesceBatchesExec.
type ExecOption func(*CoalesceBatchesExec)

// WithExecLogger sets the logger handed to every partition stream.
func WithExecLogger(l *zap.Logger) ExecOption {
	return func(e *CoalesceBatchesExec) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetricsFactory sets the per-partition instrumentation hook.
func WithMetricsFactory(f MetricsFactory) ExecOption {
	return func(e *CoalesceBatchesExec) { e.metrics = f }
}

// WithExecAllocator sets the allocator used for compaction and concatenation.
func WithExecAllocator(mem memory.Allocator) ExecOption {
	return func(e *CoalesceBatchesExec) {
		if mem != nil {
			e.mem = mem
		}
	}
}

// WithCompaction toggles string view compaction of input batches.
func WithCompaction(enabled bool) ExecOption {
	return func(e *CoalesceBatchesExec) { e.compact = enabled }
}

// NewCoalesceBatchesExec creates a coalescing node over input.
func NewCoalesceBatchesExec(input Plan, targetBatchSize int64, opts ...ExecOption) *CoalesceBatchesExec {
	e := &CoalesceBatchesExec{
		input:           input,
		targetBatchSize: targetBatchSize,
		compact:         true,
		mem:             memory.DefaultAllocator,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithFetch returns a copy of e limited to fetch rows.
func (e *CoalesceBatchesExec) WithFetch(fetch int64) *CoalesceBatchesExec {
	cp := *e
	cp.fetch = fetch
	cp.hasFetch = true
	return &cp
}

// WithoutFetch returns a copy of e without a row limit.
func (e *CoalesceBatchesExec) WithoutFetch() *CoalesceBatchesExec {
	cp := *e
	cp.fetch = 0
	cp.hasFetch = false
	return &cp
}

// Name implements Plan.
func (e *CoalesceBatchesExec) Name() string { return "CoalesceBatchesExec" }

// Input returns the wrapped plan.
func (e *CoalesceBatchesExec) Input() Plan { return e.input }

// Schema implements Plan. The input schema is passed through.
func (e *CoalesceBatchesExec) Schema() *arrow.Schema { return e.input.Schema() }

// OutputPartitions implements Plan. The input partitioning is passed through.
func (e *CoalesceBatchesExec) OutputPartitions() int { return e.input.OutputPartitions() }

// TargetBatchSize returns the minimum number of rows per output batch.
func (e *CoalesceBatchesExec) TargetBatchSize() int64 { return e.targetBatchSize }

// Fetch returns the row limit and whether one is set.
func (e *CoalesceBatchesExec) Fetch() (int64, bool) { return e.fetch, e.hasFetch }

// MaintainsInputOrder reports that rows leave in the order they arrive.
func (e *CoalesceBatchesExec) MaintainsInputOrder() bool { return true }

// String renders the node for plan display.
func (e *CoalesceBatchesExec) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: target_batch_size=%d", e.Name(), e.targetBatchSize)
	if e.hasFetch {
		fmt.Fprintf(&b, ", fetch=%d", e.fetch)
	}
	return b.String()
}

// Execute implements Plan. Each call builds an independent coalescer and
// driver; partitions share no state.
func (e *CoalesceBatchesExec) Execute(ctx context.Context, partition int) (RecordStream, error) {
	if partition < 0 || partition >= e.OutputPartitions() {
		return nil, errors.Newf(errors.ErrorTypeValidation, "partition %d out of range [0, %d)",
			partition, e.OutputPartitions()).
			WithDetail("partition", partition)
	}
	if e.targetBatchSize <= 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "target batch size must be positive").
			WithDetail("target_batch_size", e.targetBatchSize)
	}
	if e.hasFetch && e.fetch < 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "fetch cannot be negative").
			WithDetail("fetch", e.fetch)
	}

	input, err := e.input.Execute(ctx, partition)
	if err != nil {
		return nil, err
	}

	copts := []Option{WithAllocator(e.mem)}
	if e.hasFetch {
		copts = append(copts, WithFetch(e.fetch))
	}
	coalescer := NewBatchCoalescer(e.input.Schema(), e.targetBatchSize, copts...)

	sopts := []StreamOption{
		WithStreamAllocator(e.mem),
		WithStringViewCompaction(e.compact),
		WithLogger(e.logger.With(zap.Int("partition", partition))),
	}
	if e.metrics != nil {
		sopts = append(sopts, WithStreamMetrics(e.metrics(partition)))
	}
	return NewCoalesceStream(input, coalescer, sopts...), nil
}
