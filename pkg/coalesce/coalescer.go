package coalesce

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ajitpratap0/coalesce/pkg/errors"
)

// CoalescerState is the outcome of BatchCoalescer.Push.
type CoalescerState int

const (
	// Continue means neither the target batch size nor the fetch limit is reached.
	Continue CoalescerState = iota
	// TargetReached means at least the target batch size is buffered.
	TargetReached
	// LimitReached means the fetch limit is buffered and no more rows are needed.
	LimitReached
)

func (s CoalescerState) String() string {
	switch s {
	case Continue:
		return "continue"
	case TargetReached:
		return "target_reached"
	case LimitReached:
		return "limit_reached"
	default:
		return "unknown"
	}
}

// BatchCoalescer concatenates small record batches into larger ones.
//
// Output rows keep input order, and every batch produced by Finish except the
// last holds at least TargetBatchSize rows unless the fetch limit cut the
// stream short. A BatchCoalescer belongs to one stream and is not safe for
// concurrent use.
type BatchCoalescer struct {
	schema          *arrow.Schema
	targetBatchSize int64
	fetch           int64
	hasFetch        bool
	mem             memory.Allocator

	// totalRows counts every row accepted since creation and is never reset.
	totalRows int64
	// bufferedRows is the sum of NumRows over buffer.
	bufferedRows int64
	buffer       []arrow.Record
}

// Option configures a BatchCoalescer.
type Option func(*BatchCoalescer)

// WithFetch caps the total number of rows the coalescer accepts.
func WithFetch(fetch int64) Option {
	return func(c *BatchCoalescer) {
		c.fetch = fetch
		c.hasFetch = true
	}
}

// WithAllocator sets the allocator used for concatenated batches.
func WithAllocator(mem memory.Allocator) Option {
	return func(c *BatchCoalescer) {
		if mem != nil {
			c.mem = mem
		}
	}
}

// NewBatchCoalescer creates a coalescer producing batches of schema with at
// least targetBatchSize rows.
func NewBatchCoalescer(schema *arrow.Schema, targetBatchSize int64, opts ...Option) *BatchCoalescer {
	c := &BatchCoalescer{
		schema:          schema,
		targetBatchSize: targetBatchSize,
		mem:             memory.DefaultAllocator,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Schema returns the schema of the output batches.
func (c *BatchCoalescer) Schema() *arrow.Schema { return c.schema }

// TargetBatchSize returns the minimum number of rows of an output batch.
func (c *BatchCoalescer) TargetBatchSize() int64 { return c.targetBatchSize }

// Fetch returns the row limit and whether one is set.
func (c *BatchCoalescer) Fetch() (int64, bool) { return c.fetch, c.hasFetch }

// TotalRows returns the number of rows accepted so far.
func (c *BatchCoalescer) TotalRows() int64 { return c.totalRows }

// BufferedRows returns the number of rows waiting for Finish.
func (c *BatchCoalescer) BufferedRows() int64 { return c.bufferedRows }

// IsEmpty reports whether no batch is buffered.
func (c *BatchCoalescer) IsEmpty() bool { return len(c.buffer) == 0 }

// Push buffers rec and reports whether a flush is due. The coalescer takes
// its own reference to rec; the caller keeps its reference.
//
// When the fetch limit is crossed only the leading rows up to the limit are
// kept. Pushing after LimitReached was returned is a caller bug and yields an
// invariant error without changing any state.
func (c *BatchCoalescer) Push(rec arrow.Record) (CoalescerState, error) {
	rows := rec.NumRows()

	if c.hasFetch && c.totalRows+rows >= c.fetch {
		remaining := c.fetch - c.totalRows
		if remaining <= 0 {
			return Continue, errors.New(errors.ErrorTypeInvariant, "push after fetch limit reached").
				WithDetail("fetch", c.fetch).
				WithDetail("total_rows", c.totalRows)
		}

		c.buffer = append(c.buffer, rec.NewSlice(0, remaining))
		c.bufferedRows += remaining
		c.totalRows = c.fetch
		return LimitReached, nil
	}

	if rows == 0 {
		return Continue, nil
	}

	rec.Retain()
	c.buffer = append(c.buffer, rec)
	c.totalRows += rows
	c.bufferedRows += rows
	if c.bufferedRows >= c.targetBatchSize {
		return TargetReached, nil
	}
	return Continue, nil
}

// Finish concatenates the buffered batches into one record owned by the
// caller and clears the buffer. TotalRows is not reset.
func (c *BatchCoalescer) Finish() (arrow.Record, error) {
	for i, rec := range c.buffer {
		if !rec.Schema().Equal(c.schema) {
			return nil, errors.New(errors.ErrorTypeSchemaMismatch, "buffered batch schema differs from stream schema").
				WithDetail("batch_index", i).
				WithDetail("expected", c.schema.String()).
				WithDetail("actual", rec.Schema().String())
		}
	}

	var out arrow.Record
	switch len(c.buffer) {
	case 0:
		out = c.emptyRecord()
	case 1:
		// ownership of the single buffered batch moves to the caller
		out = c.buffer[0]
		c.buffer[0] = nil
	default:
		rec, err := c.concat()
		if err != nil {
			return nil, err
		}
		out = rec
		c.releaseBuffer()
	}

	c.buffer = c.buffer[:0]
	c.bufferedRows = 0
	return out, nil
}

// Release drops every buffered batch. The coalescer stays usable.
func (c *BatchCoalescer) Release() {
	c.releaseBuffer()
	c.buffer = c.buffer[:0]
	c.bufferedRows = 0
}

func (c *BatchCoalescer) releaseBuffer() {
	for i, rec := range c.buffer {
		if rec != nil {
			rec.Release()
			c.buffer[i] = nil
		}
	}
}

func (c *BatchCoalescer) concat() (arrow.Record, error) {
	ncols := len(c.schema.Fields())
	cols := make([]arrow.Array, ncols)
	defer func() {
		for _, col := range cols {
			if col != nil {
				col.Release()
			}
		}
	}()

	parts := make([]arrow.Array, len(c.buffer))
	for i := 0; i < ncols; i++ {
		for j, rec := range c.buffer {
			parts[j] = rec.Column(i)
		}
		col, err := array.Concatenate(parts, c.mem)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to concatenate buffered batches").
				WithDetail("column", c.schema.Field(i).Name)
		}
		cols[i] = col
	}

	return array.NewRecord(c.schema, cols, c.bufferedRows), nil
}

func (c *BatchCoalescer) emptyRecord() arrow.Record {
	cols := make([]arrow.Array, len(c.schema.Fields()))
	for i, f := range c.schema.Fields() {
		cols[i] = array.MakeArrayOfNull(c.mem, f.Type, 0)
	}
	rec := array.NewRecord(c.schema, cols, 0)
	for _, col := range cols {
		col.Release()
	}
	return rec
}
