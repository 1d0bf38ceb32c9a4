package coalesce_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/coalesce/pkg/coalesce"
)

var uint32Schema = arrow.NewSchema([]arrow.Field{
	{Name: "c0", Type: arrow.PrimitiveTypes.Uint32},
}, nil)

// uint32Batch returns a single column batch holding start..end-1.
func uint32Batch(mem memory.Allocator, start, end uint32) arrow.Record {
	b := array.NewUint32Builder(mem)
	defer b.Release()
	for v := start; v < end; v++ {
		b.Append(v)
	}
	col := b.NewArray()
	defer col.Release()
	return array.NewRecord(uint32Schema, []arrow.Array{col}, int64(end-start))
}

func repeatBatch(rec arrow.Record, n int) []arrow.Record {
	out := make([]arrow.Record, n)
	for i := range out {
		out[i] = rec
	}
	return out
}

// uint32Values flattens column 0 of every record.
func uint32Values(t *testing.T, recs ...arrow.Record) []uint32 {
	t.Helper()
	var out []uint32
	for _, rec := range recs {
		col, ok := rec.Column(0).(*array.Uint32)
		require.True(t, ok, "column 0 is %T", rec.Column(0))
		out = append(out, col.Uint32Values()...)
	}
	return out
}

func rowCounts(recs []arrow.Record) []int64 {
	out := make([]int64, len(recs))
	for i, rec := range recs {
		out[i] = rec.NumRows()
	}
	return out
}

func releaseAll(recs []arrow.Record) {
	for _, rec := range recs {
		rec.Release()
	}
}

// stringViewColumn builds a string view array of rows values cycling
// through values, with data blocks of blockSize bytes. nil entries are nulls.
func stringViewColumn(mem memory.Allocator, rows int, blockSize uint, values ...*string) *array.StringView {
	b := array.NewStringViewBuilder(mem)
	defer b.Release()
	b.SetBlockSize(blockSize)
	for i := 0; i < rows; i++ {
		v := values[i%len(values)]
		if v == nil {
			b.AppendNull()
			continue
		}
		b.Append(*v)
	}
	return b.NewArray().(*array.StringView)
}

func strPtr(s string) *string { return &s }

func dataBufferCount(col arrow.Array) int {
	n := 0
	bufs := col.Data().Buffers()
	if len(bufs) <= 2 {
		return 0
	}
	for _, buf := range bufs[2:] {
		if buf != nil {
			n++
		}
	}
	return n
}

// sliceStream is a minimal RecordStream over a slice. It counts pulls and can
// fail once at a given position.
type sliceStream struct {
	schema  *arrow.Schema
	records []arrow.Record
	pos     int
	pulls   int
	errAt   int
	err     error
	closed  bool
}

func newSliceStream(schema *arrow.Schema, records []arrow.Record) *sliceStream {
	return &sliceStream{schema: schema, records: records, errAt: -1}
}

func (s *sliceStream) Schema() *arrow.Schema { return s.schema }

func (s *sliceStream) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.pulls++
	if s.err != nil && s.pos == s.errAt {
		s.errAt = -1
		return nil, s.err
	}
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	rec.Retain()
	return rec, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// slicePlan serves one sliceStream per partition.
type slicePlan struct {
	schema     *arrow.Schema
	partitions [][]arrow.Record
	streams    []*sliceStream
}

func (p *slicePlan) Name() string { return "SliceExec" }

func (p *slicePlan) Schema() *arrow.Schema { return p.schema }

func (p *slicePlan) OutputPartitions() int { return len(p.partitions) }

func (p *slicePlan) Execute(_ context.Context, partition int) (coalesce.RecordStream, error) {
	s := newSliceStream(p.schema, p.partitions[partition])
	p.streams = append(p.streams, s)
	return s, nil
}

// drain collects every record of s until io.EOF.
func drain(t *testing.T, s coalesce.RecordStream) []arrow.Record {
	t.Helper()
	var out []arrow.Record
	for {
		rec, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

// recordingMetrics is a StreamMetrics that remembers what it saw.
type recordingMetrics struct {
	inputRows   int64
	outputRows  int64
	batches     int
	computeTime time.Duration
	compaction  coalesce.CompactionStats
}

func (m *recordingMetrics) ObserveInput(rows int64) { m.inputRows += rows }

func (m *recordingMetrics) ObserveOutput(rows int64) {
	m.outputRows += rows
	m.batches++
}

func (m *recordingMetrics) ObserveCompute(d time.Duration) { m.computeTime += d }

func (m *recordingMetrics) ObserveCompaction(s coalesce.CompactionStats) { m.compaction.Add(s) }
