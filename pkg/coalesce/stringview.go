package coalesce

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	// viewInlineLimit is the largest value a view header stores inline.
	viewInlineLimit = 12
	// viewWasteFactor is how many times larger than the live data the retained
	// data buffers must be before a view column is rebuilt.
	viewWasteFactor = 2
)

// CompactionStats describes the work done by CompactStringViews on one batch.
type CompactionStats struct {
	ColumnsCompacted int   `json:"columns_compacted"`
	BytesBefore      int64 `json:"bytes_before"`
	BytesAfter       int64 `json:"bytes_after"`
}

// Add accumulates o into s.
func (s *CompactionStats) Add(o CompactionStats) {
	s.ColumnsCompacted += o.ColumnsCompacted
	s.BytesBefore += o.BytesBefore
	s.BytesAfter += o.BytesAfter
}

// Reclaimed returns the number of data buffer bytes no longer retained.
func (s CompactionStats) Reclaimed() int64 {
	return s.BytesBefore - s.BytesAfter
}

// viewArray is implemented by *array.StringView and *array.BinaryView.
type viewArray interface {
	arrow.Array
	ValueHeader(i int) *arrow.ViewHeader
}

// CompactStringViews rebuilds view columns of rec that retain much more data
// buffer memory than they reference. Filters, slices and hash repartitioning
// leave view arrays pointing into a small part of large shared buffers;
// buffering many of those batches would pin all of that memory.
//
// A column is rebuilt when its data buffers are more than twice the size of
// its out-of-line values. The rebuilt column holds exactly one data buffer
// (none when every value is inline), which also keeps later concatenation
// cheap. Other columns are returned as is.
//
// The returned record has the schema and row count of rec and is owned by the
// caller; rec itself is left untouched.
func CompactStringViews(mem memory.Allocator, rec arrow.Record) (arrow.Record, CompactionStats) {
	var stats CompactionStats
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	var cols []arrow.Array
	for i, col := range rec.Columns() {
		compacted, before, after := compactViewColumn(mem, col)
		if compacted == nil {
			continue
		}
		if cols == nil {
			cols = make([]arrow.Array, len(rec.Columns()))
			copy(cols, rec.Columns())
		}
		cols[i] = compacted
		stats.ColumnsCompacted++
		stats.BytesBefore += before
		stats.BytesAfter += after
	}

	if cols == nil {
		rec.Retain()
		return rec, stats
	}

	out := array.NewRecord(rec.Schema(), cols, rec.NumRows())
	for i, col := range cols {
		if col != rec.Column(i) {
			col.Release()
		}
	}
	return out, stats
}

// compactViewColumn returns a rebuilt copy of col, or nil when col is not a
// view column or is dense enough to keep.
func compactViewColumn(mem memory.Allocator, col arrow.Array) (arrow.Array, int64, int64) {
	views, ok := col.(viewArray)
	if !ok {
		return nil, 0, 0
	}

	ideal := idealDataSize(views)
	actual := retainedDataSize(views)
	if actual <= viewWasteFactor*ideal {
		return nil, 0, 0
	}

	switch a := col.(type) {
	case *array.StringView:
		b := array.NewStringViewBuilder(mem)
		defer b.Release()
		if ideal > 0 {
			b.SetBlockSize(uint(ideal))
		}
		b.Reserve(a.Len())
		for i := 0; i < a.Len(); i++ {
			if a.IsNull(i) {
				b.AppendNull()
				continue
			}
			b.Append(a.Value(i))
		}
		return b.NewArray(), actual, ideal
	case *array.BinaryView:
		b := array.NewBinaryViewBuilder(mem)
		defer b.Release()
		if ideal > 0 {
			b.SetBlockSize(uint(ideal))
		}
		b.Reserve(a.Len())
		for i := 0; i < a.Len(); i++ {
			if a.IsNull(i) {
				b.AppendNull()
				continue
			}
			b.Append(a.Value(i))
		}
		return b.NewArray(), actual, ideal
	default:
		return nil, 0, 0
	}
}

// idealDataSize sums the lengths of values too long to be stored inline.
func idealDataSize(a viewArray) int64 {
	var n int64
	for i := 0; i < a.Len(); i++ {
		if l := a.ValueHeader(i).Len(); l > viewInlineLimit {
			n += int64(l)
		}
	}
	return n
}

// retainedDataSize sums the lengths of every data buffer the array keeps
// alive. Buffers 0 and 1 are the validity bitmap and the view headers.
func retainedDataSize(a arrow.Array) int64 {
	var n int64
	bufs := a.Data().Buffers()
	if len(bufs) <= 2 {
		return 0
	}
	for _, buf := range bufs[2:] {
		if buf != nil {
			n += int64(buf.Len())
		}
	}
	return n
}
