package coalesce_test

import (
	"context"
	stderrors "errors"
	"io"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/coalesce/pkg/coalesce"
	"github.com/ajitpratap0/coalesce/pkg/errors"
)

func TestCoalesceStream(t *testing.T) {
	tests := []struct {
		name          string
		fetch         int64
		hasFetch      bool
		expectedSizes []int64
		expectedPulls int
	}{
		{name: "no fetch", expectedSizes: []int64{24, 24, 24, 8}, expectedPulls: 11},
		{name: "fetch larger than input", fetch: 100, hasFetch: true, expectedSizes: []int64{24, 24, 24, 8}, expectedPulls: 11},
		{name: "fetch less than input", fetch: 50, hasFetch: true, expectedSizes: []int64{24, 24, 2}, expectedPulls: 7},
		{name: "fetch on a target boundary", fetch: 48, hasFetch: true, expectedSizes: []int64{24, 24}, expectedPulls: 6},
		{name: "fetch less than target", fetch: 10, hasFetch: true, expectedSizes: []int64{10}, expectedPulls: 2},
		{name: "zero fetch", fetch: 0, hasFetch: true, expectedSizes: nil, expectedPulls: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
			defer mem.AssertSize(t, 0)

			batch := uint32Batch(mem, 0, 8)
			defer batch.Release()
			input := newSliceStream(uint32Schema, repeatBatch(batch, 10))

			opts := []coalesce.Option{coalesce.WithAllocator(mem)}
			if tt.hasFetch {
				opts = append(opts, coalesce.WithFetch(tt.fetch))
			}
			metrics := &recordingMetrics{}
			s := coalesce.NewCoalesceStream(input,
				coalesce.NewBatchCoalescer(uint32Schema, 21, opts...),
				coalesce.WithStreamAllocator(mem),
				coalesce.WithStreamMetrics(metrics),
				coalesce.WithLogger(zaptest.NewLogger(t)))

			output := drain(t, s)
			defer releaseAll(output)

			if tt.expectedSizes == nil {
				assert.Empty(t, output)
			} else {
				assert.Equal(t, tt.expectedSizes, rowCounts(output))
			}
			assert.Equal(t, tt.expectedPulls, input.pulls)

			var total int64
			for _, n := range tt.expectedSizes {
				total += n
			}
			all := uint32Values(t, repeatBatch(batch, 10)...)
			if total > 0 {
				assert.Equal(t, all[:total], uint32Values(t, output...))
			}
			assert.Equal(t, total, metrics.outputRows)
			assert.Equal(t, len(tt.expectedSizes), metrics.batches)

			// exhausted streams keep returning EOF
			_, err := s.Next(context.Background())
			assert.ErrorIs(t, err, io.EOF)

			require.NoError(t, s.Close())
			assert.True(t, input.closed)
		})
	}
}

func TestCoalesceStreamSingleLargeBatchOverFetch(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	batch := uint32Batch(mem, 0, 100)
	defer batch.Release()
	input := newSliceStream(uint32Schema, []arrow.Record{batch})

	s := coalesce.NewCoalesceStream(input,
		coalesce.NewBatchCoalescer(uint32Schema, 20, coalesce.WithFetch(7), coalesce.WithAllocator(mem)),
		coalesce.WithStreamAllocator(mem))
	defer s.Close()

	output := drain(t, s)
	defer releaseAll(output)

	assert.Equal(t, []int64{7}, rowCounts(output))
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6}, uint32Values(t, output...))
	assert.Equal(t, 1, input.pulls)
}

func TestCoalesceStreamUpstreamError(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	batch := uint32Batch(mem, 0, 8)
	defer batch.Release()

	boom := stderrors.New("boom")
	input := newSliceStream(uint32Schema, repeatBatch(batch, 10))
	input.errAt = 2
	input.err = boom

	c := coalesce.NewBatchCoalescer(uint32Schema, 21, coalesce.WithAllocator(mem))
	s := coalesce.NewCoalesceStream(input, c, coalesce.WithStreamAllocator(mem))
	defer s.Close()

	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(16), c.BufferedRows(), "buffered rows survive the error")

	// the stream resumes pulling on the next call
	output := drain(t, s)
	defer releaseAll(output)
	assert.Equal(t, []int64{24, 24, 24, 8}, rowCounts(output))
}

func TestCoalesceStreamSchemaMismatchIsSticky(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	batch := uint32Batch(mem, 0, 8)
	defer batch.Release()

	other := arrow.NewSchema([]arrow.Field{{Name: "other", Type: arrow.PrimitiveTypes.Uint32}}, nil)
	input := newSliceStream(other, repeatBatch(batch, 3))
	s := coalesce.NewCoalesceStream(input,
		coalesce.NewBatchCoalescer(other, 16, coalesce.WithAllocator(mem)),
		coalesce.WithStreamAllocator(mem))

	_, err := s.Next(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaMismatch))
	pulls := input.pulls

	_, again := s.Next(context.Background())
	assert.Equal(t, err, again)
	assert.Equal(t, pulls, input.pulls)

	require.NoError(t, s.Close())
}

func TestCoalesceStreamCloseReleasesBuffer(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	batch := uint32Batch(mem, 0, 8)
	defer batch.Release()

	boom := stderrors.New("stop")
	input := newSliceStream(uint32Schema, repeatBatch(batch, 4))
	input.errAt = 1
	input.err = boom

	c := coalesce.NewBatchCoalescer(uint32Schema, 100, coalesce.WithAllocator(mem))
	s := coalesce.NewCoalesceStream(input, c, coalesce.WithStreamAllocator(mem))

	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, boom)
	require.False(t, c.IsEmpty())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, c.IsEmpty())

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestCoalesceStreamCompactsStringViews(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	col := stringViewColumn(mem, 1000, 8192, strPtr(longValue))
	full := stringViewRecord(col)
	col.Release()
	defer full.Release()

	var slices []arrow.Record
	for i := int64(0); i < 4; i++ {
		slices = append(slices, full.NewSlice(i*100, i*100+5))
	}
	defer releaseAll(slices)

	tests := []struct {
		name    string
		compact bool
	}{
		{name: "enabled", compact: true},
		{name: "disabled", compact: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := &recordingMetrics{}
			s := coalesce.NewCoalesceStream(newSliceStream(full.Schema(), slices),
				coalesce.NewBatchCoalescer(full.Schema(), 20, coalesce.WithAllocator(mem)),
				coalesce.WithStreamAllocator(mem),
				coalesce.WithStreamMetrics(metrics),
				coalesce.WithStringViewCompaction(tt.compact))
			defer s.Close()

			output := drain(t, s)
			defer releaseAll(output)

			require.Equal(t, []int64{20}, rowCounts(output))
			assert.Equal(t, int64(20), metrics.inputRows)
			if tt.compact {
				assert.Equal(t, 4, metrics.compaction.ColumnsCompacted)
				assert.Greater(t, metrics.compaction.Reclaimed(), int64(0))
			} else {
				assert.Zero(t, metrics.compaction.ColumnsCompacted)
			}
		})
	}
}

func TestCoalesceStreamCanceledContext(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	batch := uint32Batch(mem, 0, 8)
	defer batch.Release()

	s := coalesce.NewCoalesceStream(newSliceStream(uint32Schema, []arrow.Record{batch}),
		coalesce.NewBatchCoalescer(uint32Schema, 4, coalesce.WithAllocator(mem)))
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
