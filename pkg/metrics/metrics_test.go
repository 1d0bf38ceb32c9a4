package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/coalesce/pkg/coalesce"
)

func TestPartitionRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	r := c.Partition(1)
	assert.Same(t, r, c.Partition(1))

	r.ObserveInput(10)
	r.ObserveInput(5)
	r.ObserveOutput(15)
	r.ObserveCompute(2 * time.Millisecond)
	r.ObserveCompaction(coalesce.CompactionStats{ColumnsCompacted: 2, BytesBefore: 1000, BytesAfter: 100})

	assert.Equal(t, 15.0, testutil.ToFloat64(c.inputRows.WithLabelValues("1")))
	assert.Equal(t, 15.0, testutil.ToFloat64(c.outputRows.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outputBatches.WithLabelValues("1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.compactions.WithLabelValues("1")))
	assert.Equal(t, 900.0, testutil.ToFloat64(c.reclaimedBytes.WithLabelValues("1")))

	stats := r.Stats()
	assert.Equal(t, 1, stats.Partition)
	assert.Equal(t, int64(15), stats.InputRows)
	assert.Equal(t, int64(15), stats.OutputRows)
	assert.Equal(t, int64(1), stats.OutputBatches)
	assert.Equal(t, 2*time.Millisecond, stats.ComputeTime)
	assert.Equal(t, int64(2), stats.ColumnsCompacted)
	assert.Equal(t, int64(900), stats.ReclaimedBytes)
}

func TestCollectorSnapshotOrder(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	factory := c.MetricsFactory()

	for _, p := range []int{2, 0, 1} {
		factory(p).ObserveOutput(int64(p + 1))
	}

	snap := c.Snapshot()
	require.Len(t, snap, 3)
	for i, s := range snap {
		assert.Equal(t, i, s.Partition)
		assert.Equal(t, int64(i+1), s.OutputRows)
	}
}

func TestCollectorExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.Partition(0).ObserveOutput(42)

	expected := `
# HELP coalesce_output_rows_total Rows emitted in coalesced batches
# TYPE coalesce_output_rows_total counter
coalesce_output_rows_total{partition="0"} 42
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "coalesce_output_rows_total"))
}

func TestTimer(t *testing.T) {
	timer := NewTimer("test")
	time.Sleep(time.Millisecond)
	assert.Equal(t, "test", timer.Name())
	assert.GreaterOrEqual(t, timer.Stop(), time.Millisecond)
}
