// Package coalesce merges streams of small Apache Arrow record batches into
// batches of a target row count, optionally stopping after a row limit.
//
// Filters, joins and repartitioning leave a query pipeline with many tiny
// batches. Downstream operators pay a fixed cost per batch, so a coalescing
// node buffers consecutive batches of one partition and emits them
// concatenated once enough rows have arrived. Row order inside a partition is
// preserved and no row is dropped unless a fetch limit says so.
//
// # Architecture
//
// The engine is layered bottom-up:
//
//  1. BatchCoalescer buffers batches and concatenates them on demand. It
//     reports Continue, TargetReached or LimitReached after every push and
//     truncates the batch that crosses the fetch limit.
//
//  2. CompactStringViews rebuilds string view columns whose data buffers
//     dwarf the values they reference, so buffered slices stop pinning large
//     allocations.
//
//  3. CoalesceStream drives a BatchCoalescer from an input RecordStream with
//     a small Pull, ReturnBuffer, Exhausted state machine.
//
//  4. CoalesceBatchesExec is the plan node wrapping an input plan. Every
//     partition gets its own coalescer and stream.
//
//  5. internal/pipeline runs all partitions of a plan concurrently and drains
//     each into a sink.
//
// # Quick Start
//
//	input := arrowio.NewMemoryPlan(schema, partition0, partition1)
//	exec := coalesce.NewCoalesceBatchesExec(input, 8192).WithFetch(100_000)
//
//	stream, err := exec.Execute(ctx, 0)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for {
//	    rec, err := stream.Next(ctx)
//	    if errors.Is(err, io.EOF) {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    process(rec)
//	    rec.Release()
//	}
//
// # Package Organization
//
//	pkg/coalesce      - Coalescer, string view compaction, stream driver, plan node
//	pkg/arrowio       - In-memory and Arrow IPC file sources and sinks
//	pkg/compression   - Stream compression for IPC files
//	pkg/config        - Configuration loading with environment overrides
//	pkg/errors        - Structured error handling
//	pkg/logger        - Structured logging
//	pkg/metrics       - Prometheus metrics per partition
//	pkg/observability - Tracing of partition runs
//	pkg/performance   - Process resource sampling
//	internal/pipeline - Partition-parallel executor
//	cmd/coalesce      - Command line interface
//
// # Command Line
//
//	coalesce generate -o input.arrow --batches 1000 --rows 8 --sparse
//	coalesce run -i input.arrow -o out --target-batch-size 8192 --report report.json
//	coalesce explain -i input.arrow --fetch 100
//	coalesce config init --path coalesce.yaml
//
// # Configuration
//
// Settings are read from a YAML or JSON file and COALESCE_* environment
// variables, for example COALESCE_COALESCE_TARGET_BATCH_SIZE. Values in the
// file may reference the environment with ${VAR_NAME}.
package coalesce
