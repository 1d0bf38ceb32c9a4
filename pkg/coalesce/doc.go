// Package coalesce merges the small record batches an upstream operator emits
// into fewer, larger batches.
//
// # Overview
//
// Three pieces cooperate for every partition of a plan:
//   - CompactStringViews rebuilds string and binary view columns that pin far
//     more data buffer memory than they reference.
//   - BatchCoalescer buffers compacted batches, counts rows and decides when a
//     flush is due (target batch size reached, or fetch limit reached).
//   - CoalesceStream is the pull driver: it asks its input for the next batch,
//     pushes it into the coalescer and emits concatenated batches.
//
// CoalesceBatchesExec adapts the pair to a Plan so it composes with other
// nodes, one independent driver per partition.
//
// # Basic Usage
//
//	exec := coalesce.NewCoalesceBatchesExec(input, 8192).WithFetch(100)
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
//	    consume(rec)
//	    rec.Release()
//	}
//
// # Ownership
//
// Records returned by Next and Finish belong to the caller, who must Release
// them. Push retains what it keeps. Close releases anything still buffered.
//
// # Thread Safety
//
// A CoalesceStream and its BatchCoalescer are used by one goroutine.
// Different partitions may run on different goroutines.
package coalesce
