package main

import (
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/coalesce/pkg/arrowio"
	"github.com/ajitpratap0/coalesce/pkg/coalesce"
	"github.com/ajitpratap0/coalesce/pkg/compression"
	"github.com/ajitpratap0/coalesce/pkg/config"
	"github.com/ajitpratap0/coalesce/pkg/errors"
)

// planFlags describe the coalescing node built over the input files.
type planFlags struct {
	inputs           []string
	inputCompression string
	targetBatchSize  int64
	fetch            int64
	noCompaction     bool
}

func (f *planFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.inputs, "input", "i", nil, "Arrow IPC stream file, one partition each (repeatable)")
	cmd.Flags().StringVar(&f.inputCompression, "input-compression", "none", "Compression of the input files (none, gzip, snappy, lz4, zstd, s2)")
	cmd.Flags().Int64Var(&f.targetBatchSize, "target-batch-size", 0, "Rows per output batch, overrides coalesce.target_batch_size")
	cmd.Flags().Int64Var(&f.fetch, "fetch", 0, "Stop after this many rows per partition, 0 emits nothing; overrides coalesce.fetch")
	cmd.Flags().BoolVar(&f.noCompaction, "no-compaction", false, "Disable string view compaction")
	_ = cmd.MarkFlagRequired("input")
}

// apply copies the flags that were set on the command line into cfg.
func (f *planFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("target-batch-size") {
		cfg.Coalesce.TargetBatchSize = f.targetBatchSize
	}
	if cmd.Flags().Changed("fetch") {
		fetch := f.fetch
		cfg.Coalesce.Fetch = &fetch
	}
	if f.noCompaction {
		cfg.Coalesce.CompactStringViews = false
	}
	return cfg.Validate()
}

// build opens the input files and wraps them in a coalescing node.
func (f *planFlags) build(cfg *config.Config, mem memory.Allocator, log *zap.Logger, opts ...coalesce.ExecOption) (*coalesce.CoalesceBatchesExec, error) {
	algo, err := compression.ParseAlgorithm(f.inputCompression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid --input-compression")
	}
	input, err := arrowio.NewIPCFilePlan(f.inputs, algo, mem)
	if err != nil {
		return nil, err
	}

	opts = append([]coalesce.ExecOption{
		coalesce.WithExecAllocator(mem),
		coalesce.WithExecLogger(log),
		coalesce.WithCompaction(cfg.Coalesce.CompactStringViews),
	}, opts...)
	exec := coalesce.NewCoalesceBatchesExec(input, cfg.Coalesce.TargetBatchSize, opts...)
	if fetch, ok := cfg.Coalesce.FetchLimit(); ok {
		exec = exec.WithFetch(fetch)
	}
	return exec, nil
}
