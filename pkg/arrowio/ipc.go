package arrowio

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ajitpratap0/coalesce/pkg/coalesce"
	"github.com/ajitpratap0/coalesce/pkg/compression"
	"github.com/ajitpratap0/coalesce/pkg/errors"
)

// IPCStream reads record batches from an Arrow IPC stream.
type IPCStream struct {
	reader  *ipc.Reader
	closers []io.Closer
	closed  bool
}

// NewIPCStream creates a stream over r. Closers are closed, in order, when
// the stream is closed.
func NewIPCStream(r io.Reader, mem memory.Allocator, closers ...io.Closer) (*IPCStream, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to open IPC stream")
	}
	return &IPCStream{reader: reader, closers: closers}, nil
}

// Schema implements coalesce.RecordStream.
func (s *IPCStream) Schema() *arrow.Schema { return s.reader.Schema() }

// Next implements coalesce.RecordStream.
func (s *IPCStream) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, io.EOF
	}
	if !s.reader.Next() {
		if err := s.reader.Err(); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to read IPC batch")
		}
		return nil, io.EOF
	}
	// the reader reuses its current record on the next call
	rec := s.reader.Record()
	rec.Retain()
	return rec, nil
}

// Close implements coalesce.RecordStream.
func (s *IPCStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.reader.Release()

	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenIPCFile opens an Arrow IPC stream file, decompressing it with algo.
func OpenIPCFile(path string, algo compression.Algorithm, mem memory.Allocator) (*IPCStream, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to open input file").
			WithDetail("path", path)
	}
	dec, err := compression.NewReader(f, algo)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to open decompressor").
			WithDetail("path", path)
	}
	s, err := NewIPCStream(dec, mem, dec, f)
	if err != nil {
		_ = dec.Close()
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// IPCFilePlan is a leaf plan reading one IPC file per partition. All files
// must share the schema of the first one.
type IPCFilePlan struct {
	paths  []string
	algo   compression.Algorithm
	mem    memory.Allocator
	schema *arrow.Schema
}

// NewIPCFilePlan opens the first file to learn the schema.
func NewIPCFilePlan(paths []string, algo compression.Algorithm, mem memory.Allocator) (*IPCFilePlan, error) {
	if len(paths) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "at least one input file is required")
	}
	s, err := OpenIPCFile(paths[0], algo, mem)
	if err != nil {
		return nil, err
	}
	schema := s.Schema()
	if err := s.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to close input file")
	}
	return &IPCFilePlan{paths: paths, algo: algo, mem: mem, schema: schema}, nil
}

// Name implements coalesce.Plan.
func (p *IPCFilePlan) Name() string { return "IPCFileExec" }

// Schema implements coalesce.Plan.
func (p *IPCFilePlan) Schema() *arrow.Schema { return p.schema }

// OutputPartitions implements coalesce.Plan.
func (p *IPCFilePlan) OutputPartitions() int { return len(p.paths) }

// Execute implements coalesce.Plan.
func (p *IPCFilePlan) Execute(_ context.Context, partition int) (coalesce.RecordStream, error) {
	if partition < 0 || partition >= len(p.paths) {
		return nil, errors.Newf(errors.ErrorTypeValidation, "partition %d out of range [0, %d)",
			partition, len(p.paths)).
			WithDetail("partition", partition)
	}
	s, err := OpenIPCFile(p.paths[partition], p.algo, p.mem)
	if err != nil {
		return nil, err
	}
	if !s.Schema().Equal(p.schema) {
		_ = s.Close()
		return nil, errors.New(errors.ErrorTypeSchemaMismatch, "input file schema differs from first input").
			WithDetail("path", p.paths[partition])
	}
	return s, nil
}

// WriteStats summarises what WriteIPC wrote.
type WriteStats struct {
	Batches    int     `json:"batches"`
	Rows       int64   `json:"rows"`
	BatchSizes []int64 `json:"batch_sizes"`
}

// WriteIPC drains s into w as an Arrow IPC stream. Every record is released
// after it is written.
func WriteIPC(ctx context.Context, w io.Writer, s coalesce.RecordStream, mem memory.Allocator) (WriteStats, error) {
	var stats WriteStats
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	writer := ipc.NewWriter(w, ipc.WithSchema(s.Schema()), ipc.WithAllocator(mem))
	for {
		rec, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = writer.Close()
			return stats, err
		}
		rows := rec.NumRows()
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			_ = writer.Close()
			return stats, errors.Wrap(err, errors.ErrorTypeIO, "failed to write IPC batch")
		}
		stats.Batches++
		stats.Rows += rows
		stats.BatchSizes = append(stats.BatchSizes, rows)
	}

	if err := writer.Close(); err != nil {
		return stats, errors.Wrap(err, errors.ErrorTypeIO, "failed to close IPC writer")
	}
	return stats, nil
}
