package arrowio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ajitpratap0/coalesce/pkg/compression"
	"github.com/ajitpratap0/coalesce/pkg/errors"
)

// IPCFileSink writes records to an Arrow IPC stream file, optionally
// compressed. Write does not take ownership of the record.
type IPCFileSink struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	codec  io.WriteCloser
	writer *ipc.Writer
	closed bool
}

// CreateIPCFile creates path and prepares it for records of schema.
func CreateIPCFile(path string, schema *arrow.Schema, algo compression.Algorithm, level compression.Level, mem memory.Allocator) (*IPCFileSink, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to create output file").
			WithDetail("path", path)
	}
	buf := bufio.NewWriter(f)
	codec, err := compression.NewWriter(buf, algo, level)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to create compressor").
			WithDetail("path", path)
	}
	return &IPCFileSink{
		path:   path,
		file:   f,
		buf:    buf,
		codec:  codec,
		writer: ipc.NewWriter(codec, ipc.WithSchema(schema), ipc.WithAllocator(mem)),
	}, nil
}

// Path returns the file path.
func (s *IPCFileSink) Path() string { return s.path }

// Write appends rec to the file.
func (s *IPCFileSink) Write(rec arrow.Record) error {
	if err := s.writer.Write(rec); err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "failed to write IPC batch").
			WithDetail("path", s.path)
	}
	return nil
}

// Close writes the end-of-stream marker and closes every layer down to the
// file. It is safe to call more than once.
func (s *IPCFileSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var first error
	keep := func(err error, msg string) {
		if err != nil && first == nil {
			first = errors.Wrap(err, errors.ErrorTypeIO, msg).WithDetail("path", s.path)
		}
	}
	keep(s.writer.Close(), "failed to close IPC writer")
	keep(s.codec.Close(), "failed to close compressor")
	keep(s.buf.Flush(), "failed to flush output file")
	keep(s.file.Close(), "failed to close output file")
	return first
}

// PartitionFileName returns the output file name of partition.
func PartitionFileName(partition int, algo compression.Algorithm) string {
	return fmt.Sprintf("part-%05d.arrow%s", partition, algo.FileExtension())
}

// MemorySink keeps every record written to it. Safe for concurrent use.
type MemorySink struct {
	mu      sync.Mutex
	records []arrow.Record
	closed  bool
}

// Write retains rec.
func (s *MemorySink) Write(rec arrow.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New(errors.ErrorTypeIO, "write to closed sink")
	}
	rec.Retain()
	s.records = append(s.records, rec)
	return nil
}

// Close marks the sink closed. The records stay available.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Records returns the records written so far.
func (s *MemorySink) Records() []arrow.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]arrow.Record(nil), s.records...)
}

// Release releases every kept record.
func (s *MemorySink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		rec.Release()
	}
	s.records = nil
}
