// Package arrowio provides record stream sources and sinks over memory,
// Arrow IPC and array.RecordReader.
package arrowio

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ajitpratap0/coalesce/pkg/coalesce"
	"github.com/ajitpratap0/coalesce/pkg/errors"
)

// MemoryStream replays a fixed list of records.
type MemoryStream struct {
	schema  *arrow.Schema
	records []arrow.Record
	pos     int

	errAt int
	err   error

	pulls  int
	closed bool
}

// MemoryOption configures a MemoryStream.
type MemoryOption func(*MemoryStream)

// WithErrorAt makes the stream return err instead of the record at index.
// The failing position is consumed, so the following call moves on.
func WithErrorAt(index int, err error) MemoryOption {
	return func(s *MemoryStream) {
		s.errAt = index
		s.err = err
	}
}

// NewMemoryStream creates a stream over records. It takes no references of
// its own: the caller keeps ownership of records and must keep them alive
// until the stream is done. Each emitted record is retained for the reader.
func NewMemoryStream(schema *arrow.Schema, records []arrow.Record, opts ...MemoryOption) *MemoryStream {
	s := &MemoryStream{schema: schema, records: records, errAt: -1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schema implements coalesce.RecordStream.
func (s *MemoryStream) Schema() *arrow.Schema { return s.schema }

// Next implements coalesce.RecordStream.
func (s *MemoryStream) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, io.EOF
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

// Pulls returns how many times Next was called.
func (s *MemoryStream) Pulls() int { return s.pulls }

// Remaining returns the number of records not yet emitted.
func (s *MemoryStream) Remaining() int { return len(s.records) - s.pos }

// Close implements coalesce.RecordStream. It does not release the records,
// which stay owned by whoever built the stream.
func (s *MemoryStream) Close() error {
	s.closed = true
	return nil
}

// MemoryPlan is a leaf plan serving in-memory partitions.
type MemoryPlan struct {
	schema     *arrow.Schema
	partitions [][]arrow.Record
}

// NewMemoryPlan creates a plan with one partition per element of partitions.
func NewMemoryPlan(schema *arrow.Schema, partitions ...[]arrow.Record) *MemoryPlan {
	return &MemoryPlan{schema: schema, partitions: partitions}
}

// Name implements coalesce.Plan.
func (p *MemoryPlan) Name() string { return "MemoryExec" }

// Schema implements coalesce.Plan.
func (p *MemoryPlan) Schema() *arrow.Schema { return p.schema }

// OutputPartitions implements coalesce.Plan.
func (p *MemoryPlan) OutputPartitions() int { return len(p.partitions) }

// Execute implements coalesce.Plan.
func (p *MemoryPlan) Execute(_ context.Context, partition int) (coalesce.RecordStream, error) {
	if partition < 0 || partition >= len(p.partitions) {
		return nil, errors.Newf(errors.ErrorTypeValidation, "partition %d out of range [0, %d)",
			partition, len(p.partitions)).
			WithDetail("partition", partition)
	}
	return NewMemoryStream(p.schema, p.partitions[partition]), nil
}

// Collect drains s and returns every record. On error the records collected
// so far are released.
func Collect(ctx context.Context, s coalesce.RecordStream) ([]arrow.Record, error) {
	var out []arrow.Record
	for {
		rec, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			for _, r := range out {
				r.Release()
			}
			return nil, err
		}
		out = append(out, rec)
	}
}
