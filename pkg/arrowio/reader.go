package arrowio

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/ajitpratap0/coalesce/pkg/coalesce"
	"github.com/ajitpratap0/coalesce/pkg/errors"
)

// recordReaderStream adapts an array.RecordReader to coalesce.RecordStream.
type recordReaderStream struct {
	rr     array.RecordReader
	closed bool
}

// FromRecordReader wraps rr. The stream takes over the caller's reference and
// releases rr on Close.
func FromRecordReader(rr array.RecordReader) coalesce.RecordStream {
	return &recordReaderStream{rr: rr}
}

func (s *recordReaderStream) Schema() *arrow.Schema { return s.rr.Schema() }

func (s *recordReaderStream) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, io.EOF
	}
	if !s.rr.Next() {
		if err := s.rr.Err(); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, io.EOF
	}
	rec := s.rr.Record()
	rec.Retain()
	return rec, nil
}

func (s *recordReaderStream) Close() error {
	if !s.closed {
		s.closed = true
		s.rr.Release()
	}
	return nil
}

// StreamReader exposes a coalesce.RecordStream as an array.RecordReader so
// coalesced output can be handed to arrow-go consumers.
type StreamReader struct {
	refCount atomic.Int64
	ctx      context.Context
	stream   coalesce.RecordStream
	cur      arrow.Record
	err      error
	done     bool
}

var _ array.RecordReader = (*StreamReader)(nil)

// NewRecordReader wraps s. ctx is used for every pull. Releasing the last
// reference closes s.
func NewRecordReader(ctx context.Context, s coalesce.RecordStream) *StreamReader {
	r := &StreamReader{ctx: ctx, stream: s}
	r.refCount.Store(1)
	return r
}

// Retain increases the reference count by 1.
func (r *StreamReader) Retain() { r.refCount.Add(1) }

// Release decreases the reference count by 1 and closes the stream at zero.
func (r *StreamReader) Release() {
	if r.refCount.Add(-1) == 0 {
		if r.cur != nil {
			r.cur.Release()
			r.cur = nil
		}
		_ = r.stream.Close()
	}
}

// Schema returns the stream schema.
func (r *StreamReader) Schema() *arrow.Schema { return r.stream.Schema() }

// Next advances to the next record. The previous record is released.
func (r *StreamReader) Next() bool {
	if r.cur != nil {
		r.cur.Release()
		r.cur = nil
	}
	if r.done {
		return false
	}
	rec, err := r.stream.Next(r.ctx)
	if err != nil {
		r.done = true
		if !errors.Is(err, io.EOF) {
			r.err = err
		}
		return false
	}
	r.cur = rec
	return true
}

// Record returns the current record, valid until the next call to Next.
func (r *StreamReader) Record() arrow.Record { return r.cur }

// Err returns the first error other than io.EOF seen by Next.
func (r *StreamReader) Err() error { return r.err }
