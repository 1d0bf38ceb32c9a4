package coalesce

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"
)

// RecordStream is a lazily produced sequence of record batches sharing one
// schema. Next blocks until a batch is available and returns io.EOF once the
// stream is exhausted. Each returned record is owned by the caller.
type RecordStream interface {
	Schema() *arrow.Schema
	Next(ctx context.Context) (arrow.Record, error)
	Close() error
}

// StreamMetrics receives elapsed-time and row accounting from a
// CoalesceStream. Implementations must not affect coalescing.
type StreamMetrics interface {
	ObserveInput(rows int64)
	ObserveOutput(rows int64)
	ObserveCompute(d time.Duration)
	ObserveCompaction(stats CompactionStats)
}

type noopMetrics struct{}

func (noopMetrics) ObserveInput(int64)                {}
func (noopMetrics) ObserveOutput(int64)               {}
func (noopMetrics) ObserveCompute(time.Duration)      {}
func (noopMetrics) ObserveCompaction(CompactionStats) {}

// streamState is the current step of a CoalesceStream.
//
// Input [2000], [3000], [4000] with a target of 4096 moves through:
//
//	Pull         {}                 -> {[2000]}          Pull
//	Pull         {[2000]}           -> {[2000], [3000]}  ReturnBuffer
//	ReturnBuffer {[2000], [3000]}   -> emit [5000]       Pull
//	Pull         {}                 -> {[4000]}          Pull
//	Pull         end of input                            Exhausted
//	Exhausted    {[4000]}           -> emit [4000]       Exhausted
//	Exhausted    {}                 -> io.EOF
type streamState int

const (
	statePull streamState = iota
	stateReturnBuffer
	stateExhausted
)

func (s streamState) String() string {
	switch s {
	case statePull:
		return "pull"
	case stateReturnBuffer:
		return "return_buffer"
	case stateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// CoalesceStream pulls batches from an input stream, feeds them through
// CompactStringViews into a BatchCoalescer and emits the coalesced batches.
// The only blocking point is the call to the input's Next.
type CoalesceStream struct {
	input     RecordStream
	coalescer *BatchCoalescer
	state     streamState
	compact   bool
	mem       memory.Allocator
	metrics   StreamMetrics
	logger    *zap.Logger

	// err is sticky once a flush has failed.
	err    error
	closed bool
}

// StreamOption configures a CoalesceStream.
type StreamOption func(*CoalesceStream)

// WithLogger sets the logger used for flush and limit events.
func WithLogger(l *zap.Logger) StreamOption {
	return func(s *CoalesceStream) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStreamMetrics attaches an instrumentation hook.
func WithStreamMetrics(m StreamMetrics) StreamOption {
	return func(s *CoalesceStream) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithStreamAllocator sets the allocator used by string view compaction.
func WithStreamAllocator(mem memory.Allocator) StreamOption {
	return func(s *CoalesceStream) {
		if mem != nil {
			s.mem = mem
		}
	}
}

// WithStringViewCompaction enables or disables CompactStringViews on input
// batches. It is enabled by default.
func WithStringViewCompaction(enabled bool) StreamOption {
	return func(s *CoalesceStream) {
		s.compact = enabled
	}
}

// NewCoalesceStream wraps input. The stream owns both input and coalescer.
func NewCoalesceStream(input RecordStream, coalescer *BatchCoalescer, opts ...StreamOption) *CoalesceStream {
	s := &CoalesceStream{
		input:     input,
		coalescer: coalescer,
		state:     statePull,
		compact:   true,
		mem:       memory.DefaultAllocator,
		metrics:   noopMetrics{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "coalesce_stream"))

	// A zero fetch needs no input at all.
	if fetch, ok := coalescer.Fetch(); ok && coalescer.TotalRows() >= fetch {
		s.state = stateExhausted
	}
	return s
}

// Schema returns the output schema.
func (s *CoalesceStream) Schema() *arrow.Schema {
	return s.coalescer.Schema()
}

// Next returns the next coalesced batch, io.EOF when done, or the first error
// reported by the input. Input errors are returned unchanged and leave the
// buffered rows in place.
func (s *CoalesceStream) Next(ctx context.Context) (arrow.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.closed {
		return nil, io.EOF
	}

	for {
		switch s.state {
		case statePull:
			rec, err := s.input.Next(ctx)
			if errors.Is(err, io.EOF) {
				s.logger.Debug("input exhausted",
					zap.Int64("buffered_rows", s.coalescer.BufferedRows()),
					zap.Int64("total_rows", s.coalescer.TotalRows()))
				s.state = stateExhausted
				continue
			}
			if err != nil {
				return nil, err
			}

			state, err := s.push(rec)
			if err != nil {
				s.err = err
				return nil, err
			}
			switch state {
			case TargetReached:
				s.state = stateReturnBuffer
			case LimitReached:
				s.logger.Debug("fetch limit reached", zap.Int64("total_rows", s.coalescer.TotalRows()))
				s.state = stateExhausted
			}

		case stateReturnBuffer:
			out, err := s.flush("target_reached")
			if err != nil {
				return nil, err
			}
			s.state = statePull
			return out, nil

		case stateExhausted:
			if s.coalescer.IsEmpty() {
				return nil, io.EOF
			}
			return s.flush("exhausted")
		}
	}
}

// push runs compaction and buffers rec, releasing the caller's reference.
func (s *CoalesceStream) push(rec arrow.Record) (CoalescerState, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveCompute(time.Since(start)) }()
	defer rec.Release()

	s.metrics.ObserveInput(rec.NumRows())

	batch := rec
	if s.compact {
		var stats CompactionStats
		batch, stats = CompactStringViews(s.mem, rec)
		defer batch.Release()
		if stats.ColumnsCompacted > 0 {
			s.metrics.ObserveCompaction(stats)
			s.logger.Debug("compacted string view columns",
				zap.Int("columns", stats.ColumnsCompacted),
				zap.Int64("bytes_before", stats.BytesBefore),
				zap.Int64("bytes_after", stats.BytesAfter))
		}
	}

	return s.coalescer.Push(batch)
}

func (s *CoalesceStream) flush(reason string) (arrow.Record, error) {
	start := time.Now()
	out, err := s.coalescer.Finish()
	s.metrics.ObserveCompute(time.Since(start))
	if err != nil {
		s.logger.Error("failed to finish coalesced batch", zap.Error(err))
		s.err = err
		return nil, err
	}

	s.metrics.ObserveOutput(out.NumRows())
	s.logger.Debug("emitting coalesced batch",
		zap.String("reason", reason),
		zap.Int64("rows", out.NumRows()),
		zap.Int64("total_rows", s.coalescer.TotalRows()))
	return out, nil
}

// Close releases buffered batches and closes the input. It is safe to call
// at any point and more than once.
func (s *CoalesceStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.coalescer.Release()
	return s.input.Close()
}
