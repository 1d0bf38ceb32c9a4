// Package pipeline runs every partition of a plan concurrently and drains
// each into its own sink.
package pipeline

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/coalesce/pkg/coalesce"
	"github.com/ajitpratap0/coalesce/pkg/errors"
	"github.com/ajitpratap0/coalesce/pkg/logger"
	"github.com/ajitpratap0/coalesce/pkg/observability"
)

// Sink receives the batches of one partition. Write does not take ownership
// of the record.
type Sink interface {
	Write(rec arrow.Record) error
	Close() error
}

// SinkFactory creates the sink of partition.
type SinkFactory func(partition int, schema *arrow.Schema) (Sink, error)

// PartitionStats describes what one partition produced.
type PartitionStats struct {
	Partition  int           `json:"partition"`
	Rows       int64         `json:"rows"`
	Batches    int           `json:"batches"`
	BatchSizes []int64       `json:"batch_sizes"`
	Duration   time.Duration `json:"duration_ns"`
}

// RunStats describes a complete run.
type RunStats struct {
	Plan         string           `json:"plan"`
	Partitions   []PartitionStats `json:"partitions"`
	TotalRows    int64            `json:"total_rows"`
	TotalBatches int64            `json:"total_batches"`
	Duration     time.Duration    `json:"duration_ns"`
}

// Executor runs plans partition by partition in parallel.
type Executor struct {
	logger      *zap.Logger
	maxParallel int
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMaxParallel caps the number of partitions running at once. Zero or
// less means one goroutine per partition.
func WithMaxParallel(n int) Option {
	return func(e *Executor) { e.maxParallel = n }
}

// NewExecutor creates an executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "executor"))
	return e
}

// Run executes every partition of plan and writes its batches to the sink
// returned by sinks. The first failing partition cancels the others; its
// error is returned annotated with the partition index. Stats of the
// partitions that finished are returned either way.
func (e *Executor) Run(ctx context.Context, plan coalesce.Plan, sinks SinkFactory) (*RunStats, error) {
	partitions := plan.OutputPartitions()
	stats := &RunStats{
		Plan:       plan.Name(),
		Partitions: make([]PartitionStats, partitions),
	}
	if partitions == 0 {
		return stats, nil
	}

	op := observability.NewOperationLogger(e.logger, "run")
	op.LogStart("executing plan",
		zap.String("plan", plan.Name()),
		zap.Int("partitions", partitions))
	start := time.Now()

	tracer := observability.NewPartitionTracer(plan.Name())
	var totalRows, totalBatches atomic.Int64

	ctx = context.WithValue(ctx, logger.PlanKey, plan.Name())
	g, gctx := errgroup.WithContext(ctx)
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	for p := 0; p < partitions; p++ {
		partition := p
		g.Go(func() error {
			return tracer.TracePartition(gctx, partition, func(ctx context.Context) (int64, error) {
				ps, err := e.runPartition(ctx, plan, partition, sinks)
				// each goroutine owns its own slot
				stats.Partitions[partition] = ps
				totalRows.Add(ps.Rows)
				totalBatches.Add(int64(ps.Batches))
				return ps.Rows, err
			})
		})
	}

	err := g.Wait()
	stats.TotalRows = totalRows.Load()
	stats.TotalBatches = totalBatches.Load()
	stats.Duration = time.Since(start)

	if err != nil {
		op.LogError("plan failed", err, zap.String("plan", plan.Name()))
		return stats, err
	}
	op.LogComplete("plan finished",
		zap.String("plan", plan.Name()),
		zap.Int64("rows", stats.TotalRows),
		zap.Int64("batches", stats.TotalBatches))
	return stats, nil
}

func (e *Executor) runPartition(ctx context.Context, plan coalesce.Plan, partition int, sinks SinkFactory) (ps PartitionStats, err error) {
	ps.Partition = partition
	start := time.Now()
	ctx = context.WithValue(ctx, logger.PartitionKey, partition)
	log := e.logger.With(logger.ContextFields(ctx)...)
	defer func() {
		ps.Duration = time.Since(start)
		switch {
		case err == nil:
		case errors.IsFatal(err):
			log.Error("partition aborted", zap.Error(err), zap.Int64("rows", ps.Rows))
		default:
			log.Warn("partition failed", zap.Error(err), zap.Int64("rows", ps.Rows))
		}
	}()

	stream, err := plan.Execute(ctx, partition)
	if err != nil {
		return ps, annotate(err, partition, "failed to execute partition")
	}
	defer stream.Close()

	sink, err := sinks(partition, stream.Schema())
	if err != nil {
		return ps, annotate(err, partition, "failed to create sink")
	}

	for {
		rec, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = sink.Close()
			return ps, annotate(err, partition, "partition stream failed")
		}

		rows := rec.NumRows()
		err = sink.Write(rec)
		rec.Release()
		if err != nil {
			_ = sink.Close()
			return ps, annotate(err, partition, "failed to write batch")
		}
		ps.Rows += rows
		ps.Batches++
		ps.BatchSizes = append(ps.BatchSizes, rows)
	}

	if err := sink.Close(); err != nil {
		return ps, annotate(err, partition, "failed to close sink")
	}
	log.Info("partition finished",
		zap.Int64("rows", ps.Rows),
		zap.Int("batches", ps.Batches),
		zap.Duration("duration", time.Since(start)))
	return ps, nil
}

// annotate wraps err with the partition index, keeping the category of
// structured errors. Anything else came from an upstream operator.
func annotate(err error, partition int, msg string) error {
	errType := errors.ErrorTypeUpstream
	var typed *errors.Error
	if errors.As(err, &typed) {
		errType = typed.Type
	}
	return errors.Wrap(err, errType, msg).WithDetail("partition", partition)
}
