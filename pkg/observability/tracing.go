// Package observability provides OpenTelemetry tracing and metering for
// coalescing runs.
package observability

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	mu sync.RWMutex

	// Global tracer instance
	tracer trace.Tracer = noop.NewTracerProvider().Tracer("coalesce")

	// Global meter instance
	meter metric.Meter

	// provider is set only when tracing is enabled
	provider *sdktrace.TracerProvider

	partitionsCompleted metric.Int64Counter
)

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRate   float64
	// Writer receives stdout exporter output, os.Stderr when nil
	Writer io.Writer
	// Exporter replaces the stdout exporter and is flushed synchronously
	Exporter       sdktrace.SpanExporter
	BatchTimeout   time.Duration
	MaxExportBatch int
	MaxQueueSize   int
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Namespace string
}

// Config contains all observability configuration
type Config struct {
	Tracing TracingConfig
	Metrics MetricsConfig
}

// Initialize sets up tracing and metering. It may be called again to
// replace an earlier setup; the previous tracer provider is not shut down.
func Initialize(config Config) error {
	mu.Lock()
	defer mu.Unlock()

	if err := initTracing(config.Tracing); err != nil {
		return err
	}
	return initMetrics(config.Metrics)
}

// GetTracer returns the global tracer
func GetTracer() trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return tracer
}

// GetMeter returns the global meter
func GetMeter() metric.Meter {
	mu.RLock()
	defer mu.RUnlock()
	return meter
}

// Span wraps a trace span and batches attributes until End.
type Span struct {
	span       trace.Span
	startTime  time.Time
	attributes []attribute.KeyValue
}

// NewSpan starts a span named operationName.
func NewSpan(ctx context.Context, operationName string) (context.Context, *Span) {
	ctx, span := GetTracer().Start(ctx, operationName)

	return ctx, &Span{
		span:      span,
		startTime: time.Now(),
	}
}

// SetAttribute adds an attribute to the span
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// AddEvent adds an event to the span
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetError marks the span as failed, or ok when err is nil.
func (s *Span) SetError(err error) {
	if err == nil {
		s.span.SetStatus(codes.Ok, "")
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	s.SetAttribute("error", true)
}

// End flushes the batched attributes and ends the span.
func (s *Span) End() {
	s.SetAttribute("duration_ms", time.Since(s.startTime).Milliseconds())
	s.span.SetAttributes(s.attributes...)
	s.span.End()
}

// PartitionTracer traces the execution of the partitions of one plan.
type PartitionTracer struct {
	plan string
}

// NewPartitionTracer creates a tracer for plan.
func NewPartitionTracer(plan string) *PartitionTracer {
	return &PartitionTracer{plan: plan}
}

// StartSpan starts a span for one partition.
func (pt *PartitionTracer) StartSpan(ctx context.Context, partition int) (context.Context, *Span) {
	ctx, span := NewSpan(ctx, pt.plan+".partition")
	span.SetAttribute("plan", pt.plan)
	span.SetAttribute("partition", partition)
	return ctx, span
}

// TracePartition runs fn inside a partition span. fn returns the number of
// rows it produced. Successful partitions increment the completed partitions
// counter.
func (pt *PartitionTracer) TracePartition(ctx context.Context, partition int, fn func(ctx context.Context) (int64, error)) error {
	ctx, span := pt.StartSpan(ctx, partition)
	defer span.End()

	rows, err := fn(ctx)
	span.SetAttribute("rows", rows)
	span.SetError(err)
	if err == nil {
		recordPartitionCompleted(ctx, pt.plan, partition)
	}
	return err
}

func recordPartitionCompleted(ctx context.Context, plan string, partition int) {
	mu.RLock()
	counter := partitionsCompleted
	mu.RUnlock()
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("plan", plan),
		attribute.String("partition", strconv.Itoa(partition)),
	))
}
