package observability

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// initTracing initializes the tracing provider. Callers hold mu.
func initTracing(config TracingConfig) error {
	if !config.Enabled {
		tracer = noop.NewTracerProvider().Tracer(config.ServiceName)
		provider = nil
		return nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	// Configure sampling
	var sampler sdktrace.Sampler
	if config.SamplingRate <= 0 {
		sampler = sdktrace.NeverSample()
	} else if config.SamplingRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if config.Exporter != nil {
		opts = append(opts, sdktrace.WithSyncer(config.Exporter))
	} else {
		w := config.Writer
		if w == nil {
			w = os.Stderr
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		var batch []sdktrace.BatchSpanProcessorOption
		if config.BatchTimeout > 0 {
			batch = append(batch, sdktrace.WithBatchTimeout(config.BatchTimeout))
		}
		if config.MaxExportBatch > 0 {
			batch = append(batch, sdktrace.WithMaxExportBatchSize(config.MaxExportBatch))
		}
		if config.MaxQueueSize > 0 {
			batch = append(batch, sdktrace.WithMaxQueueSize(config.MaxQueueSize))
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, batch...))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	provider = tp
	tracer = tp.Tracer(config.ServiceName)
	return nil
}

// initMetrics initializes the meter. Prometheus collectors live in
// pkg/metrics; the meter only reports through a globally registered
// OpenTelemetry meter provider. Callers hold mu.
func initMetrics(config MetricsConfig) error {
	meter = otel.Meter(config.Namespace)

	counter, err := meter.Int64Counter(config.Namespace+".partitions.completed",
		metric.WithDescription("Partitions that ran to completion"))
	if err != nil {
		return fmt.Errorf("failed to create partitions counter: %w", err)
	}
	partitionsCompleted = counter
	return nil
}

// DefaultConfig returns a default observability configuration with tracing
// disabled.
func DefaultConfig() Config {
	return Config{
		Tracing: TracingConfig{
			ServiceName:    "coalesce",
			ServiceVersion: "dev",
			Environment:    getEnv("ENVIRONMENT", "development"),
			SamplingRate:   1.0,
			BatchTimeout:   5 * time.Second,
			MaxExportBatch: 512,
			MaxQueueSize:   2048,
		},
		Metrics: MetricsConfig{
			Namespace: "coalesce",
		},
	}
}

// getEnv gets environment variable with default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Shutdown flushes and stops the tracer provider, if tracing is enabled.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp := provider
	provider = nil
	mu.Unlock()

	if tp == nil {
		return nil
	}
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer: %w", err)
	}
	return nil
}
