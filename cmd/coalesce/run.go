package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/coalesce/internal/pipeline"
	"github.com/ajitpratap0/coalesce/pkg/arrowio"
	"github.com/ajitpratap0/coalesce/pkg/coalesce"
	"github.com/ajitpratap0/coalesce/pkg/compression"
	"github.com/ajitpratap0/coalesce/pkg/config"
	"github.com/ajitpratap0/coalesce/pkg/errors"
	"github.com/ajitpratap0/coalesce/pkg/json"
	"github.com/ajitpratap0/coalesce/pkg/logger"
	"github.com/ajitpratap0/coalesce/pkg/metrics"
	"github.com/ajitpratap0/coalesce/pkg/observability"
	"github.com/ajitpratap0/coalesce/pkg/performance"
)

type runFlags struct {
	plan        planFlags
	outputDir   string
	compression string
	metricsAddr string
	reportPath  string
	parallelism int
}

// RunReport is the document written by --report.
type RunReport struct {
	RunID     string                    `json:"run_id"`
	Config    *config.Config            `json:"config"`
	Run       *pipeline.RunStats        `json:"run"`
	Metrics   []metrics.PartitionStats  `json:"metrics"`
	Resources performance.ResourceUsage `json:"resources"`
	Outputs   []string                  `json:"outputs"`
}

func newRunCmd(global *globalFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Coalesce the batches of one or more Arrow IPC files",
		Long: `Run reads every input file as one partition, coalesces its batches into
batches of --target-batch-size rows and writes part-<partition>.arrow into
--output-dir. Partitions run concurrently.

Example:
  coalesce run -i a.arrow -i b.arrow --output-dir out --target-batch-size 8192 --fetch 100000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := runPlan(ctx, cfg, flags)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), report)
			if flags.reportPath != "" {
				return writeReport(flags.reportPath, report)
			}
			return nil
		},
	}

	flags.plan.register(cmd)
	cmd.Flags().StringVarP(&flags.outputDir, "output-dir", "o", "", "Directory receiving one file per partition, overrides output.directory")
	cmd.Flags().StringVar(&flags.compression, "compression", "", "Compression of the output files, overrides output.compression")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	cmd.Flags().StringVar(&flags.reportPath, "report", "", "Write a JSON run report to this path")
	cmd.Flags().IntVar(&flags.parallelism, "parallelism", 0, "Maximum number of partitions running at once, 0 for all")
	return cmd
}

func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if f.outputDir != "" {
		cfg.Output.Directory = f.outputDir
	}
	if f.compression != "" {
		cfg.Output.Compression = f.compression
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = f.metricsAddr
	}
	return f.plan.apply(cmd, cfg)
}

func runPlan(ctx context.Context, cfg *config.Config, flags *runFlags) (*RunReport, error) {
	runID := uuid.NewString()
	ctx = context.WithValue(ctx, logger.RunIDKey, runID)
	log := logger.WithContext(ctx).With(zap.String("component", "coalesce-cli"))
	defer func() { _ = logger.Sync() }()

	obsCfg := observability.DefaultConfig()
	obsCfg.Tracing.Enabled = cfg.Tracing.Enabled
	obsCfg.Tracing.ServiceName = cfg.Tracing.ServiceName
	obsCfg.Tracing.ServiceVersion = version
	obsCfg.Tracing.SamplingRate = cfg.Tracing.SamplingRate
	if err := observability.Initialize(obsCfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	monitor, err := performance.NewResourceMonitor(performance.WithAllocator(mem))
	if err != nil {
		return nil, err
	}
	sampleCtx, stopSampling := context.WithCancel(ctx)
	defer stopSampling()
	go monitor.Sample(sampleCtx, 100*time.Millisecond)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.Address, registry, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	exec, err := flags.plan.build(cfg, mem, log, coalesce.WithMetricsFactory(collector.MetricsFactory()))
	if err != nil {
		return nil, err
	}

	algo, err := compression.ParseAlgorithm(cfg.Output.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid output.compression")
	}
	if err := os.MkdirAll(cfg.Output.Directory, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to create output directory").
			WithDetail("path", cfg.Output.Directory)
	}

	outputs := make([]string, exec.OutputPartitions())
	sinks := func(partition int, schema *arrow.Schema) (pipeline.Sink, error) {
		path := filepath.Join(cfg.Output.Directory, arrowio.PartitionFileName(partition, algo))
		outputs[partition] = path
		return arrowio.CreateIPCFile(path, schema, algo, compression.Default, mem)
	}

	log.Info("starting run",
		zap.String("plan", exec.String()),
		zap.Int("partitions", exec.OutputPartitions()),
		zap.String("output_dir", cfg.Output.Directory),
		zap.String("compression", string(algo)))

	// partition logs take run_id from ctx
	executor := pipeline.NewExecutor(pipeline.WithLogger(logger.Get()), pipeline.WithMaxParallel(flags.parallelism))
	stats, err := executor.Run(ctx, exec, sinks)
	if err != nil {
		if errors.IsFatal(err) {
			log.Error("run aborted by a broken batch contract", zap.Error(err))
		}
		return nil, err
	}

	return &RunReport{
		RunID:     runID,
		Config:    cfg,
		Run:       stats,
		Metrics:   collector.Snapshot(),
		Resources: monitor.Usage(),
		Outputs:   outputs,
	}, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("address", addr))
	return srv
}

func printSummary(w io.Writer, report *RunReport) {
	fmt.Fprintf(w, "run: %s\n", report.RunID)
	fmt.Fprintf(w, "plan: %s\n", report.Run.Plan)
	for _, p := range report.Run.Partitions {
		fmt.Fprintf(w, "partition %d: %d rows in %d batches -> %s\n",
			p.Partition, p.Rows, p.Batches, report.Outputs[p.Partition])
	}
	fmt.Fprintf(w, "total: %d rows in %d batches (%s)\n",
		report.Run.TotalRows, report.Run.TotalBatches, report.Run.Duration.Round(time.Millisecond))
}

func writeReport(path string, report *RunReport) error {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "failed to create run report").
			WithDetail("path", path)
	}
	if err := json.WriteIndented(f, report); err != nil {
		_ = f.Close()
		return errors.Wrap(err, errors.ErrorTypeIO, "failed to write run report").
			WithDetail("path", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "failed to close run report").
			WithDetail("path", path)
	}
	return nil
}
