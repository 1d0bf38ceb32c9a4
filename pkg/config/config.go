package config

import (
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/ajitpratap0/coalesce/pkg/compression"
	"github.com/ajitpratap0/coalesce/pkg/errors"
	"github.com/ajitpratap0/coalesce/pkg/logger"
)

// Config is the complete configuration of a coalesce run. Every section
// carries mapstructure tags for viper and yaml tags for Save.
type Config struct {
	// Coalesce controls batch sizing
	Coalesce CoalesceConfig `mapstructure:"coalesce" yaml:"coalesce" json:"coalesce"`
	// Output controls how coalesced batches are written
	Output OutputConfig `mapstructure:"output" yaml:"output" json:"output"`
	// Log configures the zap logger
	Log LogConfig `mapstructure:"log" yaml:"log" json:"log"`
	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	// Tracing configures OpenTelemetry tracing
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
}

// CoalesceConfig contains the batch coalescing settings.
type CoalesceConfig struct {
	// TargetBatchSize is the minimum number of rows per emitted batch
	TargetBatchSize int64 `mapstructure:"target_batch_size" yaml:"target_batch_size" json:"target_batch_size"`
	// Fetch caps the rows emitted per partition. Unset means no limit; 0
	// emits nothing, as it does for the plan node.
	Fetch *int64 `mapstructure:"fetch" yaml:"fetch,omitempty" json:"fetch,omitempty"`
	// CompactStringViews rebuilds sparse string view columns before buffering
	CompactStringViews bool `mapstructure:"compact_string_views" yaml:"compact_string_views" json:"compact_string_views"`
}

// FetchLimit returns the fetch limit and whether one is configured.
func (c CoalesceConfig) FetchLimit() (int64, bool) {
	if c.Fetch == nil {
		return 0, false
	}
	return *c.Fetch, true
}

// OutputConfig contains output file settings.
type OutputConfig struct {
	Directory   string `mapstructure:"directory" yaml:"directory" json:"directory"`
	Compression string `mapstructure:"compression" yaml:"compression" json:"compression"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level    string `mapstructure:"level" yaml:"level" json:"level"`
	Encoding string `mapstructure:"encoding" yaml:"encoding" json:"encoding"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Address string `mapstructure:"address" yaml:"address" json:"address"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	ServiceName  string  `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate" json:"sampling_rate"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Coalesce: CoalesceConfig{
			TargetBatchSize:    8192,
			CompactStringViews: true,
		},
		Output: OutputConfig{
			Directory:   "out",
			Compression: string(compression.None),
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		Tracing: TracingConfig{
			ServiceName:  "coalesce",
			SamplingRate: 1.0,
		},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Coalesce.TargetBatchSize <= 0 {
		return errors.New(errors.ErrorTypeConfig, "coalesce.target_batch_size must be positive").
			WithDetail("target_batch_size", c.Coalesce.TargetBatchSize)
	}
	if fetch, ok := c.Coalesce.FetchLimit(); ok && fetch < 0 {
		return errors.New(errors.ErrorTypeConfig, "coalesce.fetch cannot be negative").
			WithDetail("fetch", fetch)
	}
	if _, err := compression.ParseAlgorithm(c.Output.Compression); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid output.compression")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid log.level")
	}
	switch strings.ToLower(c.Log.Encoding) {
	case "json", "console":
	default:
		return errors.New(errors.ErrorTypeConfig, "log.encoding must be json or console").
			WithDetail("encoding", c.Log.Encoding)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New(errors.ErrorTypeConfig, "metrics.address is required when metrics are enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return errors.New(errors.ErrorTypeConfig, "tracing.sampling_rate must be between 0 and 1").
			WithDetail("sampling_rate", c.Tracing.SamplingRate)
	}
	return nil
}

// LoggerConfig converts the log section into a logger.Config.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:    c.Log.Level,
		Encoding: strings.ToLower(c.Log.Encoding),
	}
}
