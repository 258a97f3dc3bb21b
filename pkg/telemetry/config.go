package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the settings of every telemetry component. The yaml tags
// match the telemetry section of the workspace file.
type Config struct {
	ServiceName    string `yaml:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version" validate:"required"`
	Environment    string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `yaml:"format" validate:"oneof=console json"`
	// Output is stdout, stderr, discard or a file path.
	Output string `yaml:"output"`
	Caller bool   `yaml:"caller"`

	// Sampling keeps the first SampleBurst messages of each second, then
	// every SampleEvery-th one. Zero disables sampling.
	SampleBurst uint32 `yaml:"sample_burst"`
	SampleEvery uint32 `yaml:"sample_every"`

	// TimeFormat is unix, unixms or rfc3339.
	TimeFormat string `yaml:"time_format" validate:"omitempty,oneof=unix unixms rfc3339"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is otlp, stdout or none. With none, spans are sampled but
	// dropped.
	Exporter     string            `yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string            `yaml:"endpoint"`
	SamplingRate float64           `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool              `yaml:"insecure"`
	Headers      map[string]string `yaml:"headers"`

	BatchSize     int           `yaml:"batch_size"`
	ExportTimeout time.Duration `yaml:"export_timeout"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// ListenAddress serves Path over HTTP when set. Metrics are collected
	// either way.
	ListenAddress string    `yaml:"listen"`
	Path          string    `yaml:"path"`
	Namespace     string    `yaml:"namespace"`
	Buckets       []float64 `yaml:"buckets"`
}

// EventsConfig configures the plan event publisher.
type EventsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Async delivers events from a background goroutine in batches. When
	// false Publish returns after every subscriber has run.
	Async         bool          `yaml:"async"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig suits the command line: console logs on stderr, no span
// export, in-memory metrics and synchronous events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "froyo-upgrade",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			Insecure:      true,
			BatchSize:     512,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "froyo_upgrade",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			BatchSize:     100,
			FlushInterval: time.Second,
		},
	}
}

// ProductionConfig logs JSON with sampling and exports a tenth of all
// traces over OTLP.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.TimeFormat = "unix"
	cfg.Logging.SampleBurst = 100
	cfg.Logging.SampleEvery = 100
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig logs at debug level with callers and prints every span.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Caller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// NopConfig disables every component.
func NopConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "disabled"
	cfg.Logging.Output = "discard"
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	return cfg
}

var validate = validator.New()

// fieldMessages names the fields whose tag checks can fail.
var fieldMessages = map[string]string{
	"Config.ServiceName":          "service name is required",
	"Config.ServiceVersion":       "service version is required",
	"Config.Logging.Level":        "invalid log level",
	"Config.Logging.Format":       "invalid log format (must be 'console' or 'json')",
	"Config.Logging.TimeFormat":   "invalid log time format",
	"Config.Tracing.Exporter":     "invalid trace exporter",
	"Config.Tracing.SamplingRate": "trace sampling rate must be between 0 and 1",
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		fe := verrs[0]
		msg, ok := fieldMessages[fe.Namespace()]
		if !ok {
			msg = fmt.Sprintf("invalid %s", fe.Namespace())
		}
		return fmt.Errorf("%s: %v", msg, fe.Value())
	}

	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return errors.New("otlp exporter requires an endpoint")
	}
	if c.Events.Enabled && c.Events.Async {
		if c.Events.BufferSize <= 0 {
			return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
		}
		if c.Events.BatchSize <= 0 {
			return fmt.Errorf("event batch size must be positive, got: %d", c.Events.BatchSize)
		}
	}
	return nil
}
