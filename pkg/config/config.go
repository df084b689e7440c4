// Package config defines RecorderConfig, the single configuration structure
// a recorder is built from. It is organized into sections:
//   - Destination: file path, format override, default table and sheet
//   - Text: encoding, delimiter and quote character for text formats
//   - Retry: how long a locked destination is waited on
//   - Fallback: where rows go when they cannot be written at teardown
//   - Schedule: optional periodic flushing
//   - Observability: logging and tracing
//
// Example usage:
//
//	cfg := config.NewRecorderConfig("out/data.csv")
//	cfg.CacheSize = 500
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"time"
	"unicode/utf8"

	"github.com/g1879/datarecorder/pkg/compression"
	"github.com/g1879/datarecorder/pkg/connector/base"
	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/logger"
	"github.com/g1879/datarecorder/pkg/observability"
	"github.com/g1879/datarecorder/pkg/recerrors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap/zapcore"
)

// DefaultCacheSize is the number of buffered rows that triggers a flush
const DefaultCacheSize = 1000

// RecorderConfig is the complete configuration of one recorder.
type RecorderConfig struct {
	Destination DestinationConfig `yaml:"destination" json:"destination" mapstructure:"destination"`

	// CacheSize is the buffered row count that triggers a flush. 0 disables
	// automatic flushing.
	CacheSize int `yaml:"cache_size" json:"cache_size" mapstructure:"cache_size"`

	// Before and After are prepended and appended to every row. Each may be
	// a list, a mapping or a single value. Mappings loaded from YAML lose
	// their key order and are applied in sorted key order.
	Before interface{} `yaml:"before,omitempty" json:"before,omitempty" mapstructure:"before"`
	After  interface{} `yaml:"after,omitempty" json:"after,omitempty" mapstructure:"after"`

	Text          TextConfig          `yaml:"text" json:"text" mapstructure:"text"`
	Retry         RetryConfig         `yaml:"retry" json:"retry" mapstructure:"retry"`
	Fallback      FallbackConfig      `yaml:"fallback" json:"fallback" mapstructure:"fallback"`
	Schedule      ScheduleConfig      `yaml:"schedule" json:"schedule" mapstructure:"schedule"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// DestinationConfig names where rows are written.
type DestinationConfig struct {
	// Path of the destination file. The format is taken from its extension
	// unless Format is set.
	Path   string `yaml:"path" json:"path" mapstructure:"path"`
	Format string `yaml:"format" json:"format" mapstructure:"format"`
	// Table is the default table for db destinations
	Table string `yaml:"table" json:"table" mapstructure:"table"`
	// Sheet is the worksheet for xlsx destinations; empty means the active one
	Sheet string `yaml:"sheet" json:"sheet" mapstructure:"sheet"`
}

// TextConfig holds options for csv, txt and json.
type TextConfig struct {
	Encoding  string `yaml:"encoding" json:"encoding" mapstructure:"encoding"`
	Delimiter string `yaml:"delimiter" json:"delimiter" mapstructure:"delimiter"`
	QuoteChar string `yaml:"quote_char" json:"quote_char" mapstructure:"quote_char"`
}

// RetryConfig bounds the wait on a locked destination. Zero MaxAttempts and
// zero Timeout wait forever.
type RetryConfig struct {
	Interval    time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts" mapstructure:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	// Notify prints a notice once per distinct lock reason
	Notify bool `yaml:"notify" json:"notify" mapstructure:"notify"`
}

// FallbackConfig controls the spill file used for rows that could not be
// written while the recorder was closing.
type FallbackConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	// Dir holds spill files; empty means next to the destination
	Dir         string `yaml:"dir" json:"dir" mapstructure:"dir"`
	Compression string `yaml:"compression" json:"compression" mapstructure:"compression"`
	// MinFreeBytes skips the spill file when the disk is nearly full
	MinFreeBytes uint64 `yaml:"min_free_bytes" json:"min_free_bytes" mapstructure:"min_free_bytes"`
}

// ScheduleConfig enables periodic flushing. Cron takes precedence over
// Interval.
type ScheduleConfig struct {
	Cron     string        `yaml:"cron" json:"cron" mapstructure:"cron"`
	Interval time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`
}

// ObservabilityConfig contains logging and tracing settings.
type ObservabilityConfig struct {
	LogLevel          string  `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	LogEncoding       string  `yaml:"log_encoding" json:"log_encoding" mapstructure:"log_encoding"`
	EnableTracing     bool    `yaml:"enable_tracing" json:"enable_tracing" mapstructure:"enable_tracing"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate" mapstructure:"tracing_sample_rate"`
}

// NewRecorderConfig creates a RecorderConfig for path with defaults.
func NewRecorderConfig(path string) *RecorderConfig {
	text := core.DefaultTextOptions()
	return &RecorderConfig{
		Destination: DestinationConfig{Path: path},
		CacheSize:   DefaultCacheSize,
		Text: TextConfig{
			Encoding:  text.Encoding,
			Delimiter: string(text.Delimiter),
			QuoteChar: string(text.QuoteChar),
		},
		Retry: RetryConfig{
			Interval: base.DefaultRetryInterval,
			Notify:   true,
		},
		Fallback: FallbackConfig{
			Enabled:     true,
			Compression: string(compression.None),
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogEncoding:       "json",
			TracingSampleRate: 1.0,
		},
	}
}

// Validate checks every section. All failures are config errors.
func (c *RecorderConfig) Validate() error {
	if c.CacheSize < 0 {
		return recerrors.Newf(recerrors.ErrorTypeConfig, "cache_size must be >= 0, got %d", c.CacheSize).
			WithDetail("field", "cache_size")
	}
	if _, err := c.Format(); err != nil {
		return err
	}
	if _, err := c.TextOptions(); err != nil {
		return err
	}
	if c.Retry.Interval < 0 || c.Retry.Timeout < 0 {
		return recerrors.New(recerrors.ErrorTypeConfig, "retry interval and timeout cannot be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return recerrors.New(recerrors.ErrorTypeConfig, "retry max_attempts cannot be negative")
	}
	if _, err := compression.ParseAlgorithm(c.Fallback.Compression); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeConfig, "invalid fallback compression")
	}
	if c.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return recerrors.Wrap(err, recerrors.ErrorTypeConfig, "invalid schedule cron expression").
				WithDetail("cron", c.Schedule.Cron)
		}
	}
	if c.Schedule.Interval < 0 {
		return recerrors.New(recerrors.ErrorTypeConfig, "schedule interval cannot be negative")
	}
	if c.Observability.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.Observability.LogLevel); err != nil {
			return recerrors.Wrap(err, recerrors.ErrorTypeConfig, "invalid log_level")
		}
	}
	switch c.Observability.LogEncoding {
	case "", "json", "console":
	default:
		return recerrors.Newf(recerrors.ErrorTypeConfig, "log_encoding must be json or console, got %q", c.Observability.LogEncoding)
	}
	if r := c.Observability.TracingSampleRate; r < 0 || r > 1 {
		return recerrors.Newf(recerrors.ErrorTypeConfig, "tracing_sample_rate must be within [0, 1], got %g", r)
	}
	return nil
}

// Format resolves the destination format. It returns "" with no error when
// no path is configured yet.
func (c *RecorderConfig) Format() (core.Format, error) {
	if c.Destination.Format != "" {
		return core.ParseFormat(c.Destination.Format)
	}
	if c.Destination.Path == "" {
		return "", nil
	}
	return core.FormatFromPath(c.Destination.Path)
}

// TextOptions converts the text section, filling defaults for empty fields.
func (c *RecorderConfig) TextOptions() (core.TextOptions, error) {
	var opts core.TextOptions
	opts.Encoding = c.Text.Encoding

	var err error
	if opts.Delimiter, err = singleRune("delimiter", c.Text.Delimiter); err != nil {
		return opts, err
	}
	if opts.QuoteChar, err = singleRune("quote_char", c.Text.QuoteChar); err != nil {
		return opts, err
	}

	opts = opts.WithDefaults()
	if _, err := base.LookupEncoding(opts.Encoding); err != nil {
		return opts, err
	}
	return opts, opts.Validate()
}

func singleRune(field, s string) (rune, error) {
	if s == "" {
		return 0, nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || size != len(s) {
		return 0, recerrors.Newf(recerrors.ErrorTypeConfig, "%s must be a single character, got %q", field, s).
			WithDetail("field", field)
	}
	return r, nil
}

// RetryPolicy builds the lock retry policy.
func (c *RecorderConfig) RetryPolicy() *base.RetryPolicy {
	policy := base.DefaultRetryPolicy()
	if c.Retry.Interval > 0 {
		policy = policy.WithInterval(c.Retry.Interval)
	}
	return policy.WithMaxAttempts(c.Retry.MaxAttempts).WithTimeout(c.Retry.Timeout)
}

// ScheduleSpec returns the cron spec for periodic flushing, or "" when
// disabled.
func (c *RecorderConfig) ScheduleSpec() string {
	if c.Schedule.Cron != "" {
		return c.Schedule.Cron
	}
	if c.Schedule.Interval > 0 {
		return "@every " + c.Schedule.Interval.String()
	}
	return ""
}

// LoggerConfig converts the observability section for logger.Init.
func (c *RecorderConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:    c.Observability.LogLevel,
		Encoding: c.Observability.LogEncoding,
	}
}

// TracingConfig converts the observability section for observability.Init.
func (c *RecorderConfig) TracingConfig(serviceName, version string) observability.TracingConfig {
	cfg := observability.DefaultTracingConfig()
	cfg.Enabled = c.Observability.EnableTracing
	cfg.ServiceName = serviceName
	cfg.ServiceVersion = version
	cfg.SamplingRate = c.Observability.TracingSampleRate
	return cfg
}
