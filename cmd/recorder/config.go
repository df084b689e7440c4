package main

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/g1879/datarecorder/pkg/config"
	"github.com/g1879/datarecorder/pkg/recerrors"
)

// envPrefix is prepended to every environment override, e.g.
// RECORDER_DESTINATION_PATH or RECORDER_RETRY_TIMEOUT.
const envPrefix = "RECORDER"

// configKeys are the settings that can come from the environment
var configKeys = []string{
	"destination.path",
	"destination.format",
	"destination.table",
	"destination.sheet",
	"cache_size",
	"text.encoding",
	"text.delimiter",
	"text.quote_char",
	"retry.interval",
	"retry.max_attempts",
	"retry.timeout",
	"retry.notify",
	"fallback.enabled",
	"fallback.dir",
	"fallback.compression",
	"fallback.min_free_bytes",
	"schedule.cron",
	"schedule.interval",
	"observability.log_level",
	"observability.log_encoding",
	"observability.enable_tracing",
	"observability.tracing_sample_rate",
}

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"path":       "destination.path",
	"format":     "destination.format",
	"table":      "destination.table",
	"sheet":      "destination.sheet",
	"cache-size": "cache_size",
	"encoding":   "text.encoding",
	"delimiter":  "text.delimiter",
	"log-level":  "observability.log_level",
	"timeout":    "retry.timeout",
}

// loadConfig layers defaults, the optional config file, RECORDER_*
// environment variables and explicitly set flags, in increasing priority.
func loadConfig(file string, flags *pflag.FlagSet) (*config.RecorderConfig, error) {
	cfg := config.NewRecorderConfig("")

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, recerrors.Wrap(err, recerrors.ErrorTypeConfig, "failed to bind environment").WithDetail("key", key)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, recerrors.Wrap(err, recerrors.ErrorTypeConfig, "failed to read config file").WithDetail("path", file)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, recerrors.Wrap(err, recerrors.ErrorTypeConfig, "failed to bind flag").WithDetail("flag", name)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, recerrors.Wrap(err, recerrors.ErrorTypeConfig, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
