// Package config provides configuration loading for recorders.
//
// # Loading
//
//	cfg, err := config.LoadRecorderConfig("recorder.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Load and Save work on any YAML-tagged struct. Values of the form
// ${VAR_NAME} or ${VAR_NAME:-default} are replaced from the environment
// before parsing:
//
//	# recorder.yaml
//	destination:
//	  path: ${DATA_DIR:-./out}/events.db
//	  table: events
//	cache_size: 500
//	retry:
//	  interval: 300ms
//	  timeout: 1m
//	fallback:
//	  enabled: true
//	  compression: zstd
//
// The command line tool reads the same keys through viper, so every field
// can also come from a RECORDER_* environment variable or a flag.
//
// # Defaults
//
// NewRecorderConfig fills every section: a cache of 1000 rows, UTF-8 text
// with comma and double quote, lock retries every 300ms with no limit,
// uncompressed fallback files beside the destination, JSON logs at info
// level and tracing off.
package config
