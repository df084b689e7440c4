// Package datarecorder records rows into files in batches.
//
// A program that produces rows one at a time, such as a crawler, a test
// harness or a long-running job, hands them to a Recorder. The recorder
// shapes each row, buffers it, and writes the buffer in one go when it fills
// up, when asked to, on a schedule, or when the recorder is closed.
//
// # Architecture
//
// Every write goes through the same path:
//
//  1. Shaping: models.Shape merges the configured prefix and suffix columns
//     into the raw value. Mappings stay mappings so they can be matched to
//     columns by name; everything else becomes an ordered sequence.
//
//  2. Buffering: rows are grouped by table in a pipeline.Buffer. Reaching
//     the cache size triggers a flush from the Add that crossed it.
//
//  3. Flushing: a pipeline.Coordinator pauses admission, snapshots the
//     buffer and hands it to the format adapter. A destination locked by
//     another program is retried on a fixed interval. Rows from a failed
//     flush stay buffered; rows that cannot be written while closing go to
//     a JSON lines fallback file.
//
//  4. Formats: one adapter per file type under pkg/connector/destinations.
//     Spreadsheets and sqlite databases gain columns for new mapping keys;
//     csv and txt are appended to; json arrays are rewritten atomically.
//
// # Quick Start
//
//	import (
//	    "context"
//
//	    "github.com/g1879/datarecorder/pkg/recorder"
//	)
//
//	rec, err := recorder.New("out/results.xlsx",
//	    recorder.WithCacheSize(500),
//	    recorder.WithBefore(models.Mapping{{Name: "run", Value: runID}}),
//	)
//	if err != nil {
//	    return err
//	}
//	defer rec.Close(ctx)
//
//	err = rec.Add(ctx, models.Mapping{{Name: "url", Value: u}, {Name: "status", Value: code}})
//
// # Key Packages
//
//	pkg/recorder     - Recorder and ByteRecorder, the public entry points
//	internal/pipeline - Buffer, flush state machine, lock retry and fallback
//	pkg/models       - Row variants and the row shaper
//	pkg/connector    - Format adapters and their registry
//	pkg/config       - YAML configuration with environment substitution
//	pkg/recerrors    - Structured errors (config, lock, schema_width, ...)
//	pkg/logger       - Structured logging
//	pkg/metrics      - Prometheus collectors for flushes and buffered rows
//	pkg/observability - OpenTelemetry flush spans
//
// # Formats
//
//   - xlsx: spreadsheet, optionally a named worksheet
//   - csv: delimited text with configurable delimiter, quote and encoding
//   - txt: one JSON document per line
//   - json: a single JSON array
//   - db: sqlite file, one table per row group (.db, .sqlite, .sqlite3)
//
// # Configuration
//
// A recorder can be built from options or from a RecorderConfig:
//
//	destination:
//	  path: ${OUT_DIR:-out}/events.db
//	  table: events
//	cache_size: 1000
//	retry:
//	  interval: 300ms
//	  timeout: 0s   # wait on a locked file until it is released
//	fallback:
//	  compression: zstd
//
// # Command line
//
// cmd/recorder reads JSON lines from stdin or a file and records them:
//
//	tail -f events.jsonl | recorder record --path out/events.csv
package datarecorder
