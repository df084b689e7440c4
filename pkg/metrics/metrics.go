// Package metrics exposes Prometheus collectors for the recorder: rows
// admitted, flush outcomes and latency, lock retries, schema growth and
// fallback spills.
//
// # Basic Usage
//
//	metrics.RowsAdded.WithLabelValues("csv").Add(float64(n))
//
//	timer := metrics.NewTimer()
//	err := write()
//	metrics.ObserveFlush("csv", metrics.StatusOf(err), timer.Stop(), rows)
//
// All collectors are registered with the default Prometheus registry on
// package initialisation.
package metrics

import (
	"time"

	"github.com/g1879/datarecorder/pkg/pool"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "datarecorder"

// Flush status label values
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusSwallowed = "swallowed"
	StatusNoop      = "noop"
)

var (
	// RowsAdded counts rows admitted into buffers
	RowsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_added_total",
			Help:      "Total number of rows admitted into recorder buffers",
		},
		[]string{"format"},
	)

	// RowsFlushed counts rows persisted to a destination
	RowsFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_flushed_total",
			Help:      "Total number of rows persisted by successful flushes",
		},
		[]string{"format"},
	)

	// Flushes counts flush invocations by outcome
	Flushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Total number of flush invocations by outcome",
		},
		[]string{"format", "status"},
	)

	// FlushDuration tracks flush latency including lock retries
	FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Flush duration in seconds, including time spent waiting on locks",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120},
		},
		[]string{"format"},
	)

	// LockRetries counts write attempts that hit a locked destination
	LockRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_retries_total",
			Help:      "Total number of write attempts that found the destination locked",
		},
		[]string{"format"},
	)

	// BufferedRows reports rows currently waiting in a buffer
	BufferedRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_rows",
			Help:      "Rows currently buffered and not yet flushed",
		},
		[]string{"recorder"},
	)

	// SchemaColumnsAdded counts columns added to relational tables
	SchemaColumnsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_columns_added_total",
			Help:      "Total number of columns added to relational tables by schema evolution",
		},
		[]string{"table"},
	)

	// FallbackRows counts rows written to the fallback sink
	FallbackRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_rows_total",
			Help:      "Total number of unflushed rows written to the fallback sink",
		},
		[]string{"sink"},
	)

	// PooledWritersInUse reports buffered writers checked out of the write pool
	PooledWritersInUse = poolGauge("writer", pool.WriterStats)

	// PooledBuffersInUse reports scratch buffers checked out of the buffer pool
	PooledBuffersInUse = poolGauge("buffer", pool.BufferStats)
)

func poolGauge(name string, stats func() (allocated, inUse, gets int64)) prometheus.GaugeFunc {
	return promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_objects_in_use",
			Help:        "Pooled objects currently held by a flush",
			ConstLabels: prometheus.Labels{"pool": name},
		},
		func() float64 {
			_, inUse, _ := stats()
			return float64(inUse)
		},
	)
}

// StatusOf maps a flush error to a status label.
func StatusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// ObserveFlush records one flush outcome.
func ObserveFlush(format, status string, duration time.Duration, rows int) {
	Flushes.WithLabelValues(format, status).Inc()
	if status == StatusNoop {
		return
	}
	FlushDuration.WithLabelValues(format).Observe(duration.Seconds())
	if status == StatusSuccess {
		RowsFlushed.WithLabelValues(format).Add(float64(rows))
	}
}

// Timer measures elapsed time for an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
