// Package observability wires OpenTelemetry tracing and metrics for flushes.
//
// Tracing is disabled by default: the global OpenTelemetry provider is a
// no-op and StartFlushSpan costs almost nothing. Init with Enabled set
// installs an SDK tracer provider exporting through stdouttrace.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/g1879/datarecorder"

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	SamplingRate   float64
	// Writer receives exported spans. Defaults to os.Stderr.
	Writer      io.Writer
	PrettyPrint bool
}

// DefaultTracingConfig returns a disabled configuration that samples every
// span once enabled.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName:    "datarecorder",
		ServiceVersion: "dev",
		SamplingRate:   1.0,
	}
}

var (
	mu       sync.Mutex
	provider *sdktrace.TracerProvider
)

// Init installs a tracer provider according to config. Calling Init again
// shuts the previous provider down first.
func Init(ctx context.Context, config TracingConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if provider != nil {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown previous tracer provider: %w", err)
		}
		provider = nil
	}
	if !config.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return nil
	}

	w := config.Writer
	if w == nil {
		w = os.Stderr
	}
	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if config.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	rate := config.SamplingRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(provider)
	return nil
}

// Shutdown flushes and stops the installed provider, if any.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if provider == nil {
		return nil
	}
	err := provider.Shutdown(ctx)
	provider = nil
	otel.SetTracerProvider(noop.NewTracerProvider())
	if err != nil {
		return fmt.Errorf("failed to shutdown tracer: %w", err)
	}
	return nil
}

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartFlushSpan starts a span covering one flush of a destination.
func StartFlushSpan(ctx context.Context, format, path, flushID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "recorder.flush",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("recorder.format", format),
			attribute.String("recorder.path", path),
			attribute.String("recorder.flush_id", flushID),
		),
	)
}

// EndSpan records the flush outcome on span and ends it.
func EndSpan(ctx context.Context, span trace.Span, format string, rows int, err error) {
	span.SetAttributes(attribute.Int("recorder.rows", rows))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
		recordFlushedRows(ctx, format, rows)
	}
	span.End()
}

var (
	counterOnce  sync.Once
	rowsCounter  metric.Int64Counter
	counterError error
)

func recordFlushedRows(ctx context.Context, format string, rows int) {
	counterOnce.Do(func() {
		rowsCounter, counterError = otel.Meter(instrumentationName).Int64Counter(
			"datarecorder.flush.rows",
			metric.WithDescription("Rows persisted by successful flushes"),
			metric.WithUnit("{row}"),
		)
	})
	if counterError != nil || rows == 0 {
		return
	}
	rowsCounter.Add(ctx, int64(rows), metric.WithAttributes(attribute.String("format", format)))
}
