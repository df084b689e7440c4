package recorder

import (
	"fmt"
	"io"

	"github.com/g1879/datarecorder/internal/pipeline"
	"github.com/g1879/datarecorder/pkg/compression"
	"github.com/g1879/datarecorder/pkg/connector/base"
	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/models"
	"go.uber.org/zap"
)

// DefaultCacheSize is the buffered row count that triggers a flush
const DefaultCacheSize = 1000

// Notifier is told once per distinct reason a destination is locked while
// a flush waits for it.
type Notifier = pipeline.Notifier

type options struct {
	name      string
	format    core.Format
	cacheSize int
	table     string
	sheet     string
	before    models.Columns
	after     models.Columns
	text      core.TextOptions
	retry     *base.RetryPolicy
	notifier  Notifier
	logger    *zap.Logger
	schedule  string

	fallbackEnabled bool
	fallbackDir     string
	fallbackAlgo    compression.Algorithm
	fallbackMinFree uint64
}

func defaultOptions() *options {
	return &options{
		cacheSize:       DefaultCacheSize,
		text:            core.DefaultTextOptions(),
		retry:           base.DefaultRetryPolicy(),
		fallbackEnabled: true,
		fallbackAlgo:    compression.None,
	}
}

// Option configures a Recorder or ByteRecorder
type Option func(*options)

// WithName labels logs and metrics. Defaults to the destination file name.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithFormat overrides the format derived from the path extension
func WithFormat(format core.Format) Option {
	return func(o *options) { o.format = format }
}

// WithCacheSize sets the flush threshold. 0 flushes only on request.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithTable sets the default table for db destinations
func WithTable(table string) Option {
	return func(o *options) { o.table = table }
}

// WithSheet sets the worksheet for xlsx destinations
func WithSheet(sheet string) Option {
	return func(o *options) { o.sheet = sheet }
}

// WithBefore sets columns prepended to every row. v may be a sequence, a
// mapping, models.Columns or a single value.
func WithBefore(v interface{}) Option {
	return func(o *options) { o.before = models.ColumnsOf(v) }
}

// WithAfter sets columns appended to every row
func WithAfter(v interface{}) Option {
	return func(o *options) { o.after = models.ColumnsOf(v) }
}

// WithTextOptions sets encoding, delimiter and quote character for text
// formats. Zero fields keep their defaults.
func WithTextOptions(text core.TextOptions) Option {
	return func(o *options) { o.text = text.WithDefaults() }
}

// WithEncoding sets the text encoding, e.g. "utf-8", "utf-8-sig" or "gbk"
func WithEncoding(encoding string) Option {
	return func(o *options) { o.text.Encoding = encoding }
}

// WithDelimiter sets the csv field delimiter
func WithDelimiter(r rune) Option {
	return func(o *options) { o.text.Delimiter = r }
}

// WithQuoteChar sets the csv quote character
func WithQuoteChar(r rune) Option {
	return func(o *options) { o.text.QuoteChar = r }
}

// WithRetryPolicy bounds how long a locked destination is waited on. The
// default waits until the lock is released or the context is done.
func WithRetryPolicy(policy *base.RetryPolicy) Option {
	return func(o *options) { o.retry = policy }
}

// WithNotifier sets the callback told when a flush starts waiting on a lock
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithLogger sets the logger. Defaults to the global logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSchedule flushes periodically. spec is a cron expression or a
// descriptor such as "@every 30s".
func WithSchedule(spec string) Option {
	return func(o *options) { o.schedule = spec }
}

// WithFallback controls where rows go when they cannot be written while
// closing. dir "" means next to the destination.
func WithFallback(dir string, algorithm compression.Algorithm, minFreeBytes uint64) Option {
	return func(o *options) {
		o.fallbackEnabled = true
		o.fallbackDir = dir
		o.fallbackAlgo = algorithm
		o.fallbackMinFree = minFreeBytes
	}
}

// WithoutFallback sends rows that cannot be written while closing to the
// error log only.
func WithoutFallback() Option {
	return func(o *options) { o.fallbackEnabled = false }
}

// WriterNotifier prints a one-line notice to w, overwriting the current
// terminal line.
func WriterNotifier(w io.Writer) Notifier {
	return func(path, reason string) {
		fmt.Fprintf(w, "\r%s is locked (%s), retrying until it is released...", path, reason)
	}
}
