// Package recorder is the public entry point for buffered tabular
// recording. A Recorder shapes each added row with its configured prefix and
// suffix columns, buffers it, and flushes the buffer to an xlsx, csv, txt,
// json or sqlite file when the cache size is reached, on request, on a
// schedule, or at Close.
//
//	rec, err := recorder.New("out/result.csv", recorder.WithCacheSize(500))
//	if err != nil {
//	    return err
//	}
//	defer rec.Close(ctx)
//
//	err = rec.Add(ctx, []interface{}{"a", 1})
//
// A flush that finds the destination locked by another process waits and
// retries until the lock is released. Rows that cannot be written are kept
// in the buffer and returned inside a *pipeline.FlushError.
package recorder

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/g1879/datarecorder/internal/pipeline"
	"github.com/g1879/datarecorder/pkg/compression"
	"github.com/g1879/datarecorder/pkg/config"
	"github.com/g1879/datarecorder/pkg/connector/base"
	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/connector/registry"
	"github.com/g1879/datarecorder/pkg/logger"
	"github.com/g1879/datarecorder/pkg/models"
	"github.com/g1879/datarecorder/pkg/pathutil"
	"github.com/g1879/datarecorder/pkg/recerrors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	// adapters register themselves with the registry
	_ "github.com/g1879/datarecorder/pkg/connector/destinations"
)

// FlushError is returned when a flush fails and its rows stay buffered
type FlushError = pipeline.FlushError[models.Row]

// Recorder buffers rows for one destination file. It is safe for
// concurrent use.
type Recorder struct {
	coord *pipeline.Coordinator[models.Row]

	// mu guards the settings below. Writers hold it only inside a
	// coordinator Reconfigure, so shaping never mixes old and new settings
	// within one buffer.
	mu       sync.RWMutex
	dest     core.Destination
	adapter  core.Adapter
	override core.Format
	before   models.Columns
	after    models.Columns

	name   string
	cron   *cron.Cron
	logger *zap.Logger
}

// New creates a recorder for path. path may be empty and set later with
// SetPath; rows added meanwhile stay buffered.
func New(path string, opts ...Option) (*Recorder, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	if o.cacheSize < 0 {
		return nil, recerrors.Newf(recerrors.ErrorTypeConfig, "cache size must be >= 0, got %d", o.cacheSize)
	}
	text, err := validText(o.text)
	if err != nil {
		return nil, err
	}

	log := o.logger
	if log == nil {
		log = logger.Get()
	}
	name := o.name
	if name == "" {
		name = "recorder"
		if path != "" {
			name = filepath.Base(path)
		}
	}
	log = log.With(zap.String("component", "recorder"), zap.String("recorder", name))

	r := &Recorder{
		dest: core.Destination{
			Path:  path,
			Table: o.table,
			Sheet: o.sheet,
			Text:  text,
		},
		override: o.format,
		before:   o.before,
		after:    o.after,
		name:     name,
		logger:   log,
	}

	var w pipeline.Writer[models.Row]
	if path != "" {
		format, adapter, err := registry.Resolve(path, o.format)
		if err != nil {
			return nil, err
		}
		r.dest.Format = format
		r.adapter = adapter
		w = r.writerLocked()
	} else if o.format != "" {
		format, err := core.ParseFormat(string(o.format))
		if err != nil {
			return nil, err
		}
		r.dest.Format = format
	}

	var fallback pipeline.Fallback[models.Row]
	if o.fallbackEnabled {
		fallback = pipeline.NewFileFallback[models.Row](o.fallbackDir, o.fallbackAlgo, o.fallbackMinFree, log)
	}

	coord, err := pipeline.NewCoordinator[models.Row](w, pipeline.Options[models.Row]{
		Name:      name,
		Format:    string(r.dest.Format),
		CacheSize: o.cacheSize,
		Retry:     o.retry,
		Notifier:  o.notifier,
		Fallback:  fallback,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	r.coord = coord

	if o.schedule != "" {
		if err := r.startSchedule(o.schedule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// FromConfig creates a recorder from a validated configuration. opts are
// applied after the configuration and override it.
func FromConfig(cfg *config.RecorderConfig, opts ...Option) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	text, err := cfg.TextOptions()
	if err != nil {
		return nil, err
	}
	format, err := cfg.Format()
	if err != nil {
		return nil, err
	}

	options := []Option{
		WithFormat(format),
		WithCacheSize(cfg.CacheSize),
		WithTable(cfg.Destination.Table),
		WithSheet(cfg.Destination.Sheet),
		WithBefore(cfg.Before),
		WithAfter(cfg.After),
		WithTextOptions(text),
		WithRetryPolicy(cfg.RetryPolicy()),
		WithSchedule(cfg.ScheduleSpec()),
	}
	if cfg.Fallback.Enabled {
		alg, err := compression.ParseAlgorithm(cfg.Fallback.Compression)
		if err != nil {
			return nil, err
		}
		options = append(options, WithFallback(cfg.Fallback.Dir, alg, cfg.Fallback.MinFreeBytes))
	} else {
		options = append(options, WithoutFallback())
	}
	if cfg.Retry.Notify {
		options = append(options, WithNotifier(WriterNotifier(os.Stderr)))
	}
	return New(cfg.Destination.Path, append(options, opts...)...)
}

func (r *Recorder) startSchedule(spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := r.coord.Flush(context.Background()); err != nil {
			r.logger.Warn("scheduled flush failed", zap.Error(err))
		}
	})
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeConfig, "invalid flush schedule").
			WithDetail("schedule", spec)
	}
	c.Start()
	r.cron = c
	r.logger.Debug("flush schedule started", zap.String("schedule", spec))
	return nil
}

// Add shapes data into one row and buffers it. data may be a sequence, a
// mapping (map, models.Mapping or models.Row) or a scalar.
func (r *Recorder) Add(ctx context.Context, data interface{}) error {
	return r.AddTo(ctx, "", data)
}

// AddRows buffers several rows in one admission
func (r *Recorder) AddRows(ctx context.Context, rows ...interface{}) error {
	return r.AddTo(ctx, "", rows...)
}

// AddTo buffers rows for table. table matters only for db destinations,
// where an empty table falls back to the configured one.
func (r *Recorder) AddTo(ctx context.Context, table string, rows ...interface{}) error {
	return r.add(ctx, table, true, rows)
}

// add buffers rows, applying the configured prefix and suffix when shape is
// set
func (r *Recorder) add(ctx context.Context, table string, shape bool, rows []interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	return r.coord.AddFunc(ctx, func() (string, []models.Row, error) {
		r.mu.RLock()
		defer r.mu.RUnlock()

		key := ""
		if r.dest.Format.IsRelational() {
			key = table
			if key == "" {
				key = r.dest.Table
			}
			if key == "" {
				return "", nil, recerrors.New(recerrors.ErrorTypeConfig, "no table given for db row")
			}
		}

		before, after := r.before, r.after
		if !shape {
			before, after = models.Columns{}, models.Columns{}
		}
		shaped := make([]models.Row, len(rows))
		for i, raw := range rows {
			shaped[i] = models.Shape(raw, before, after)
		}
		return key, shaped, nil
	})
}

// Flush writes every buffered row and returns the destination path
func (r *Recorder) Flush(ctx context.Context) (string, error) {
	return r.coord.Flush(ctx)
}

// FlushTo copies the destination to a free path derived from newPath,
// writes the buffered rows there and returns that path. The configured
// destination is left unchanged.
func (r *Recorder) FlushTo(ctx context.Context, newPath string) (string, error) {
	r.mu.RLock()
	src := r.dest
	adapter := r.adapter
	r.mu.RUnlock()

	if adapter == nil {
		return "", recerrors.New(recerrors.ErrorTypeConfig, "no destination path configured")
	}
	if newPath == "" {
		return "", recerrors.New(recerrors.ErrorTypeConfig, "save-as path is empty")
	}

	target := pathutil.UsablePath(newPath)
	dst := src
	dst.Path = target

	prepare := func(context.Context) error {
		if !pathutil.Exists(src.Path) {
			return nil
		}
		if err := pathutil.CopyFile(src.Path, target); err != nil {
			return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to copy destination").
				WithDetail("source", src.Path).
				WithDetail("target", target)
		}
		return nil
	}

	path, err := r.coord.FlushTo(ctx, &rowWriter{adapter: adapter, dest: dst}, prepare)
	if err != nil {
		return path, err
	}
	r.logger.Info("saved as", zap.String("source", src.Path), zap.String("target", path))
	return path, nil
}

// SetHead writes head as the first row of the destination, replacing any
// existing header. Only csv and xlsx destinations support it. Buffered rows
// are not flushed.
func (r *Recorder) SetHead(ctx context.Context, head []string) error {
	r.mu.RLock()
	dest := r.dest
	adapter := r.adapter
	r.mu.RUnlock()

	if adapter == nil {
		return recerrors.New(recerrors.ErrorTypeConfig, "no destination path configured")
	}
	hs, ok := adapter.(core.HeadSetter)
	if !ok {
		return recerrors.Newf(recerrors.ErrorTypeConfig, "format %s does not support a header row", dest.Format)
	}

	return r.coord.Exclusive(ctx, func(ctx context.Context) error {
		if err := pathutil.EnsureParentDir(dest.Path); err != nil {
			return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to create destination directory")
		}
		return hs.SetHead(ctx, dest, head)
	})
}

// SetPath flushes pending rows to the current destination and switches to
// path. format overrides the extension when non-empty.
func (r *Recorder) SetPath(ctx context.Context, path string, format core.Format) error {
	if path == "" {
		return recerrors.New(recerrors.ErrorTypeConfig, "path is empty")
	}
	_, err := r.coord.Reconfigure(ctx, func() (pipeline.Writer[models.Row], error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if format == "" {
			format = r.override
		}
		resolved, adapter, err := registry.Resolve(path, format)
		if err != nil {
			return nil, err
		}
		r.dest.Path = path
		r.dest.Format = resolved
		r.adapter = adapter
		r.override = format
		r.logger.Debug("destination changed", zap.String("path", path), zap.String("format", string(resolved)))
		return r.writerLocked(), nil
	})
	return err
}

// SetBefore flushes pending rows and changes the prefix columns
func (r *Recorder) SetBefore(ctx context.Context, v interface{}) error {
	cols := models.ColumnsOf(v)
	return r.reconfigure(ctx, func() { r.before = cols })
}

// SetAfter flushes pending rows and changes the suffix columns
func (r *Recorder) SetAfter(ctx context.Context, v interface{}) error {
	cols := models.ColumnsOf(v)
	return r.reconfigure(ctx, func() { r.after = cols })
}

// SetTable flushes pending rows and changes the default db table
func (r *Recorder) SetTable(ctx context.Context, table string) error {
	return r.reconfigure(ctx, func() { r.dest.Table = table })
}

// SetSheet flushes pending rows and changes the xlsx worksheet
func (r *Recorder) SetSheet(ctx context.Context, sheet string) error {
	return r.reconfigure(ctx, func() { r.dest.Sheet = sheet })
}

// SetTextOptions flushes pending rows and changes the text settings
func (r *Recorder) SetTextOptions(ctx context.Context, text core.TextOptions) error {
	text, err := validText(text)
	if err != nil {
		return err
	}
	return r.reconfigure(ctx, func() { r.dest.Text = text })
}

func validText(text core.TextOptions) (core.TextOptions, error) {
	text = text.WithDefaults()
	if _, err := base.LookupEncoding(text.Encoding); err != nil {
		return text, err
	}
	return text, text.Validate()
}

func (r *Recorder) reconfigure(ctx context.Context, apply func()) error {
	_, err := r.coord.Reconfigure(ctx, func() (pipeline.Writer[models.Row], error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		apply()
		if r.adapter == nil {
			return nil, nil
		}
		return r.writerLocked(), nil
	})
	return err
}

// SetCacheSize changes the flush threshold without flushing
func (r *Recorder) SetCacheSize(n int) error {
	return r.coord.SetCacheSize(n)
}

// Clear discards buffered rows
func (r *Recorder) Clear() {
	r.coord.Clear()
}

// Data returns a copy of the buffered rows grouped by table
func (r *Recorder) Data() []models.Batch {
	snap := r.coord.Snapshot()
	out := make([]models.Batch, len(snap))
	for i, b := range snap {
		out[i] = models.Batch{Table: b.Key, Rows: b.Items}
	}
	return out
}

// Len returns the number of buffered rows
func (r *Recorder) Len() int { return r.coord.Len() }

// CacheSize returns the flush threshold
func (r *Recorder) CacheSize() int { return r.coord.CacheSize() }

// Path returns the destination path
func (r *Recorder) Path() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dest.Path
}

// Format returns the destination format
func (r *Recorder) Format() core.Format {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dest.Format
}

// Table returns the default db table
func (r *Recorder) Table() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dest.Table
}

// State returns the flush state
func (r *Recorder) State() pipeline.State { return r.coord.State() }

// Close stops the schedule and flushes what is left. Rows that cannot be
// written for a teardown reason go to the fallback file instead of failing
// Close. Calling Close again is a no-op.
func (r *Recorder) Close(ctx context.Context) error {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	_, err := r.coord.Close(ctx)
	return err
}

func (r *Recorder) writerLocked() *rowWriter {
	return &rowWriter{adapter: r.adapter, dest: r.dest}
}

// rowWriter adapts a format adapter to the coordinator
type rowWriter struct {
	adapter core.Adapter
	dest    core.Destination
}

func (w *rowWriter) Path() string { return w.dest.Path }

func (w *rowWriter) Write(ctx context.Context, batches []pipeline.Batch[models.Row]) error {
	out := make([]models.Batch, len(batches))
	for i, b := range batches {
		out[i] = models.Batch{Table: b.Key, Rows: b.Items}
	}
	return w.adapter.Write(ctx, w.dest, out)
}
