// Package pipeline buffers recorded items and flushes them to a destination
// writer, one flush at a time.
//
// # Overview
//
// A Coordinator owns a Buffer and a Writer. Producers call Add from any
// number of goroutines; when the buffer reaches its cache size the Add that
// crossed the threshold drains it. A drain pauses admission, snapshots the
// buffer, creates the destination's parent directory and writes the
// snapshot. Writes that fail because another process holds the destination
// are retried on a fixed interval until they succeed, the retry budget runs
// out or the context is cancelled.
//
// # Flush outcomes
//
//   - success: every item was written
//   - aborted: the write failed; items are re-buffered and returned in a
//     *FlushError
//   - swallowed: the write failed while closing for a teardown reason; items
//     go to the Fallback sink, or to the error log if that fails too
//
// # Basic Usage
//
//	coord, err := pipeline.NewCoordinator[models.Row](writer, pipeline.Options[models.Row]{
//	    Format:    "csv",
//	    CacheSize: 1000,
//	})
//	defer coord.Close(ctx)
//
//	err = coord.Add(ctx, "", row)
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/g1879/datarecorder/pkg/connector/base"
	"github.com/g1879/datarecorder/pkg/logger"
	"github.com/g1879/datarecorder/pkg/metrics"
	"github.com/g1879/datarecorder/pkg/observability"
	"github.com/g1879/datarecorder/pkg/pathutil"
	"github.com/g1879/datarecorder/pkg/recerrors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed is returned by Add after Close succeeded
var ErrClosed = recerrors.New(recerrors.ErrorTypeConfig, "recorder is closed")

// Writer persists batches to one destination. Write must leave the
// destination unchanged when it fails with a lock error, because the same
// batches are written again.
type Writer[T any] interface {
	Path() string
	Write(ctx context.Context, batches []Batch[T]) error
}

// Notifier is called once per distinct lock reason during a flush
type Notifier func(path, reason string)

// Options configures a Coordinator
type Options[T any] struct {
	// Name labels logs and the buffered rows gauge
	Name string
	// Format labels flush metrics and spans
	Format    string
	CacheSize int
	// Retry defaults to base.DefaultRetryPolicy, which never gives up
	Retry    *base.RetryPolicy
	Notifier Notifier
	// Fallback receives items swallowed at teardown. nil logs them instead.
	Fallback Fallback[T]
	Logger   *zap.Logger
}

// FlushError reports a failed flush. The unflushed items are also kept in
// the buffer.
type FlushError[T any] struct {
	Err       error
	FlushID   string
	Path      string
	Unflushed []Batch[T]
}

func (e *FlushError[T]) Error() string {
	return fmt.Sprintf("flush %s to %s failed, %d rows unflushed: %v",
		e.FlushID, e.Path, CountItems(e.Unflushed), e.Err)
}

func (e *FlushError[T]) Unwrap() error { return e.Err }

// Coordinator serializes admission and flushing for one destination
type Coordinator[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond
	sm   stateMachine

	buf      *Buffer[T]
	writer   Writer[T]
	retry    *base.RetryPolicy
	notifier Notifier
	fallback Fallback[T]
	errs     *base.ErrorHandler

	name    string
	format  string
	closing bool
	closed  bool
	logger  *zap.Logger
}

// NewCoordinator creates a coordinator. w may be nil until SetWriter is
// called; flushing without a writer is a config error.
func NewCoordinator[T any](w Writer[T], opts Options[T]) (*Coordinator[T], error) {
	buf, err := NewBuffer[T](opts.CacheSize)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	log = log.With(zap.String("component", "flush_coordinator"))
	if opts.Name != "" {
		log = log.With(zap.String("recorder", opts.Name))
	}

	retry := opts.Retry
	if retry == nil {
		retry = base.DefaultRetryPolicy()
	}

	c := &Coordinator[T]{
		buf:      buf,
		writer:   w,
		retry:    retry,
		notifier: opts.Notifier,
		fallback: opts.Fallback,
		errs:     base.NewErrorHandler(log),
		name:     opts.Name,
		format:   opts.Format,
		logger:   log,
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// Add buffers items under key, flushing when the cache size is reached.
// A flush error from that flush is returned from Add.
func (c *Coordinator[T]) Add(ctx context.Context, key string, items ...T) error {
	return c.AddFunc(ctx, func() (string, []T, error) { return key, items, nil })
}

// AddFunc is Add with the key and items built after admission is granted,
// so build never observes a half-applied Reconfigure.
func (c *Coordinator[T]) AddFunc(ctx context.Context, build func() (string, []T, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.waitIdleLocked(ctx); err != nil {
		return err
	}

	key, items, err := build()
	if err != nil {
		return err
	}
	full := c.buf.Extend(key, items)
	metrics.RowsAdded.WithLabelValues(c.format).Add(float64(len(items)))
	c.updateGaugeLocked()
	if !full {
		return nil
	}

	_, err = c.drainLocked(ctx, c.writer, nil)
	return err
}

// Flush writes everything buffered and returns the destination path. An
// empty buffer returns immediately without touching the destination.
func (c *Coordinator[T]) Flush(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.waitIdleLocked(ctx); err != nil {
		return c.pathLocked(), err
	}
	return c.drainLocked(ctx, c.writer, nil)
}

// FlushTo drains into w instead of the configured writer. prepare, when
// set, runs first inside the same exclusive section, even when nothing is
// buffered. On failure the items stay buffered for the configured writer.
func (c *Coordinator[T]) FlushTo(ctx context.Context, w Writer[T], prepare func(context.Context) error) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.waitIdleLocked(ctx); err != nil {
		return "", err
	}
	return c.drainLocked(ctx, w, prepare)
}

// Exclusive runs fn with admission paused and no flush in flight.
func (c *Coordinator[T]) Exclusive(ctx context.Context, fn func(context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.waitIdleLocked(ctx); err != nil {
		return err
	}
	if err := c.sm.transition(StateDraining); err != nil {
		return err
	}

	c.mu.Unlock()
	err := guard(func() error { return fn(ctx) })
	c.mu.Lock()

	if rerr := c.sm.release(); rerr != nil {
		c.logger.Error("flush state corrupted", zap.Error(rerr))
	}
	c.cond.Broadcast()
	return err
}

// Reconfigure flushes pending items to the current writer and then runs fn
// before any new item is admitted. A non-nil writer returned by fn replaces
// the current one. fn is skipped when the flush fails. Items buffered while
// no writer was set are kept for the new writer.
func (c *Coordinator[T]) Reconfigure(ctx context.Context, fn func() (Writer[T], error)) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.waitIdleLocked(ctx); err != nil {
		return c.pathLocked(), err
	}

	path := c.pathLocked()
	if c.writer != nil && !c.buf.IsEmpty() {
		var err error
		if path, err = c.drainLocked(ctx, c.writer, nil); err != nil {
			return path, err
		}
	}
	if fn == nil {
		return path, nil
	}
	w, err := fn()
	if err != nil {
		return path, err
	}
	if w != nil {
		c.writer = w
	}
	return path, nil
}

// SetWriter flushes pending items to the current writer and switches to w.
func (c *Coordinator[T]) SetWriter(ctx context.Context, w Writer[T]) (string, error) {
	return c.Reconfigure(ctx, func() (Writer[T], error) { return w, nil })
}

// SetCacheSize changes the threshold. It does not flush by itself.
func (c *Coordinator[T]) SetCacheSize(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.SetCacheSize(n)
}

// Clear discards everything buffered
func (c *Coordinator[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.waitIdleLocked(context.Background())
	c.buf.Clear()
	c.updateGaugeLocked()
}

// Close flushes what is left. Teardown errors are swallowed and the items
// handed to the fallback sink. Other errors are returned and the
// coordinator stays open so the caller can retry or inspect the rows.
// Closing twice is a no-op.
func (c *Coordinator[T]) Close(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.pathLocked(), nil
	}
	c.closing = true
	defer func() { c.closing = c.closed }()

	if err := c.waitIdleLocked(ctx); err != nil {
		return c.pathLocked(), err
	}

	path := ""
	if c.writer == nil {
		if !c.buf.IsEmpty() {
			batches := c.buf.Take()
			c.spill(c.logger, "", "", batches,
				recerrors.New(recerrors.ErrorTypeConfig, "no destination configured at close"))
		}
	} else {
		var err error
		if path, err = c.drainLocked(ctx, c.writer, nil); err != nil {
			return path, err
		}
	}

	c.closed = true
	metrics.BufferedRows.DeleteLabelValues(c.name)
	c.logger.Debug("coordinator closed", zap.String("destination", path))
	return path, nil
}

// State returns the current flush state
func (c *Coordinator[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm.state
}

// LastOutcome returns how the most recent flush ended
func (c *Coordinator[T]) LastOutcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm.outcome
}

// Len returns the number of buffered items
func (c *Coordinator[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len()
}

// CacheSize returns the flush threshold
func (c *Coordinator[T]) CacheSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.CacheSize()
}

// Snapshot returns a copy of the buffered batches
func (c *Coordinator[T]) Snapshot() []Batch[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Snapshot()
}

// Path returns the configured writer's path, or "" without a writer
func (c *Coordinator[T]) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pathLocked()
}

// Closed reports whether Close completed
func (c *Coordinator[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ErrorStats returns counts of classified write errors
func (c *Coordinator[T]) ErrorStats() base.ErrorStats {
	return c.errs.Stats()
}

func (c *Coordinator[T]) pathLocked() string {
	if c.writer == nil {
		return ""
	}
	return c.writer.Path()
}

func (c *Coordinator[T]) updateGaugeLocked() {
	metrics.BufferedRows.WithLabelValues(c.name).Set(float64(c.buf.Len()))
}

// waitIdleLocked blocks until no flush is in flight. ctx cancellation wakes
// the waiter.
func (c *Coordinator[T]) waitIdleLocked(ctx context.Context) error {
	if c.sm.state == StateIdle {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	for c.sm.state != StateIdle {
		if err := ctx.Err(); err != nil {
			return recerrors.Wrap(err, recerrors.ErrorTypeCanceled, "waiting for flush in progress")
		}
		c.cond.Wait()
	}
	return nil
}

// drainLocked runs one flush. It is called with mu held and Idle state, and
// releases mu while writing.
func (c *Coordinator[T]) drainLocked(ctx context.Context, w Writer[T], prepare func(context.Context) error) (string, error) {
	if w == nil {
		return "", recerrors.New(recerrors.ErrorTypeConfig, "no destination configured")
	}
	path := w.Path()
	if c.buf.IsEmpty() && prepare == nil {
		c.sm.outcome = OutcomeNoop
		metrics.ObserveFlush(c.format, metrics.StatusNoop, 0, 0)
		return path, nil
	}

	if err := c.sm.transition(StateDraining); err != nil {
		return path, err
	}
	batches := c.buf.Take()
	closing := c.closing
	c.updateGaugeLocked()

	c.mu.Unlock()
	outcome, err := c.drain(ctx, w, path, batches, closing, prepare)
	c.mu.Lock()

	if outcome == OutcomeAborted {
		c.buf.Restore(batches)
	}
	if ferr := c.sm.finish(outcome); ferr != nil {
		c.logger.Error("flush state corrupted", zap.Error(ferr))
	}
	c.updateGaugeLocked()
	c.cond.Broadcast()
	return path, err
}

func (c *Coordinator[T]) drain(ctx context.Context, w Writer[T], path string, batches []Batch[T], closing bool, prepare func(context.Context) error) (Outcome, error) {
	flushID := uuid.NewString()
	rows := CountItems(batches)
	ctx = context.WithValue(ctx, logger.FlushIDKey, flushID)
	ctx = context.WithValue(ctx, logger.DestinationKey, path)
	log := c.logger.With(zap.String("flush_id", flushID), zap.String("destination", path))

	ctx, span := observability.StartFlushSpan(ctx, c.format, path, flushID)
	timer := metrics.NewTimer()
	err := c.write(ctx, log, w, path, batches, closing, prepare)
	duration := timer.Stop()
	observability.EndSpan(ctx, span, c.format, rows, err)

	if err == nil {
		metrics.ObserveFlush(c.format, metrics.StatusSuccess, duration, rows)
		log.Debug("flush completed", zap.Int("rows", rows), zap.Duration("duration", duration))
		return OutcomeSuccess, nil
	}

	if c.errs.Classify(err, closing) == base.ErrorClassTeardown {
		metrics.ObserveFlush(c.format, metrics.StatusSwallowed, duration, rows)
		log.Warn("flush failed while closing, error swallowed",
			zap.Error(err), zap.Int("rows", rows))
		c.spill(log, path, flushID, batches, err)
		return OutcomeSwallowed, nil
	}

	metrics.ObserveFlush(c.format, metrics.StatusError, duration, rows)
	log.Error("flush aborted, rows retained",
		zap.Error(err),
		zap.Int("rows", rows),
		zap.String("error_type", string(recerrors.TypeOf(err))))
	return OutcomeAborted, &FlushError[T]{
		Err:       err,
		FlushID:   flushID,
		Path:      path,
		Unflushed: cloneBatches(batches),
	}
}

func (c *Coordinator[T]) write(ctx context.Context, log *zap.Logger, w Writer[T], path string, batches []Batch[T], closing bool, prepare func(context.Context) error) error {
	return guard(func() error {
		if prepare != nil {
			if err := prepare(ctx); err != nil {
				return err
			}
		}
		if len(batches) == 0 {
			return nil
		}
		if err := pathutil.EnsureParentDir(path); err != nil {
			return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to create destination directory").
				WithDetail("path", path)
		}

		reasons := make(map[string]struct{})
		return c.retry.ExecuteWithCondition(ctx,
			func() error { return w.Write(ctx, batches) },
			func(err error) bool { return base.ClassifyError(err, closing) == base.ErrorClassLock },
			func(attempt int, err error) {
				metrics.LockRetries.WithLabelValues(c.format).Inc()
				c.enterRetrying()

				reason := base.LockReason(err)
				if _, seen := reasons[reason]; seen {
					log.Debug("destination still locked", zap.Int("attempt", attempt))
					return
				}
				reasons[reason] = struct{}{}
				log.Warn("destination locked, retrying",
					zap.String("reason", reason),
					zap.Int("attempt", attempt),
					zap.Duration("interval", c.retry.Interval))
				if c.notifier != nil {
					c.notifier(path, reason)
				}
			})
	})
}

func (c *Coordinator[T]) enterRetrying() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sm.state == StateDraining {
		_ = c.sm.transition(StateRetryingLock)
	}
}

func (c *Coordinator[T]) spill(log *zap.Logger, path, flushID string, batches []Batch[T], cause error) {
	if c.fallback != nil {
		target, err := c.fallback.Spill(path, flushID, batches, cause)
		if err == nil {
			log.Warn("unflushed rows written to fallback file",
				zap.String("fallback", target),
				zap.Int("rows", CountItems(batches)))
			return
		}
		log.Error("fallback sink failed", zap.Error(err))
	}
	LogItems(log, batches, cause)
}

// guard turns a panic in fn into an internal error so the flush state is
// always released.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recerrors.Newf(recerrors.ErrorTypeInternal, "destination writer panicked: %v", r)
		}
	}()
	return fn()
}
