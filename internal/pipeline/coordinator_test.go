package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/g1879/datarecorder/pkg/connector/base"
	"github.com/g1879/datarecorder/pkg/recerrors"
	"github.com/g1879/datarecorder/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWriter records successful writes. Scripted errors are returned by the
// first calls, in order.
type fakeWriter struct {
	path string

	mu       sync.Mutex
	errs     []error
	calls    int
	written  []string
	inFlight int32
	maxSeen  int32
	gate     chan struct{}
	entered  chan struct{}
	panicMsg string
}

func newFakeWriter(t *testing.T) *fakeWriter {
	return &fakeWriter{path: filepath.Join(t.TempDir(), "out", "data.csv")}
}

func (w *fakeWriter) Path() string { return w.path }

func (w *fakeWriter) Write(ctx context.Context, batches []Batch[string]) error {
	n := atomic.AddInt32(&w.inFlight, 1)
	defer atomic.AddInt32(&w.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&w.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&w.maxSeen, seen, n) {
			break
		}
	}

	if w.entered != nil {
		select {
		case w.entered <- struct{}{}:
		default:
		}
	}
	if w.gate != nil {
		<-w.gate
	}
	if w.panicMsg != "" {
		panic(w.panicMsg)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		if err != nil {
			return err
		}
	}
	for _, batch := range batches {
		for _, item := range batch.Items {
			w.written = append(w.written, batch.Key+":"+item)
		}
	}
	return nil
}

func (w *fakeWriter) Written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.written...)
}

func (w *fakeWriter) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

type recordingFallback struct {
	mu      sync.Mutex
	spilled []Batch[string]
	cause   error
	err     error
}

func (f *recordingFallback) Spill(_, _ string, batches []Batch[string], cause error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.spilled = append(f.spilled, batches...)
	f.cause = cause
	return "fallback.jsonl", nil
}

func lockErr(msg string) error {
	return recerrors.New(recerrors.ErrorTypeLock, msg)
}

func fastRetry() *base.RetryPolicy {
	return base.DefaultRetryPolicy().WithInterval(5 * time.Millisecond)
}

func newCoordinator(t *testing.T, w Writer[string], opts Options[string]) *Coordinator[string] {
	t.Helper()
	if opts.Retry == nil {
		opts.Retry = fastRetry()
	}
	opts.Logger = testutil.TestLogger(t)
	c, err := NewCoordinator[string](w, opts)
	require.NoError(t, err)
	return c
}

func TestCoordinator_ThresholdTriggersOnce(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	c := newCoordinator(t, w, Options[string]{CacheSize: 3})

	require.NoError(t, c.Add(ctx, "", "a"))
	require.NoError(t, c.Add(ctx, "", "b"))
	assert.Equal(t, 0, w.Calls())

	require.NoError(t, c.Add(ctx, "", "c"))
	assert.Equal(t, 1, w.Calls())
	assert.Equal(t, []string{":a", ":b", ":c"}, w.Written())
	assert.Equal(t, 0, c.Len())

	require.NoError(t, c.Add(ctx, "", "d"))
	assert.Equal(t, 1, w.Calls())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, OutcomeSuccess, c.LastOutcome())
}

func TestCoordinator_OrderPreservedAcrossFlushes(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	c := newCoordinator(t, w, Options[string]{CacheSize: 4})

	var want []string
	for i := 0; i < 10; i++ {
		item := string(rune('a' + i))
		want = append(want, ":"+item)
		require.NoError(t, c.Add(ctx, "", item))
	}
	_, err := c.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, w.Written())
	assert.Equal(t, 3, w.Calls())
}

func TestCoordinator_EmptyFlushIsNoop(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	c := newCoordinator(t, w, Options[string]{CacheSize: 10})

	path, err := c.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, w.path, path)
	assert.Equal(t, 0, w.Calls())
	assert.Equal(t, OutcomeNoop, c.LastOutcome())

	_, statErr := os.Stat(filepath.Dir(w.path))
	assert.True(t, os.IsNotExist(statErr), "flush of an empty buffer must not create directories")
}

func TestCoordinator_NoWriterIsConfigError(t *testing.T) {
	ctx := testutil.TestContext(t)
	c := newCoordinator(t, nil, Options[string]{})

	_, err := c.Flush(ctx)
	require.Error(t, err)
	assert.True(t, recerrors.IsType(err, recerrors.ErrorTypeConfig))
}

func TestCoordinator_CreatesParentDirectory(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	c := newCoordinator(t, w, Options[string]{})

	require.NoError(t, c.Add(ctx, "", "a"))
	_, err := c.Flush(ctx)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Dir(w.path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCoordinator_RetriesLockThenSucceeds(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	w.errs = []error{lockErr("file is open"), lockErr("file is open"), lockErr("file is open")}

	var notices []string
	c := newCoordinator(t, w, Options[string]{
		Notifier: func(_, reason string) { notices = append(notices, reason) },
	})

	require.NoError(t, c.Add(ctx, "", "a", "b"))
	_, err := c.Flush(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, w.Calls())
	assert.Equal(t, []string{":a", ":b"}, w.Written())
	assert.Equal(t, []string{"lock: file is open"}, notices, "one notice per distinct reason")
	assert.Equal(t, OutcomeSuccess, c.LastOutcome())
	assert.Equal(t, 0, c.Len())
}

func TestCoordinator_NoticePerDistinctReason(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	w.errs = []error{lockErr("open in editor"), lockErr("open in editor"), lockErr("being synced")}

	var notices []string
	c := newCoordinator(t, w, Options[string]{
		Notifier: func(_, reason string) { notices = append(notices, reason) },
	})

	require.NoError(t, c.Add(ctx, "", "a"))
	_, err := c.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"lock: open in editor", "lock: being synced"}, notices)
}

func TestCoordinator_StateDuringLockRetry(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	var locked atomic.Bool
	locked.Store(true)
	lw := &lockingWriter{fakeWriter: w, locked: &locked}
	c := newCoordinator(t, lw, Options[string]{})

	require.NoError(t, c.Add(ctx, "", "a"))

	done := make(chan error, 1)
	go func() {
		_, err := c.Flush(ctx)
		done <- err
	}()

	testutil.AssertEventually(t, func() bool { return c.State() == StateRetryingLock },
		2*time.Second, "coordinator should report lock retry")

	locked.Store(false)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not finish after the lock was released")
	}
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, []string{":a"}, w.Written())
}

// lockingWriter reports a lock error while locked is set.
type lockingWriter struct {
	*fakeWriter
	locked *atomic.Bool
}

func (w *lockingWriter) Write(ctx context.Context, batches []Batch[string]) error {
	if w.locked.Load() {
		return lockErr("held by another process")
	}
	return w.fakeWriter.Write(ctx, batches)
}

func TestCoordinator_RetryBudgetExhausted(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	w.errs = []error{lockErr("locked"), lockErr("locked"), lockErr("locked")}
	c := newCoordinator(t, w, Options[string]{Retry: fastRetry().WithMaxAttempts(2)})

	require.NoError(t, c.Add(ctx, "t", "a", "b"))
	_, err := c.Flush(ctx)
	require.Error(t, err)

	var flushErr *FlushError[string]
	require.True(t, errors.As(err, &flushErr))
	assert.Equal(t, []Batch[string]{{Key: "t", Items: []string{"a", "b"}}}, flushErr.Unflushed)
	assert.True(t, recerrors.IsType(err, recerrors.ErrorTypeLock))
	assert.True(t, recerrors.IsType(err, recerrors.ErrorTypeTimeout))
	assert.Equal(t, 2, c.Len(), "rows are retained")
	assert.Equal(t, OutcomeAborted, c.LastOutcome())
	assert.Equal(t, StateIdle, c.State())
}

func TestCoordinator_FatalErrorRetainsRowsInOrder(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	w.errs = []error{recerrors.New(recerrors.ErrorTypeData, "bad row")}
	c := newCoordinator(t, w, Options[string]{CacheSize: 2})

	require.NoError(t, c.Add(ctx, "", "a"))
	err := c.Add(ctx, "", "b")
	require.Error(t, err)
	assert.True(t, recerrors.IsType(err, recerrors.ErrorTypeData))
	assert.Equal(t, 1, w.Calls(), "fatal errors are not retried")

	assert.Equal(t, 2, c.Len(), "rows are retained")

	require.NoError(t, c.Add(ctx, "", "c"), "still over the threshold, flush is attempted again")
	assert.Equal(t, 2, w.Calls())

	assert.Equal(t, []string{":a", ":b", ":c"}, w.Written())
	assert.Equal(t, 0, c.Len())
}

func TestCoordinator_FatalErrorThenRecover(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	w.errs = []error{errors.New("disk full")}
	c := newCoordinator(t, w, Options[string]{})

	require.NoError(t, c.Add(ctx, "", "a", "b"))
	_, err := c.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, []Batch[string]{{Key: "", Items: []string{"a", "b"}}}, c.Snapshot())

	require.NoError(t, c.Add(ctx, "", "c"))
	_, err = c.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{":a", ":b", ":c"}, w.Written())
}

func TestCoordinator_CancelDuringUnlimitedRetry(t *testing.T) {
	w := newFakeWriter(t)
	var locked atomic.Bool
	locked.Store(true)
	c := newCoordinator(t, &lockingWriter{fakeWriter: w, locked: &locked}, Options[string]{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, c.Add(ctx, "", "a"))
	_, err := c.Flush(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, recerrors.IsType(err, recerrors.ErrorTypeCanceled))
	assert.Equal(t, 1, c.Len())
}

func TestCoordinator_PanicReleasesState(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	w.panicMsg = "boom"
	c := newCoordinator(t, w, Options[string]{})

	require.NoError(t, c.Add(ctx, "", "a"))
	_, err := c.Flush(ctx)
	require.Error(t, err)
	assert.True(t, recerrors.IsType(err, recerrors.ErrorTypeInternal))
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 1, c.Len())
}

func TestCoordinator_MutualExclusion(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	c := newCoordinator(t, w, Options[string]{CacheSize: 7})

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, c.Add(ctx, "", "x"))
				if i%10 == 0 {
					_, err := c.Flush(ctx)
					assert.NoError(t, err)
				}
			}
		}(p)
	}
	wg.Wait()
	_, err := c.Flush(ctx)
	require.NoError(t, err)

	assert.Len(t, w.Written(), producers*perProducer)
	assert.Equal(t, int32(1), atomic.LoadInt32(&w.maxSeen), "writes never overlap")
}

func TestCoordinator_AdmissionPausedWhileDraining(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	w.gate = make(chan struct{})
	w.entered = make(chan struct{}, 1)
	c := newCoordinator(t, w, Options[string]{})

	require.NoError(t, c.Add(ctx, "", "a"))
	flushed := make(chan error, 1)
	go func() {
		_, err := c.Flush(ctx)
		flushed <- err
	}()
	<-w.entered
	assert.Equal(t, StateDraining, c.State())

	added := make(chan error, 1)
	go func() { added <- c.Add(ctx, "", "b") }()

	select {
	case <-added:
		t.Fatal("add must wait while a flush is draining")
	case <-time.After(50 * time.Millisecond):
	}

	close(w.gate)
	require.NoError(t, <-flushed)
	require.NoError(t, <-added)
	assert.Equal(t, []string{":a"}, w.Written())
	assert.Equal(t, 1, c.Len())
}

func TestCoordinator_AddWaitHonoursContext(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	w.gate = make(chan struct{})
	w.entered = make(chan struct{}, 1)
	c := newCoordinator(t, w, Options[string]{})

	require.NoError(t, c.Add(ctx, "", "a"))
	go func() { _, _ = c.Flush(ctx) }()
	<-w.entered

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := c.Add(short, "", "b")
	require.Error(t, err)
	assert.True(t, recerrors.IsType(err, recerrors.ErrorTypeCanceled))

	close(w.gate)
	testutil.AssertEventually(t, func() bool { return c.State() == StateIdle }, time.Second, "flush finishes")
	assert.Equal(t, 0, c.Len())
}

func TestCoordinator_CloseSwallowsTeardownErrors(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	w.errs = []error{os.ErrClosed}
	fb := &recordingFallback{}
	c := newCoordinator(t, w, Options[string]{Fallback: fb})

	require.NoError(t, c.Add(ctx, "", "a", "b"))
	path, err := c.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, w.path, path)
	assert.Equal(t, OutcomeSwallowed, c.LastOutcome())
	assert.True(t, c.Closed())
	assert.Equal(t, []Batch[string]{{Key: "", Items: []string{"a", "b"}}}, fb.spilled)
	assert.ErrorIs(t, fb.cause, os.ErrClosed)
	assert.Equal(t, int64(1), c.ErrorStats().Teardown)

	assert.ErrorIs(t, c.Add(ctx, "", "c"), ErrClosed)
	_, err = c.Close(ctx)
	require.NoError(t, err, "closing twice is a no-op")
}

func TestCoordinator_TeardownErrorOutsideCloseIsFatal(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	w.errs = []error{os.ErrClosed}
	fb := &recordingFallback{}
	c := newCoordinator(t, w, Options[string]{Fallback: fb})

	require.NoError(t, c.Add(ctx, "", "a"))
	_, err := c.Flush(ctx)
	require.Error(t, err)
	assert.Empty(t, fb.spilled)
	assert.Equal(t, 1, c.Len())
}

func TestCoordinator_CloseCancelledDuringLockIsSwallowed(t *testing.T) {
	w := newFakeWriter(t)
	var locked atomic.Bool
	locked.Store(true)
	fb := &recordingFallback{}
	c := newCoordinator(t, &lockingWriter{fakeWriter: w, locked: &locked}, Options[string]{Fallback: fb})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Add(ctx, "", "a"))

	_, err := c.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSwallowed, c.LastOutcome())
	assert.Len(t, fb.spilled, 1)
}

func TestCoordinator_CloseFatalErrorKeepsOpen(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	w.errs = []error{recerrors.New(recerrors.ErrorTypeSchemaWidth, "too wide")}
	c := newCoordinator(t, w, Options[string]{})

	require.NoError(t, c.Add(ctx, "", "a"))
	_, err := c.Close(ctx)
	require.Error(t, err)
	assert.True(t, recerrors.IsType(err, recerrors.ErrorTypeSchemaWidth))
	assert.False(t, c.Closed())
	assert.Equal(t, 1, c.Len())

	_, err = c.Close(ctx)
	require.NoError(t, err)
	assert.True(t, c.Closed())
	assert.Equal(t, []string{":a"}, w.Written())
}

func TestCoordinator_CloseWithoutWriterSpills(t *testing.T) {
	ctx := testutil.TestContext(t)
	fb := &recordingFallback{}
	c := newCoordinator(t, nil, Options[string]{Fallback: fb})

	require.NoError(t, c.Add(ctx, "", "orphan"))
	_, err := c.Close(ctx)
	require.NoError(t, err)
	assert.Len(t, fb.spilled, 1)
	assert.True(t, recerrors.IsType(fb.cause, recerrors.ErrorTypeConfig))
}

func TestCoordinator_FallbackFailureStillSwallows(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	w.errs = []error{context.Canceled}
	fb := &recordingFallback{err: errors.New("read-only filesystem")}
	c := newCoordinator(t, w, Options[string]{Fallback: fb})

	require.NoError(t, c.Add(ctx, "", "a"))
	_, err := c.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSwallowed, c.LastOutcome())
}

func TestCoordinator_SetWriterFlushesPreviousDestination(t *testing.T) {
	ctx := testutil.TestContext(t)
	first, second := newFakeWriter(t), newFakeWriter(t)
	c := newCoordinator(t, first, Options[string]{})

	require.NoError(t, c.Add(ctx, "", "a"))
	path, err := c.SetWriter(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first.path, path)
	assert.Equal(t, second.path, c.Path())

	require.NoError(t, c.Add(ctx, "", "b"))
	_, err = c.Flush(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{":a"}, first.Written())
	assert.Equal(t, []string{":b"}, second.Written())
}

func TestCoordinator_SetWriterKeepsRowsWithoutPreviousWriter(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	c := newCoordinator(t, nil, Options[string]{})

	require.NoError(t, c.Add(ctx, "", "a"))
	_, err := c.SetWriter(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	_, err = c.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{":a"}, w.Written())
}

func TestCoordinator_ReconfigureSkippedOnFailedFlush(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	w.errs = []error{errors.New("broken")}
	c := newCoordinator(t, w, Options[string]{})

	require.NoError(t, c.Add(ctx, "", "a"))
	ran := false
	reconfigure := func() (Writer[string], error) { ran = true; return nil, nil }
	_, err := c.Reconfigure(ctx, reconfigure)
	require.Error(t, err)
	assert.False(t, ran)

	_, err = c.Reconfigure(ctx, reconfigure)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{":a"}, w.Written())
	assert.Equal(t, w.path, c.Path(), "a nil writer keeps the current one")
}

func TestCoordinator_FlushTo(t *testing.T) {
	ctx := testutil.TestContext(t)
	primary, alt := newFakeWriter(t), newFakeWriter(t)
	c := newCoordinator(t, primary, Options[string]{})

	prepared := 0
	prepare := func(context.Context) error { prepared++; return nil }

	path, err := c.FlushTo(ctx, alt, prepare)
	require.NoError(t, err)
	assert.Equal(t, alt.path, path)
	assert.Equal(t, 1, prepared, "prepare runs even with nothing buffered")

	require.NoError(t, c.Add(ctx, "", "a"))
	_, err = c.FlushTo(ctx, alt, prepare)
	require.NoError(t, err)
	assert.Equal(t, []string{":a"}, alt.Written())
	assert.Empty(t, primary.Written())
	assert.Equal(t, primary.path, c.Path())

	alt.errs = []error{errors.New("copy target vanished")}
	require.NoError(t, c.Add(ctx, "", "b"))
	_, err = c.FlushTo(ctx, alt, nil)
	require.Error(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestCoordinator_Exclusive(t *testing.T) {
	ctx := testutil.TestContext(t)
	c := newCoordinator(t, newFakeWriter(t), Options[string]{})

	var during State
	err := c.Exclusive(ctx, func(context.Context) error {
		during = c.sm.state
		return errors.New("head failed")
	})
	require.EqualError(t, err, "head failed")
	assert.Equal(t, StateDraining, during)
	assert.Equal(t, StateIdle, c.State())
}

func TestCoordinator_ClearAndCacheSize(t *testing.T) {
	ctx := testutil.TestContext(t)
	w := newFakeWriter(t)
	c := newCoordinator(t, w, Options[string]{CacheSize: 100})

	require.NoError(t, c.Add(ctx, "", "a", "b"))
	c.Clear()
	assert.Equal(t, 0, c.Len())

	require.Error(t, c.SetCacheSize(-1))
	require.NoError(t, c.SetCacheSize(1))
	assert.Equal(t, 1, c.CacheSize())
	require.NoError(t, c.Add(ctx, "", "c"))
	assert.Equal(t, []string{":c"}, w.Written())
}

func TestCoordinator_AddFuncBuildError(t *testing.T) {
	ctx := testutil.TestContext(t)
	c := newCoordinator(t, newFakeWriter(t), Options[string]{})

	err := c.AddFunc(ctx, func() (string, []string, error) {
		return "", nil, recerrors.New(recerrors.ErrorTypeConfig, "no table")
	})
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
}
