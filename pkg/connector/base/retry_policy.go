package base

import (
	"context"
	"fmt"
	"time"

	"github.com/g1879/datarecorder/pkg/recerrors"
)

// DefaultRetryInterval is the pause between attempts on a locked destination
const DefaultRetryInterval = 300 * time.Millisecond

// RetryPolicy retries on a fixed interval. A zero MaxAttempts or Timeout
// means no limit on that axis, so the zero budget retries until the
// operation succeeds or the context is done.
type RetryPolicy struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// NewRetryPolicy creates a new retry policy
func NewRetryPolicy(maxAttempts int, interval time.Duration) *RetryPolicy {
	return &RetryPolicy{
		Interval:    interval,
		MaxAttempts: maxAttempts,
	}
}

// Execute retries fn while it returns a retryable error
func (rp *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	return rp.ExecuteWithCondition(ctx, fn, recerrors.IsRetryable, nil)
}

// ExecuteWithCondition runs fn, retrying while shouldRetry approves the
// error. onRetry, when set, is called before each wait with the 1-based
// number of the attempt that failed.
func (rp *RetryPolicy) ExecuteWithCondition(ctx context.Context, fn func() error, shouldRetry func(error) bool, onRetry func(attempt int, err error)) error {
	var lastErr error
	var deadline time.Time
	if rp.Timeout > 0 {
		deadline = time.Now().Add(rp.Timeout)
	}
	interval := rp.interval()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return rp.cancelled(err, lastErr)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}

		if rp.MaxAttempts > 0 && attempt >= rp.MaxAttempts {
			return recerrors.Wrap(lastErr, recerrors.ErrorTypeTimeout,
				fmt.Sprintf("all %d attempts failed", attempt))
		}
		if !deadline.IsZero() && time.Now().Add(interval).After(deadline) {
			return recerrors.Wrap(lastErr, recerrors.ErrorTypeTimeout,
				fmt.Sprintf("retry timeout of %s exceeded after %d attempts", rp.Timeout, attempt))
		}

		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return rp.cancelled(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
}

func (rp *RetryPolicy) cancelled(ctxErr, lastErr error) error {
	err := recerrors.Wrap(ctxErr, recerrors.ErrorTypeCanceled, "retry cancelled")
	if lastErr != nil {
		err = err.WithDetail("last_error", lastErr.Error())
	}
	return err
}

func (rp *RetryPolicy) interval() time.Duration {
	if rp.Interval <= 0 {
		return DefaultRetryInterval
	}
	return rp.Interval
}

// Unlimited reports whether the policy never gives up on its own.
func (rp *RetryPolicy) Unlimited() bool {
	return rp.MaxAttempts <= 0 && rp.Timeout <= 0
}

// Clone creates a copy of the retry policy
func (rp *RetryPolicy) Clone() *RetryPolicy {
	return &RetryPolicy{
		Interval:    rp.Interval,
		MaxAttempts: rp.MaxAttempts,
		Timeout:     rp.Timeout,
	}
}

// WithMaxAttempts returns a new policy with updated max attempts
func (rp *RetryPolicy) WithMaxAttempts(attempts int) *RetryPolicy {
	policy := rp.Clone()
	policy.MaxAttempts = attempts
	return policy
}

// WithTimeout returns a new policy with an overall time budget
func (rp *RetryPolicy) WithTimeout(timeout time.Duration) *RetryPolicy {
	policy := rp.Clone()
	policy.Timeout = timeout
	return policy
}

// WithInterval returns a new policy with an updated interval
func (rp *RetryPolicy) WithInterval(interval time.Duration) *RetryPolicy {
	policy := rp.Clone()
	policy.Interval = interval
	return policy
}

// DefaultRetryPolicy waits out a locked destination indefinitely
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{Interval: DefaultRetryInterval}
}
