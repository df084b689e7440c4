package base

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"sync/atomic"

	"github.com/g1879/datarecorder/pkg/recerrors"
	"go.uber.org/zap"
)

// ErrorClass is how a flush reacts to a write error
type ErrorClass int

const (
	// ErrorClassNone means no error
	ErrorClassNone ErrorClass = iota
	// ErrorClassLock means the destination is held elsewhere; retry
	ErrorClassLock
	// ErrorClassTeardown means the failure comes from shutting down
	ErrorClassTeardown
	// ErrorClassFatal means abort the flush and keep the rows
	ErrorClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorClassNone:
		return "none"
	case ErrorClassLock:
		return "lock"
	case ErrorClassTeardown:
		return "teardown"
	default:
		return "fatal"
	}
}

var lockMessages = []string{
	"database is locked",
	"database table is locked",
	"being used by another process",
	"resource busy",
	"text file busy",
}

// IsLockError reports whether err means another process holds the
// destination. Access denied counts only where the OS reports a file open
// elsewhere that way (see lockErrnos); on other systems it means the
// destination is not writable and retrying cannot help.
func IsLockError(err error) bool {
	if err == nil {
		return false
	}
	if recerrors.IsType(err, recerrors.ErrorTypeLock) {
		return true
	}
	for _, errno := range lockErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range lockMessages {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsTeardownError reports whether err is what a write returns when the
// process, its context or the destination handle is going away.
func IsTeardownError(err error) bool {
	if err == nil {
		return false
	}
	return recerrors.IsType(err, recerrors.ErrorTypeTeardown) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, sql.ErrConnDone)
}

// ClassifyError maps a write error to an ErrorClass. Teardown is only
// considered while closing; otherwise such errors are fatal for the flush.
func ClassifyError(err error, closing bool) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassNone
	case recerrors.IsType(err, recerrors.ErrorTypeCanceled) || recerrors.IsType(err, recerrors.ErrorTypeTimeout):
		// retry already gave up
		if closing {
			return ErrorClassTeardown
		}
		return ErrorClassFatal
	case IsLockError(err):
		return ErrorClassLock
	case closing && IsTeardownError(err):
		return ErrorClassTeardown
	default:
		return ErrorClassFatal
	}
}

// ErrorStats counts classified errors
type ErrorStats struct {
	Total    int64 `json:"total"`
	Lock     int64 `json:"lock"`
	Teardown int64 `json:"teardown"`
	Fatal    int64 `json:"fatal"`
}

// ErrorHandler classifies write errors and keeps counters
type ErrorHandler struct {
	logger   *zap.Logger
	total    int64
	lock     int64
	teardown int64
	fatal    int64
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Classify classifies err and records it
func (eh *ErrorHandler) Classify(err error, closing bool) ErrorClass {
	class := ClassifyError(err, closing)
	if class == ErrorClassNone {
		return class
	}
	atomic.AddInt64(&eh.total, 1)
	switch class {
	case ErrorClassLock:
		atomic.AddInt64(&eh.lock, 1)
	case ErrorClassTeardown:
		atomic.AddInt64(&eh.teardown, 1)
	default:
		atomic.AddInt64(&eh.fatal, 1)
	}
	eh.logger.Debug("write error classified",
		zap.Error(err),
		zap.String("class", class.String()),
		zap.String("error_type", string(recerrors.TypeOf(err))))
	return class
}

// Stats returns a snapshot of the counters
func (eh *ErrorHandler) Stats() ErrorStats {
	return ErrorStats{
		Total:    atomic.LoadInt64(&eh.total),
		Lock:     atomic.LoadInt64(&eh.lock),
		Teardown: atomic.LoadInt64(&eh.teardown),
		Fatal:    atomic.LoadInt64(&eh.fatal),
	}
}

// LockReason returns a short stable description of a lock error, used to
// emit one notice per distinct reason.
func LockReason(err error) string {
	var re *recerrors.Error
	if errors.As(err, &re) && re.Type == recerrors.ErrorTypeLock && re.Cause != nil {
		err = re.Cause
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Op + " " + pathErr.Path + ": " + pathErr.Err.Error()
	}
	return err.Error()
}
