// Package recerrors provides structured errors for the recorder with
// categorization, key-value context and captured stack traces.
//
// # Overview
//
// Every failure a caller can observe is one of a small set of categories:
//   - ErrorTypeConfig: bad cache size, unsupported format, missing destination
//   - ErrorTypeLock: the backing file or database is held by another process
//   - ErrorTypeSchemaWidth: a sequence row is wider than its destination table
//   - ErrorTypeTeardown: a failure caused by the recorder shutting down
//   - ErrorTypeData, ErrorTypeFile, ErrorTypeQuery: unrecoverable write errors
//
// # Basic Usage
//
//	if size < 0 {
//	    return recerrors.New(recerrors.ErrorTypeConfig, "cache size must be >= 0").
//	        WithDetail("cache_size", size)
//	}
//
//	if err := f.Sync(); err != nil {
//	    return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to sync destination").
//	        WithDetail("path", path)
//	}
//
// Errors are compatible with errors.Is and errors.As through Unwrap.
package recerrors

import (
	"errors"
	"runtime"

	stringpool "github.com/g1879/datarecorder/pkg/strings"
)

// ErrorType represents the category of an error.
type ErrorType string

const (
	// ErrorTypeInternal represents internal invariant violations
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents invalid caller input
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeLock represents a destination locked by another process
	ErrorTypeLock ErrorType = "lock"
	// ErrorTypeSchemaWidth represents a row wider than its destination table
	ErrorTypeSchemaWidth ErrorType = "schema_width"
	// ErrorTypeTeardown represents errors raised while the recorder shuts down
	ErrorTypeTeardown ErrorType = "teardown"
	// ErrorTypeTimeout represents an exhausted retry budget or deadline
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeCanceled represents a caller cancellation
	ErrorTypeCanceled ErrorType = "canceled"
	// ErrorTypeData represents data that cannot be persisted
	ErrorTypeData ErrorType = "data"
	// ErrorTypeFile represents file operation errors
	ErrorTypeFile ErrorType = "file"
	// ErrorTypeQuery represents SQL execution errors
	ErrorTypeQuery ErrorType = "query"
)

// Error is a structured error with context.
//
// Fields:
//   - Type: category used for retry and propagation decisions
//   - Message: human-readable description
//   - Cause: the underlying error
//   - Details: key-value pairs for logs
//   - Stack: call stack at creation
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame is a single frame in a captured call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return stringpool.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return stringpool.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error and returns it for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf is New with a format string.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: stringpool.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps err with a type and message. If err is already an *Error its
// stack is preserved. Returns nil if err is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable reports whether the outermost structured error in the chain
// is a lock error. Lock errors are the only category retried automatically.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeLock:
		return true
	case ErrorTypeInternal, ErrorTypeValidation, ErrorTypeConfig, ErrorTypeSchemaWidth,
		ErrorTypeTeardown, ErrorTypeTimeout, ErrorTypeCanceled, ErrorTypeData,
		ErrorTypeFile, ErrorTypeQuery:
		return false
	default:
		return false
	}
}

// IsType reports whether any structured error in the chain has the given type.
//
// Example:
//
//	if recerrors.IsType(err, recerrors.ErrorTypeSchemaWidth) {
//	    // the whole batch was rolled back
//	}
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// TypeOf returns the type of the outermost structured error, or
// ErrorTypeInternal when err carries none.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
