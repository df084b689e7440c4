//go:build !windows

package base

import (
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLockError_Unix(t *testing.T) {
	busy := &os.PathError{Op: "open", Path: "/tmp/out.db", Err: syscall.EBUSY}
	denied := &os.PathError{Op: "open", Path: "/ro/out.csv", Err: syscall.EACCES}

	assert.True(t, IsLockError(busy))
	assert.False(t, IsLockError(denied), "a read-only destination is not waited on")
	assert.Equal(t, ErrorClassFatal, ClassifyError(denied, false))
}
