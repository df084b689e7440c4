//go:build windows

package base

import "syscall"

const (
	errorSharingViolation syscall.Errno = 32
	errorLockViolation    syscall.Errno = 33
)

var lockErrnos = []error{errorSharingViolation, errorLockViolation, syscall.ERROR_ACCESS_DENIED}
