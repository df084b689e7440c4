//go:build !windows

package base

import "syscall"

var lockErrnos = []error{syscall.EBUSY, syscall.EAGAIN, syscall.ETXTBSY}
