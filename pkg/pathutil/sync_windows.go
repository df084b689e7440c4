//go:build windows

package pathutil

// syncDir is a no-op on Windows; directory fsync is not available.
func syncDir(string) error { return nil }
