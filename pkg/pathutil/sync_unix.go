//go:build !windows

package pathutil

import "os"

// syncDir best-effort fsyncs dir so a rename survives a crash.
func syncDir(dir string) error {
	f, err := os.Open(dir) //nolint:gosec // G304: directory of a caller path
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
