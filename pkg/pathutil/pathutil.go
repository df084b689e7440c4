// Package pathutil provides the file helpers destinations share: collision
// free naming, file name sanitising, copies and atomic replacement.
package pathutil

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	stringpool "github.com/g1879/datarecorder/pkg/strings"
)

// MaxNameWidth is the display width allowed for a file name
const MaxNameWidth = 255

var (
	invalidChars = regexp.MustCompile(`[<>/\\|:*?\n]`)
	numbered     = regexp.MustCompile(`^(.*)_(\d+)$`)
)

// ValidFileName trims name, shortens its stem until the whole name fits in
// MaxNameWidth display columns, and replaces characters file systems reject
// with spaces.
func ValidFileName(name string) string {
	name = strings.TrimSpace(name)

	stem, ext := splitExt(name)
	stem = stringpool.TruncateWidth(stem, MaxNameWidth-len([]rune(ext)))

	return invalidChars.ReplaceAllString(stem+ext, " ")
}

func splitExt(name string) (string, string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return name, ""
	}
	return name[:i], name[i:]
}

// UsablePath returns path, with a sanitised file name, or the first sibling
// that does not exist yet. Collisions are resolved by appending _1 to the
// name and then incrementing that counter: report.csv, report_1.csv,
// report_2.csv. Directories keep any dot in their name.
func UsablePath(path string) string {
	parent, base := filepath.Split(path)
	base = ValidFileName(base)
	path = filepath.Join(parent, base)

	stem, ext := base, ""
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		stem, ext = splitExt(base)
	}

	first := true
	for Exists(path) {
		m := numbered.FindStringSubmatch(stem)
		if m == nil || first {
			stem = stem + "_1"
		} else {
			n, _ := strconv.Atoi(m[2])
			stem = m[1] + "_" + strconv.Itoa(n+1)
		}
		path = filepath.Join(parent, stem+ext)
		first = false
	}
	return path
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

// EnsureParentDir creates the directory holding path, with parents.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// CopyFile copies src to dst, keeping the file mode. dst is replaced.
func CopyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: caller controls the path
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := EnsureParentDir(dst); err != nil {
		return err
	}
	return WriteFileAtomic(dst, info.Mode().Perm(), func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// WriteFileAtomic writes through fn into a temporary file next to path and
// renames it over path once fn and the sync succeed. On any failure path is
// left untouched.
func WriteFileAtomic(path string, perm os.FileMode, fn func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if perm == 0 {
		perm = 0o644
	}
	_ = os.Chmod(tmpPath, perm)

	bw := bufio.NewWriterSize(tmp, 64*1024)
	if err := fn(bw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	_ = syncDir(dir)
	return nil
}
