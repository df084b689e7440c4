// Package strings provides pooled string building and value formatting helpers
// shared by the format adapters.
package strings

import (
	"fmt"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"
	"unsafe"
)

// BytesToString converts a byte slice to a string without allocation.
// The returned string shares memory with b; do not modify b afterwards.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// Builder is an append-only byte buffer that implements io.Writer.
type Builder struct {
	buf []byte
}

// NewBuilder creates a builder with the given initial capacity.
func NewBuilder(capacity int) *Builder {
	return &Builder{buf: make([]byte, 0, capacity)}
}

// WriteString appends s.
func (b *Builder) WriteString(s string) (int, error) {
	b.buf = append(b.buf, s...)
	return len(s), nil
}

// WriteByte appends c.
func (b *Builder) WriteByte(c byte) error {
	b.buf = append(b.buf, c)
	return nil
}

// Write implements io.Writer.
func (b *Builder) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// String returns the built string. It shares memory with the builder.
func (b *Builder) String() string {
	return BytesToString(b.buf)
}

// Bytes returns the underlying bytes.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// Len returns the number of bytes written.
func (b *Builder) Len() int {
	return len(b.buf)
}

// Reset empties the builder for reuse.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
}

// BuilderSize selects a builder pool.
type BuilderSize int

const (
	Small  BuilderSize = iota // < 1KB
	Medium                    // 1KB - 16KB
	Large                     // 16KB+
)

var builderPools = [...]sync.Pool{
	Small:  {New: func() interface{} { return NewBuilder(256) }},
	Medium: {New: func() interface{} { return NewBuilder(4 * 1024) }},
	Large:  {New: func() interface{} { return NewBuilder(64 * 1024) }},
}

// GetBuilder returns a pooled builder of the given size class.
func GetBuilder(size BuilderSize) *Builder {
	b := builderPools[size].Get().(*Builder)
	b.Reset()
	return b
}

// PutBuilder returns a builder to its pool. Very large builders are dropped.
func PutBuilder(b *Builder, size BuilderSize) {
	if cap(b.buf) > 1024*1024 {
		return
	}
	builderPools[size].Put(b)
}

// Clone returns a copy of s that owns its memory.
func Clone(s string) string {
	if s == "" {
		return ""
	}
	b := make([]byte, len(s))
	copy(b, s)
	return BytesToString(b)
}

// Sprintf formats into a pooled builder.
func Sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}

	size := Small
	if estimated := len(format) + len(args)*16; estimated > 16*1024 {
		size = Large
	} else if estimated > 1024 {
		size = Medium
	}

	builder := GetBuilder(size)
	defer PutBuilder(builder, size)

	fmt.Fprintf(builder, format, args...)
	return Clone(builder.String())
}

// ValueToString renders a cell value the way text destinations write it.
// nil renders as the empty string.
func ValueToString(value interface{}) string {
	if value == nil {
		return ""
	}

	switch v := value.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint8:
		return strconv.FormatUint(uint64(v), 10)
	case uint16:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return v.String()
	case error:
		return v.Error()
	default:
		return Sprintf("%v", value)
	}
}

// DisplayWidth counts runes, with multi-byte runes counting as two columns.
// This matches how file-name length limits are usually reported for CJK names.
func DisplayWidth(s string) int {
	width := 0
	for _, r := range s {
		if utf8.RuneLen(r) > 1 {
			width += 2
		} else {
			width++
		}
	}
	return width
}

// TruncateWidth trims runes from the end of s until DisplayWidth(s) <= max.
func TruncateWidth(s string, max int) string {
	if max <= 0 {
		return ""
	}
	width := 0
	for i, r := range s {
		w := 1
		if utf8.RuneLen(r) > 1 {
			w = 2
		}
		if width+w > max {
			return s[:i]
		}
		width += w
	}
	return s
}
