// Package pool provides typed object pooling for the write path.
//
// Flushes are short and frequent, so the buffered writers and scratch
// buffers they use are recycled instead of allocated per flush:
//
//	w := pool.GetWriter(file)
//	defer pool.PutWriter(w)
//
//	buf := pool.GetBuffer()
//	defer pool.PutBuffer(buf)
package pool

import (
	"bufio"
	"bytes"
	"io"
	"sync"
	"sync/atomic"
)

// WriterSize is the buffer size of pooled writers
const WriterSize = 64 * 1024

// maxBufferCap keeps very large scratch buffers out of the pool
const maxBufferCap = 1 << 20

// Pool is a type-safe wrapper around sync.Pool that tracks usage.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
	stats struct {
		allocated int64
		inUse     int64
		gets      int64
	}
}

// New creates a pool. reset, when set, runs before an object goes back.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.stats.allocated, 1)
		return newFn()
	}
	return p
}

// Get returns a pooled object or a new one
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.inUse, 1)
	atomic.AddInt64(&p.stats.gets, 1)
	return p.pool.Get().(T)
}

// Put resets obj and returns it to the pool
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	atomic.AddInt64(&p.stats.inUse, -1)
	p.pool.Put(obj)
}

// Stats reports objects allocated, checked out and the number of Get calls.
// gets - allocated is the number of reuses.
func (p *Pool[T]) Stats() (allocated, inUse, gets int64) {
	return atomic.LoadInt64(&p.stats.allocated),
		atomic.LoadInt64(&p.stats.inUse),
		atomic.LoadInt64(&p.stats.gets)
}

var (
	writerPool = New(
		func() *bufio.Writer { return bufio.NewWriterSize(nil, WriterSize) },
		func(w *bufio.Writer) { w.Reset(nil) },
	)

	bufferPool = New(
		func() *bytes.Buffer { return new(bytes.Buffer) },
		func(b *bytes.Buffer) { b.Reset() },
	)
)

// GetWriter returns a pooled buffered writer targeting w. The caller must
// Flush it before PutWriter.
func GetWriter(w io.Writer) *bufio.Writer {
	bw := writerPool.Get()
	bw.Reset(w)
	return bw
}

// PutWriter returns a writer obtained from GetWriter. Unflushed data is
// discarded.
func PutWriter(w *bufio.Writer) {
	writerPool.Put(w)
}

// GetBuffer returns an empty pooled buffer
func GetBuffer() *bytes.Buffer {
	return bufferPool.Get()
}

// PutBuffer returns a buffer obtained from GetBuffer. Buffers that grew
// past 1 MiB are dropped.
func PutBuffer(b *bytes.Buffer) {
	if b.Cap() > maxBufferCap {
		atomic.AddInt64(&bufferPool.stats.inUse, -1)
		return
	}
	bufferPool.Put(b)
}

// WriterStats reports usage of the writer pool
func WriterStats() (allocated, inUse, gets int64) { return writerPool.Stats() }

// BufferStats reports usage of the buffer pool
func BufferStats() (allocated, inUse, gets int64) { return bufferPool.Stats() }
