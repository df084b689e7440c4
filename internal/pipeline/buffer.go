package pipeline

import (
	"github.com/g1879/datarecorder/pkg/recerrors"
)

// Batch is the ordered run of items buffered under one key. The key is a
// table name for relational destinations and "" for everything else.
type Batch[T any] struct {
	Key   string
	Items []T
}

// Buffer holds pending items grouped by key, in admission order. Groups
// keep the order in which their key was first seen. Buffer is not safe for
// concurrent use; the Coordinator serializes access to it.
type Buffer[T any] struct {
	groups    []Batch[T]
	index     map[string]int
	count     int
	cacheSize int
}

// NewBuffer creates a buffer whose threshold is cacheSize. Zero disables the
// threshold.
func NewBuffer[T any](cacheSize int) (*Buffer[T], error) {
	b := &Buffer[T]{index: make(map[string]int)}
	if err := b.SetCacheSize(cacheSize); err != nil {
		return nil, err
	}
	return b, nil
}

// SetCacheSize changes the threshold.
func (b *Buffer[T]) SetCacheSize(n int) error {
	if n < 0 {
		return recerrors.Newf(recerrors.ErrorTypeConfig, "cache size must be >= 0, got %d", n).
			WithDetail("cache_size", n)
	}
	b.cacheSize = n
	return nil
}

// CacheSize returns the threshold
func (b *Buffer[T]) CacheSize() int { return b.cacheSize }

// Append adds one item under key and reports whether the threshold is
// reached.
func (b *Buffer[T]) Append(key string, item T) bool {
	b.add(key, item)
	return b.Full()
}

// Extend adds items under key, checking the threshold once at the end.
func (b *Buffer[T]) Extend(key string, items []T) bool {
	b.add(key, items...)
	return b.Full()
}

func (b *Buffer[T]) add(key string, items ...T) {
	if len(items) == 0 {
		return
	}
	i, ok := b.index[key]
	if !ok {
		i = len(b.groups)
		b.index[key] = i
		b.groups = append(b.groups, Batch[T]{Key: key})
	}
	b.groups[i].Items = append(b.groups[i].Items, items...)
	b.count += len(items)
}

// Full reports whether a positive threshold has been reached
func (b *Buffer[T]) Full() bool {
	return b.cacheSize > 0 && b.count >= b.cacheSize
}

// Len returns the total item count across keys
func (b *Buffer[T]) Len() int { return b.count }

// IsEmpty reports whether nothing is buffered
func (b *Buffer[T]) IsEmpty() bool { return b.count == 0 }

// Clear discards everything
func (b *Buffer[T]) Clear() {
	b.groups = nil
	b.index = make(map[string]int)
	b.count = 0
}

// Take returns the buffered batches and leaves the buffer empty. The caller
// owns the returned slices.
func (b *Buffer[T]) Take() []Batch[T] {
	groups := b.groups
	b.Clear()
	return groups
}

// Restore puts batches back in front of anything buffered since they were
// taken, so admission order is unchanged.
func (b *Buffer[T]) Restore(batches []Batch[T]) {
	if len(batches) == 0 {
		return
	}
	later := b.Take()
	for _, batch := range batches {
		b.add(batch.Key, batch.Items...)
	}
	for _, batch := range later {
		b.add(batch.Key, batch.Items...)
	}
}

// Snapshot returns a copy of the buffered batches.
func (b *Buffer[T]) Snapshot() []Batch[T] {
	return cloneBatches(b.groups)
}

func cloneBatches[T any](batches []Batch[T]) []Batch[T] {
	if batches == nil {
		return nil
	}
	out := make([]Batch[T], len(batches))
	for i, batch := range batches {
		out[i] = Batch[T]{Key: batch.Key, Items: append([]T(nil), batch.Items...)}
	}
	return out
}

// CountItems sums the items of batches
func CountItems[T any](batches []Batch[T]) int {
	n := 0
	for _, batch := range batches {
		n += len(batch.Items)
	}
	return n
}
