package pipeline

import (
	"testing"

	"github.com/g1879/datarecorder/pkg/recerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_AppendThreshold(t *testing.T) {
	buf, err := NewBuffer[string](3)
	require.NoError(t, err)

	assert.False(t, buf.Append("", "a"))
	assert.False(t, buf.Append("", "b"))
	assert.True(t, buf.Append("", "c"))
	assert.Equal(t, 3, buf.Len())
}

func TestBuffer_ExtendChecksOnce(t *testing.T) {
	buf, err := NewBuffer[string](2)
	require.NoError(t, err)

	assert.True(t, buf.Extend("", []string{"a", "b", "c", "d", "e"}))
	assert.Equal(t, 5, buf.Len())
	assert.False(t, buf.Extend("", nil))
	assert.Equal(t, 5, buf.Len())
}

func TestBuffer_ZeroCacheSizeNeverFull(t *testing.T) {
	buf, err := NewBuffer[int](0)
	require.NoError(t, err)
	for i := 0; i < 10000; i++ {
		require.False(t, buf.Append("", i))
	}
	assert.Equal(t, 10000, buf.Len())
}

func TestBuffer_NegativeCacheSize(t *testing.T) {
	_, err := NewBuffer[int](-1)
	require.Error(t, err)
	assert.True(t, recerrors.IsType(err, recerrors.ErrorTypeConfig))

	buf, err := NewBuffer[int](5)
	require.NoError(t, err)
	require.Error(t, buf.SetCacheSize(-3))
	assert.Equal(t, 5, buf.CacheSize())
}

func TestBuffer_GroupsByKeyInFirstSeenOrder(t *testing.T) {
	buf, err := NewBuffer[string](0)
	require.NoError(t, err)

	buf.Append("users", "u1")
	buf.Append("events", "e1")
	buf.Append("users", "u2")

	assert.Equal(t, []Batch[string]{
		{Key: "users", Items: []string{"u1", "u2"}},
		{Key: "events", Items: []string{"e1"}},
	}, buf.Snapshot())
}

func TestBuffer_TakeAndRestore(t *testing.T) {
	buf, err := NewBuffer[string](0)
	require.NoError(t, err)

	buf.Extend("", []string{"a", "b"})
	buf.Append("t", "x")
	taken := buf.Take()
	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 3, CountItems(taken))

	buf.Append("", "c")
	buf.Append("u", "y")
	buf.Restore(taken)

	assert.Equal(t, []Batch[string]{
		{Key: "", Items: []string{"a", "b", "c"}},
		{Key: "t", Items: []string{"x"}},
		{Key: "u", Items: []string{"y"}},
	}, buf.Snapshot())
	assert.Equal(t, 5, buf.Len())
}

func TestBuffer_SnapshotIsACopy(t *testing.T) {
	buf, err := NewBuffer[string](0)
	require.NoError(t, err)
	buf.Append("", "a")

	snap := buf.Snapshot()
	snap[0].Items[0] = "changed"
	buf.Clear()

	assert.Equal(t, "changed", snap[0].Items[0])
	assert.True(t, buf.IsEmpty())
	assert.Nil(t, buf.Snapshot())
}
