package pipeline

import (
	"bufio"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/g1879/datarecorder/pkg/compression"
	jsonpool "github.com/g1879/datarecorder/pkg/json"
	"github.com/g1879/datarecorder/pkg/recerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func fixedClock() time.Time {
	return time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
}

func readEntries(t *testing.T, path string, algorithm compression.Algorithm) []FallbackEntry[string] {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	compressor, err := compression.NewCompressor(&compression.Config{Algorithm: algorithm, Level: compression.Default})
	require.NoError(t, err)
	r, err := compressor.NewReader(file)
	require.NoError(t, err)
	defer r.Close()

	var entries []FallbackEntry[string]
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var entry FallbackEntry[string]
		require.NoError(t, jsonpool.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestFileFallback_Spill(t *testing.T) {
	tests := []struct {
		algorithm compression.Algorithm
		suffix    string
	}{
		{compression.None, ".jsonl"},
		{compression.Gzip, ".jsonl.gz"},
		{compression.Zstd, ".jsonl.zst"},
		{compression.LZ4, ".jsonl.lz4"},
	}

	for _, tt := range tests {
		t.Run(string(tt.algorithm), func(t *testing.T) {
			dir := t.TempDir()
			dest := filepath.Join(dir, "data.csv")
			fb := NewFileFallback[string]("", tt.algorithm, 0, nil)
			fb.now = fixedClock

			target, err := fb.Spill(dest, "flush-1", []Batch[string]{
				{Key: "", Items: []string{"a", "b"}},
				{Key: "events", Items: []string{"c"}},
			}, errors.New("context canceled"))
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, "data.csv.unflushed-20240501T123000"+tt.suffix), target)

			entries := readEntries(t, target, tt.algorithm)
			require.Len(t, entries, 3)
			assert.Equal(t, FallbackEntry[string]{
				FlushID:     "flush-1",
				Destination: dest,
				Item:        "a",
				Error:       "context canceled",
			}, entries[0])
			assert.Equal(t, "events", entries[2].Key)
			assert.Equal(t, "c", entries[2].Item)
		})
	}
}

func TestFileFallback_DirAndCollisions(t *testing.T) {
	spillDir := filepath.Join(t.TempDir(), "spill", "nested")
	fb := NewFileFallback[string](spillDir, compression.None, 0, nil)
	fb.now = fixedClock

	batches := []Batch[string]{{Items: []string{"x"}}}
	first, err := fb.Spill("/data/out.json", "f1", batches, nil)
	require.NoError(t, err)
	second, err := fb.Spill("/data/out.json", "f2", batches, nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(spillDir, "out.json.unflushed-20240501T123000.jsonl"), first)
	assert.Equal(t, filepath.Join(spillDir, "out.json.unflushed-20240501T123000_1.jsonl"), second)
}

func TestFileFallback_RefusesFullDisk(t *testing.T) {
	dir := t.TempDir()
	fb := NewFileFallback[string]("", compression.None, math.MaxUint64, nil)

	_, err := fb.Spill(filepath.Join(dir, "data.csv"), "f", []Batch[string]{{Items: []string{"a"}}}, nil)
	require.Error(t, err)
	assert.True(t, recerrors.IsType(err, recerrors.ErrorTypeFile))

	matches, globErr := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	require.NoError(t, globErr)
	assert.Empty(t, matches)
}

func TestReadFallback(t *testing.T) {
	for _, algorithm := range []compression.Algorithm{compression.None, compression.S2, compression.Zstd} {
		t.Run(string(algorithm), func(t *testing.T) {
			f := NewFileFallback[[]interface{}](t.TempDir(), algorithm, 0, zap.NewNop())
			f.now = fixedClock
			batches := []Batch[[]interface{}]{
				{Key: "events", Items: [][]interface{}{{"a", 1}, {"b", 2}}},
				{Key: "users", Items: [][]interface{}{{"c", 3}}},
			}
			target, err := f.Spill("out.db", "flush-2", batches, errors.New("closing"))
			require.NoError(t, err)

			var keys []string
			var items []string
			err = ReadFallback(target, func(entry FallbackEntry[jsonpool.RawMessage]) error {
				assert.Equal(t, "flush-2", entry.FlushID)
				assert.Equal(t, "out.db", entry.Destination)
				keys = append(keys, entry.Key)
				items = append(items, string(entry.Item))
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"events", "events", "users"}, keys)
			assert.Equal(t, []string{`["a",1]`, `["b",2]`, `["c",3]`}, items)
		})
	}
}

func TestReadFallback_Errors(t *testing.T) {
	dir := t.TempDir()
	err := ReadFallback(filepath.Join(dir, "missing.jsonl"), func(FallbackEntry[string]) error { return nil })
	assert.True(t, recerrors.IsType(err, recerrors.ErrorTypeFile))

	broken := filepath.Join(dir, "broken.jsonl")
	require.NoError(t, os.WriteFile(broken, []byte(`{"key":"t","item":"x"}`+"\n{oops\n"), 0o644))
	calls := 0
	err = ReadFallback(broken, func(FallbackEntry[string]) error { calls++; return nil })
	assert.True(t, recerrors.IsType(err, recerrors.ErrorTypeData))
	assert.Equal(t, 1, calls)

	stop := errors.New("stop")
	err = ReadFallback(broken, func(FallbackEntry[string]) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestLogItems(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	LogItems(zap.New(core), []Batch[string]{
		{Key: "t", Items: []string{"a", "b"}},
	}, errors.New("gone"))

	entries := logs.FilterMessage("unflushed row").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "t", entries[0].ContextMap()["key"])
	assert.Equal(t, "b", entries[1].ContextMap()["item"])
}
