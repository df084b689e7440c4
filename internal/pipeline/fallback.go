package pipeline

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/g1879/datarecorder/pkg/compression"
	jsonpool "github.com/g1879/datarecorder/pkg/json"
	"github.com/g1879/datarecorder/pkg/metrics"
	"github.com/g1879/datarecorder/pkg/pathutil"
	"github.com/g1879/datarecorder/pkg/pool"
	"github.com/g1879/datarecorder/pkg/recerrors"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
)

// Fallback receives items that could not be written while closing. Spill
// returns where they went.
type Fallback[T any] interface {
	Spill(path, flushID string, batches []Batch[T], cause error) (string, error)
}

// FallbackEntry is one line of a fallback file
type FallbackEntry[T any] struct {
	FlushID     string `json:"flush_id"`
	Destination string `json:"destination"`
	Key         string `json:"key,omitempty"`
	Item        T      `json:"item"`
	Error       string `json:"error"`
}

// FileFallback writes items as JSON lines, optionally compressed, to
// <destination>.unflushed-<timestamp>.jsonl next to the destination or in
// Dir.
type FileFallback[T any] struct {
	Dir          string
	Compression  compression.Algorithm
	MinFreeBytes uint64
	now          func() time.Time
	logger       *zap.Logger
}

// NewFileFallback creates a file fallback sink
func NewFileFallback[T any](dir string, algorithm compression.Algorithm, minFreeBytes uint64, logger *zap.Logger) *FileFallback[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileFallback[T]{
		Dir:          dir,
		Compression:  algorithm,
		MinFreeBytes: minFreeBytes,
		now:          time.Now,
		logger:       logger.With(zap.String("component", "fallback_sink")),
	}
}

// Target returns the fallback file path for a destination. The path is
// collision free at the time of the call.
func (f *FileFallback[T]) Target(path string) (string, error) {
	compressor, err := compression.NewCompressor(&compression.Config{Algorithm: f.algorithm(), Level: compression.Default})
	if err != nil {
		return "", recerrors.Wrap(err, recerrors.ErrorTypeConfig, "invalid fallback compression")
	}

	dir := f.Dir
	if dir == "" {
		dir = filepath.Dir(path)
	}
	name := filepath.Base(path)
	if path == "" {
		name = "recorder"
	}
	name += ".unflushed-" + f.now().Format("20060102T150405") + ".jsonl" + compressor.Extension()
	return pathutil.UsablePath(filepath.Join(dir, name)), nil
}

// Spill writes batches to a new fallback file
func (f *FileFallback[T]) Spill(path, flushID string, batches []Batch[T], cause error) (string, error) {
	target, err := f.Target(path)
	if err != nil {
		return "", err
	}
	if err := f.checkHeadroom(filepath.Dir(target)); err != nil {
		return "", err
	}
	if err := pathutil.EnsureParentDir(target); err != nil {
		return "", recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to create fallback directory")
	}

	if err := f.writeFile(target, path, flushID, batches, cause); err != nil {
		_ = os.Remove(target)
		return "", err
	}

	metrics.FallbackRows.WithLabelValues("file").Add(float64(CountItems(batches)))
	f.logger.Info("unflushed rows spilled",
		zap.String("fallback", target),
		zap.String("destination", path),
		zap.Int("rows", CountItems(batches)))
	return target, nil
}

func (f *FileFallback[T]) writeFile(target, path, flushID string, batches []Batch[T], cause error) error {
	compressor, err := compression.NewCompressor(&compression.Config{Algorithm: f.algorithm(), Level: compression.Default})
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeConfig, "invalid fallback compression")
	}

	file, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to create fallback file").
			WithDetail("path", target)
	}
	defer file.Close()

	buffered := pool.GetWriter(file)
	defer pool.PutWriter(buffered)
	zw, err := compressor.NewWriter(buffered)
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to open compressed writer")
	}

	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}
	enc := jsonpool.NewStreamingEncoder(zw, false)
	for _, batch := range batches {
		for _, item := range batch.Items {
			err := enc.Encode(FallbackEntry[T]{
				FlushID:     flushID,
				Destination: path,
				Key:         batch.Key,
				Item:        item,
				Error:       causeText,
			})
			if err != nil {
				return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to write fallback entry")
			}
		}
	}

	if err := enc.Close(); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to write fallback file")
	}
	if err := zw.Close(); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to finish compressed stream")
	}
	if err := buffered.Flush(); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to write fallback file")
	}
	if err := file.Sync(); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to sync fallback file")
	}
	return nil
}

func (f *FileFallback[T]) algorithm() compression.Algorithm {
	if f.Compression == "" {
		return compression.None
	}
	return f.Compression
}

// checkHeadroom refuses to spill onto a nearly full disk. The nearest
// existing ancestor of dir is measured, since dir may not exist yet.
func (f *FileFallback[T]) checkHeadroom(dir string) error {
	if f.MinFreeBytes == 0 {
		return nil
	}
	for !pathutil.Exists(dir) {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	usage, err := disk.Usage(dir)
	if err != nil {
		f.logger.Debug("disk usage unavailable", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	if usage.Free < f.MinFreeBytes {
		return recerrors.Newf(recerrors.ErrorTypeFile,
			"only %d bytes free in %s, fallback needs %d", usage.Free, dir, f.MinFreeBytes)
	}
	return nil
}

// ReadFallback decodes the entries of a fallback file in order and hands
// each to fn. The decompressor is chosen from the file suffix. An error from
// fn stops the read and is returned as is.
func ReadFallback[T any](path string, fn func(FallbackEntry[T]) error) error {
	file, err := os.Open(path)
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to open fallback file").
			WithDetail("path", path)
	}
	defer file.Close()

	compressor, err := compression.NewCompressor(&compression.Config{Algorithm: compression.AlgorithmForPath(path)})
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeConfig, "invalid fallback compression")
	}
	r, err := compressor.NewReader(file)
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to open compressed reader").
			WithDetail("path", path)
	}
	defer r.Close()

	dec := jsonpool.GetDecoder(r)
	for n := 1; ; n++ {
		var entry FallbackEntry[T]
		if err := dec.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to decode fallback entry").
				WithDetail("path", path).
				WithDetail("entry", n)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}

// LogItems writes every item to the error log. It is the last resort when
// no fallback file can be written.
func LogItems[T any](log *zap.Logger, batches []Batch[T], cause error) {
	for _, batch := range batches {
		for i, item := range batch.Items {
			log.Error("unflushed row",
				zap.String("key", batch.Key),
				zap.Int("index", i),
				zap.Any("item", item),
				zap.NamedError("cause", cause))
		}
	}
	metrics.FallbackRows.WithLabelValues("log").Add(float64(CountItems(batches)))
}
