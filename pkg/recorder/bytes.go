package recorder

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/g1879/datarecorder/internal/pipeline"
	"github.com/g1879/datarecorder/pkg/logger"
	"github.com/g1879/datarecorder/pkg/recerrors"
	"go.uber.org/zap"
)

// Chunk is one piece of binary data and where it goes. A nil Seek appends
// at the end of the file.
type Chunk struct {
	Data []byte `json:"data"`
	Seek *int64 `json:"seek,omitempty"`
}

// ByteRecorder buffers binary chunks for one file and writes them in order,
// each at its own offset or at the end. The file is created when missing.
type ByteRecorder struct {
	coord  *pipeline.Coordinator[Chunk]
	logger *zap.Logger
}

// NewByteRecorder creates a byte recorder for path. Format, table, sheet,
// shaping, text and schedule options do not apply and are ignored.
func NewByteRecorder(path string, opts ...Option) (*ByteRecorder, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if path == "" {
		return nil, recerrors.New(recerrors.ErrorTypeConfig, "byte recorder needs a path")
	}

	log := o.logger
	if log == nil {
		log = logger.Get()
	}
	name := o.name
	if name == "" {
		name = filepath.Base(path)
	}
	log = log.With(zap.String("component", "byte_recorder"), zap.String("recorder", name))

	var fallback pipeline.Fallback[Chunk]
	if o.fallbackEnabled {
		fallback = pipeline.NewFileFallback[Chunk](o.fallbackDir, o.fallbackAlgo, o.fallbackMinFree, log)
	}

	coord, err := pipeline.NewCoordinator[Chunk](&byteWriter{path: path}, pipeline.Options[Chunk]{
		Name:      name,
		Format:    "bytes",
		CacheSize: o.cacheSize,
		Retry:     o.retry,
		Notifier:  o.notifier,
		Fallback:  fallback,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	return &ByteRecorder{coord: coord, logger: log}, nil
}

// Add buffers a copy of data to be appended at the end of the file
func (b *ByteRecorder) Add(ctx context.Context, data []byte) error {
	return b.coord.Add(ctx, "", Chunk{Data: bytes.Clone(data)})
}

// AddAt buffers a copy of data to be written at offset
func (b *ByteRecorder) AddAt(ctx context.Context, data []byte, offset int64) error {
	if offset < 0 {
		return recerrors.Newf(recerrors.ErrorTypeConfig, "seek offset must be >= 0, got %d", offset)
	}
	return b.coord.Add(ctx, "", Chunk{Data: bytes.Clone(data), Seek: &offset})
}

// Flush writes every buffered chunk and returns the file path
func (b *ByteRecorder) Flush(ctx context.Context) (string, error) {
	return b.coord.Flush(ctx)
}

// Clear discards buffered chunks
func (b *ByteRecorder) Clear() { b.coord.Clear() }

// Len returns the number of buffered chunks
func (b *ByteRecorder) Len() int { return b.coord.Len() }

// Path returns the file path
func (b *ByteRecorder) Path() string { return b.coord.Path() }

// Close flushes what is left
func (b *ByteRecorder) Close(ctx context.Context) error {
	_, err := b.coord.Close(ctx)
	return err
}

type byteWriter struct {
	path string
}

func (w *byteWriter) Path() string { return w.path }

func (w *byteWriter) Write(ctx context.Context, batches []pipeline.Batch[Chunk]) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR, 0o644) //nolint:gosec // G304: destination path is configured by the caller
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to open file")
	}
	defer f.Close()

	atEnd := false
	for _, batch := range batches {
		for _, chunk := range batch.Items {
			if err := ctx.Err(); err != nil {
				return err
			}
			switch {
			case chunk.Seek != nil:
				if _, err := f.Seek(*chunk.Seek, io.SeekStart); err != nil {
					return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to seek").
						WithDetail("offset", *chunk.Seek)
				}
				atEnd = false
			case !atEnd:
				if _, err := f.Seek(0, io.SeekEnd); err != nil {
					return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to seek to end")
				}
				atEnd = true
			}
			if _, err := f.Write(chunk.Data); err != nil {
				return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to write chunk")
			}
		}
	}

	if err := f.Close(); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to close file")
	}
	return nil
}
