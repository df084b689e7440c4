// Package compression provides stream compression for spill files written
// when a flush cannot reach its destination.
//
// # Overview
//
// The package provides:
//   - Multiple algorithms (Gzip, Snappy, S2, LZ4, Zstd) behind one interface
//   - Configurable levels (Fastest, Default, Better, Best)
//   - Streaming writers and readers for append-style spill files
//   - Algorithm detection from a spill file's suffix
//
// # Basic Usage
//
//	comp, err := compression.NewCompressor(&compression.Config{
//	    Algorithm: compression.Zstd,
//	    Level:     compression.Better,
//	})
//
//	w, err := comp.NewWriter(file)
//	enc := json.NewStreamingEncoder(w, false)
//	...
//	w.Close()
package compression

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents framed snappy compression
	Snappy Algorithm = "snappy"
	// S2 represents s2 compression (Snappy compatible)
	S2 Algorithm = "s2"
	// LZ4 represents lz4 compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
)

// Level controls the trade-off between speed and ratio.
type Level int

const (
	// Fastest prioritizes speed over compression ratio.
	Fastest Level = 1
	// Default balances speed and compression.
	Default Level = 5
	// Better improves compression at cost of speed.
	Better Level = 7
	// Best maximizes compression ratio.
	Best Level = 9
)

// Compressor compresses and decompresses data. Implementations are safe for
// concurrent use; the writers and readers they return are not.
type Compressor interface {
	// NewWriter wraps dst. Close must be called to flush the final frame;
	// it does not close dst.
	NewWriter(dst io.Writer) (io.WriteCloser, error)
	// NewReader wraps src.
	NewReader(src io.Reader) (io.ReadCloser, error)
	// Algorithm returns the compression algorithm used.
	Algorithm() Algorithm
	// Level returns the compression level configured.
	Level() Level
	// Extension returns the conventional file suffix, including the dot,
	// or "" for None.
	Extension() string
}

// Config represents compressor configuration.
type Config struct {
	Algorithm Algorithm `yaml:"algorithm" json:"algorithm"`
	Level     Level     `yaml:"level" json:"level"`
}

// DefaultConfig returns Zstd at the default level.
func DefaultConfig() *Config {
	return &Config{
		Algorithm: Zstd,
		Level:     Default,
	}
}

// ParseAlgorithm validates a configured algorithm name. The empty string
// maps to None.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch a := Algorithm(name); a {
	case "":
		return None, nil
	case None, Gzip, Snappy, S2, LZ4, Zstd:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", name)
	}
}

// AlgorithmForPath returns the algorithm whose extension ends path, or None
// when the suffix is not a known compression extension.
func AlgorithmForPath(path string) Algorithm {
	for _, a := range []Algorithm{Gzip, Snappy, S2, LZ4, Zstd} {
		comp, err := NewCompressor(&Config{Algorithm: a})
		if err == nil && strings.HasSuffix(path, comp.Extension()) {
			return a
		}
	}
	return None
}

// NewCompressor creates a compressor. A nil config uses DefaultConfig.
func NewCompressor(config *Config) (Compressor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	level := config.Level
	if level == 0 {
		level = Default
	}

	base := baseCompressor{algorithm: config.Algorithm, level: level}

	switch config.Algorithm {
	case None, "":
		base.algorithm = None
		return &noneCompressor{baseCompressor: base}, nil
	case Gzip:
		return &gzipCompressor{baseCompressor: base}, nil
	case Snappy:
		return &snappyCompressor{baseCompressor: base}, nil
	case S2:
		return &s2Compressor{baseCompressor: base}, nil
	case LZ4:
		return &lz4Compressor{baseCompressor: base}, nil
	case Zstd:
		return &zstdCompressor{baseCompressor: base}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", config.Algorithm)
	}
}

type baseCompressor struct {
	algorithm Algorithm
	level     Level
}

func (bc *baseCompressor) Algorithm() Algorithm {
	return bc.algorithm
}

func (bc *baseCompressor) Level() Level {
	return bc.level
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// None compressor (passthrough)
type noneCompressor struct {
	baseCompressor
}

func (nc *noneCompressor) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{dst}, nil
}

func (nc *noneCompressor) NewReader(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(src), nil
}

func (nc *noneCompressor) Extension() string { return "" }

// Gzip compressor
type gzipCompressor struct {
	baseCompressor
}

func (gc *gzipCompressor) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(dst, mapGzipLevel(gc.level))
}

func (gc *gzipCompressor) NewReader(src io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(src)
}

func (gc *gzipCompressor) Extension() string { return ".gz" }

// Snappy compressor
type snappyCompressor struct {
	baseCompressor
}

func (sc *snappyCompressor) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(dst), nil
}

func (sc *snappyCompressor) NewReader(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(snappy.NewReader(src)), nil
}

func (sc *snappyCompressor) Extension() string { return ".snappy" }

// S2 compressor
type s2Compressor struct {
	baseCompressor
}

func (sc *s2Compressor) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	opts := []s2.WriterOption{}
	switch sc.level {
	case Better:
		opts = append(opts, s2.WriterBetterCompression())
	case Best:
		opts = append(opts, s2.WriterBestCompression())
	}
	return s2.NewWriter(dst, opts...), nil
}

func (sc *s2Compressor) NewReader(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(s2.NewReader(src)), nil
}

func (sc *s2Compressor) Extension() string { return ".s2" }

// LZ4 compressor
type lz4Compressor struct {
	baseCompressor
}

func (lc *lz4Compressor) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	w := lz4.NewWriter(dst)
	if err := w.Apply(lz4.CompressionLevelOption(mapLZ4Level(lc.level))); err != nil {
		return nil, err
	}
	return w, nil
}

func (lc *lz4Compressor) NewReader(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(src)), nil
}

func (lc *lz4Compressor) Extension() string { return ".lz4" }

// Zstd compressor
type zstdCompressor struct {
	baseCompressor
}

func (zc *zstdCompressor) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(dst, zstd.WithEncoderLevel(mapZstdLevel(zc.level)))
}

func (zc *zstdCompressor) NewReader(src io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

func (zc *zstdCompressor) Extension() string { return ".zst" }

func mapGzipLevel(level Level) int {
	switch level {
	case Fastest:
		return gzip.BestSpeed
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func mapLZ4Level(level Level) lz4.CompressionLevel {
	switch level {
	case Fastest:
		return lz4.Fast
	case Best:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}

func mapZstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}
