// Package csv implements the delimited-text destination.
package csv

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/g1879/datarecorder/pkg/connector/base"
	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/logger"
	"github.com/g1879/datarecorder/pkg/models"
	"github.com/g1879/datarecorder/pkg/pathutil"
	"github.com/g1879/datarecorder/pkg/pool"
	"github.com/g1879/datarecorder/pkg/recerrors"
	"go.uber.org/zap"
)

// CSVDestination appends rows to a delimited text file
type CSVDestination struct {
	logger *zap.Logger
}

// NewCSVDestination creates a new CSV destination
func NewCSVDestination() (core.Adapter, error) {
	return &CSVDestination{
		logger: logger.Get().With(zap.String("component", "csv_destination")),
	}, nil
}

// Format returns core.FormatCSV
func (d *CSVDestination) Format() core.Format { return core.FormatCSV }

// Write appends every row as one record. A header derived from the first
// row is written only when the file is new.
func (d *CSVDestination) Write(ctx context.Context, dest core.Destination, batches []models.Batch) error {
	opts := dest.Text.WithDefaults()
	enc, err := base.LookupEncoding(opts.Encoding)
	if err != nil {
		return err
	}

	fresh, err := isNewFile(dest.Path)
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to stat csv file")
	}

	file, err := os.OpenFile(dest.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: destination path is configured by the caller
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to open csv file")
	}
	defer file.Close()

	ew := enc.NewWriter(file, fresh)
	w := newRecordWriter(ew, opts)

	rows := 0
	for _, batch := range batches {
		for _, row := range batch.Rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			if fresh && rows == 0 && row.HasHeader() {
				if err := w.Write(row.Header()); err != nil {
					return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to write csv header")
				}
			}
			if err := w.Write(row.Strings()); err != nil {
				return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to write csv record")
			}
			rows++
		}
	}

	if err := w.Flush(); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to flush csv writer")
	}
	if err := ew.Close(); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to encode csv text")
	}
	if err := file.Close(); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to close csv file")
	}

	d.logger.Debug("rows appended", zap.String("path", dest.Path), zap.Int("rows", rows), zap.Bool("new_file", fresh))
	return nil
}

// SetHead replaces the first line of the file with head, keeping every
// other line. A missing file is created holding only the header.
func (d *CSVDestination) SetHead(ctx context.Context, dest core.Destination, head []string) error {
	opts := dest.Text.WithDefaults()
	enc, err := base.LookupEncoding(opts.Encoding)
	if err != nil {
		return err
	}

	var rest string
	raw, err := os.ReadFile(dest.Path)
	switch {
	case err == nil:
		text, err := enc.Decode(raw)
		if err != nil {
			return err
		}
		rest = text[firstRecordEnd(text, opts.Delimiter, opts.QuoteChar):]
	case errors.Is(err, fs.ErrNotExist):
	default:
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to read csv file")
	}

	line := pool.GetBuffer()
	defer pool.PutBuffer(line)
	w := newRecordWriter(line, opts)
	if err := w.Write(head); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to format csv header")
	}
	if err := w.Flush(); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to format csv header")
	}

	err = pathutil.WriteFileAtomic(dest.Path, 0o644, func(out io.Writer) error {
		ew := enc.NewWriter(out, true)
		if _, err := ew.Write(line.Bytes()); err != nil {
			return err
		}
		if _, err := io.WriteString(ew, rest); err != nil {
			return err
		}
		return ew.Close()
	})
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to rewrite csv header")
	}

	d.logger.Debug("header set", zap.String("path", dest.Path), zap.Strings("head", head))
	return nil
}

// Align pads every record of the file at path with empty fields up to the
// widest record.
func Align(path string, opts core.TextOptions) error {
	opts = opts.WithDefaults()
	enc, err := base.LookupEncoding(opts.Encoding)
	if err != nil {
		return err
	}

	file, err := os.Open(path) //nolint:gosec // G304: caller controls the path
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to open csv file")
	}
	records, err := readRecords(enc.NewReader(file), opts)
	file.Close()
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to parse csv file")
	}

	width := 0
	for _, record := range records {
		if len(record) > width {
			width = len(record)
		}
	}

	err = pathutil.WriteFileAtomic(path, 0o644, func(out io.Writer) error {
		ew := enc.NewWriter(out, true)
		w := newRecordWriter(ew, opts)
		for _, record := range records {
			for len(record) < width {
				record = append(record, "")
			}
			if err := w.Write(record); err != nil {
				return err
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return ew.Close()
	})
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to rewrite csv file")
	}
	return nil
}

// isNewFile reports whether path is absent or empty.
func isNewFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return info.Size() == 0, nil
}
