// Package txt implements the line-text destination: one JSON document per
// row, appended.
package txt

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/g1879/datarecorder/pkg/connector/base"
	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/logger"
	"github.com/g1879/datarecorder/pkg/models"
	"github.com/g1879/datarecorder/pkg/pool"
	"github.com/g1879/datarecorder/pkg/recerrors"
	"go.uber.org/zap"
)

// TXTDestination appends rows as lines
type TXTDestination struct {
	logger *zap.Logger
}

// NewTXTDestination creates a new line-text destination
func NewTXTDestination() (core.Adapter, error) {
	return &TXTDestination{
		logger: logger.Get().With(zap.String("component", "txt_destination")),
	}, nil
}

// Format returns core.FormatTXT
func (d *TXTDestination) Format() core.Format { return core.FormatTXT }

// Write appends one line per row: a JSON object for mapping rows and a
// JSON array for sequence rows.
func (d *TXTDestination) Write(ctx context.Context, dest core.Destination, batches []models.Batch) error {
	enc, err := base.LookupEncoding(dest.Text.Encoding)
	if err != nil {
		return err
	}

	fresh := false
	if info, err := os.Stat(dest.Path); errors.Is(err, fs.ErrNotExist) || (err == nil && info.Size() == 0) {
		fresh = true
	}

	file, err := os.OpenFile(dest.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: destination path is configured by the caller
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to open text file")
	}
	defer file.Close()

	ew := enc.NewWriter(file, fresh)
	w := pool.GetWriter(ew)
	defer pool.PutWriter(w)

	rows := 0
	for _, batch := range batches {
		for _, row := range batch.Rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			line, err := row.MarshalJSON()
			if err != nil {
				return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to encode row")
			}
			if _, err := w.Write(line); err != nil {
				return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to write row")
			}
			if err := w.WriteByte('\n'); err != nil {
				return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to write row")
			}
			rows++
		}
	}

	if err := w.Flush(); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to flush text writer")
	}
	if err := ew.Close(); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to encode text")
	}
	if err := file.Close(); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to close text file")
	}

	d.logger.Debug("rows appended", zap.String("path", dest.Path), zap.Int("rows", rows))
	return nil
}
