// Package json implements the structured-text destination: a single JSON
// array, extended on every flush and replaced atomically.
package json

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/g1879/datarecorder/pkg/connector/base"
	"github.com/g1879/datarecorder/pkg/connector/core"
	jsonpool "github.com/g1879/datarecorder/pkg/json"
	"github.com/g1879/datarecorder/pkg/logger"
	"github.com/g1879/datarecorder/pkg/models"
	"github.com/g1879/datarecorder/pkg/pathutil"
	"github.com/g1879/datarecorder/pkg/recerrors"
	"go.uber.org/zap"
)

// JSONDestination writes rows into a JSON array file
type JSONDestination struct {
	logger *zap.Logger
}

// NewJSONDestination creates a new JSON destination
func NewJSONDestination() (core.Adapter, error) {
	return &JSONDestination{
		logger: logger.Get().With(zap.String("component", "json_destination")),
	}, nil
}

// Format returns core.FormatJSON
func (d *JSONDestination) Format() core.Format { return core.FormatJSON }

// Write reads the existing array, if any, and rewrites the file with the
// new rows appended. Existing elements are copied byte for byte.
func (d *JSONDestination) Write(ctx context.Context, dest core.Destination, batches []models.Batch) error {
	enc, err := base.LookupEncoding(dest.Text.Encoding)
	if err != nil {
		return err
	}

	existing, err := readArray(dest.Path, enc)
	if err != nil {
		return err
	}

	encoded := make([][]byte, 0, models.CountRows(batches))
	for _, batch := range batches {
		for _, row := range batch.Rows {
			data, err := row.MarshalJSON()
			if err != nil {
				return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to encode row")
			}
			encoded = append(encoded, data)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err = pathutil.WriteFileAtomic(dest.Path, 0o644, func(w io.Writer) error {
		ew := enc.NewWriter(w, true)
		se := jsonpool.NewStreamingEncoder(ew, true)
		for _, raw := range existing {
			if err := se.EncodeRaw(raw); err != nil {
				return err
			}
		}
		for _, raw := range encoded {
			if err := se.EncodeRaw(raw); err != nil {
				return err
			}
		}
		if err := se.Close(); err != nil {
			return err
		}
		return ew.Close()
	})
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to write json file")
	}

	d.logger.Debug("rows appended",
		zap.String("path", dest.Path),
		zap.Int("existing", len(existing)),
		zap.Int("rows", len(encoded)))
	return nil
}

// readArray returns the elements of the array stored at path. A missing or
// blank file is an empty array; any other content is a data error.
func readArray(path string, enc *base.TextEncoding) ([]jsonpool.RawMessage, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: destination path is configured by the caller
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to read json file")
	}

	text, err := enc.Decode(raw)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) == 0 {
		return nil, nil
	}

	var elements []jsonpool.RawMessage
	if err := jsonpool.Unmarshal(trimmed, &elements); err != nil {
		return nil, recerrors.Wrap(err, recerrors.ErrorTypeData, "existing json file is not an array").
			WithDetail("path", path)
	}
	return elements, nil
}
