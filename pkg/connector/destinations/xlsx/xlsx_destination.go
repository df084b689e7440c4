// Package xlsx implements the spreadsheet destination on top of excelize.
package xlsx

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/logger"
	"github.com/g1879/datarecorder/pkg/models"
	"github.com/g1879/datarecorder/pkg/pathutil"
	"github.com/g1879/datarecorder/pkg/recerrors"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// XLSXDestination appends rows to a worksheet
type XLSXDestination struct {
	logger *zap.Logger
}

// NewXLSXDestination creates a new spreadsheet destination
func NewXLSXDestination() (core.Adapter, error) {
	return &XLSXDestination{
		logger: logger.Get().With(zap.String("component", "xlsx_destination")),
	}, nil
}

// Format returns core.FormatXLSX
func (d *XLSXDestination) Format() core.Format { return core.FormatXLSX }

// Write appends each row to the next free row of the sheet. A header from
// the first row is written when the sheet is empty. The workbook is saved
// through a temporary file so a failed flush leaves it unchanged.
func (d *XLSXDestination) Write(ctx context.Context, dest core.Destination, batches []models.Batch) error {
	book, fresh, err := openWorkbook(dest.Path)
	if err != nil {
		return err
	}
	defer book.Close()

	sheet, err := selectSheet(book, dest.Sheet, fresh)
	if err != nil {
		return err
	}

	existing, err := book.GetRows(sheet)
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to read worksheet").WithDetail("sheet", sheet)
	}
	next := len(existing) + 1

	rows := 0
	for _, batch := range batches {
		for _, row := range batch.Rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			if next == 1 && row.HasHeader() {
				if err := setRow(book, sheet, next, stringsToCells(row.Header())); err != nil {
					return err
				}
				next++
			}
			if err := setRow(book, sheet, next, valuesToCells(row.Values())); err != nil {
				return err
			}
			next++
			rows++
		}
	}

	if err := save(book, dest.Path); err != nil {
		return err
	}

	d.logger.Debug("rows appended",
		zap.String("path", dest.Path),
		zap.String("sheet", sheet),
		zap.Int("rows", rows),
		zap.Bool("new_file", fresh))
	return nil
}

// SetHead writes head into the first row of the sheet, cell by cell.
func (d *XLSXDestination) SetHead(_ context.Context, dest core.Destination, head []string) error {
	book, fresh, err := openWorkbook(dest.Path)
	if err != nil {
		return err
	}
	defer book.Close()

	sheet, err := selectSheet(book, dest.Sheet, fresh)
	if err != nil {
		return err
	}
	for i, title := range head {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return recerrors.Wrap(err, recerrors.ErrorTypeData, "invalid header position")
		}
		if err := book.SetCellValue(sheet, cell, title); err != nil {
			return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to set header cell")
		}
	}
	return save(book, dest.Path)
}

func openWorkbook(path string) (*excelize.File, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return excelize.NewFile(), true, nil
	}
	book, err := excelize.OpenFile(path)
	if err != nil {
		return nil, false, recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to open workbook")
	}
	return book, false, nil
}

// selectSheet returns the sheet to write. An empty name selects the active
// sheet. A named sheet that does not exist is created, or replaces the
// default sheet of a new workbook.
func selectSheet(book *excelize.File, name string, fresh bool) (string, error) {
	active := book.GetSheetName(book.GetActiveSheetIndex())
	if name == "" || name == active {
		return active, nil
	}

	idx, err := book.GetSheetIndex(name)
	if err != nil {
		return "", recerrors.Wrap(err, recerrors.ErrorTypeConfig, "invalid sheet name").WithDetail("sheet", name)
	}
	if idx >= 0 {
		return name, nil
	}

	if fresh {
		if err := book.SetSheetName(active, name); err != nil {
			return "", recerrors.Wrap(err, recerrors.ErrorTypeConfig, "invalid sheet name").WithDetail("sheet", name)
		}
		return name, nil
	}
	if _, err := book.NewSheet(name); err != nil {
		return "", recerrors.Wrap(err, recerrors.ErrorTypeConfig, "failed to create sheet").WithDetail("sheet", name)
	}
	return name, nil
}

func setRow(book *excelize.File, sheet string, row int, cells []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeData, "invalid row position")
	}
	if err := book.SetSheetRow(sheet, cell, &cells); err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to write worksheet row").WithDetail("row", row)
	}
	return nil
}

func save(book *excelize.File, path string) error {
	err := pathutil.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		return book.Write(w)
	})
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to save workbook")
	}
	return nil
}

func stringsToCells(values []string) []interface{} {
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return cells
}

func valuesToCells(values []interface{}) []interface{} {
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values
}
