package core

import (
	"context"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/g1879/datarecorder/pkg/models"
	"github.com/g1879/datarecorder/pkg/recerrors"
)

// Format identifies a destination adapter
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
	FormatTXT  Format = "txt"
	FormatJSON Format = "json"
	FormatDB   Format = "db"
)

// Formats lists every supported format in display order
var Formats = []Format{FormatXLSX, FormatCSV, FormatTXT, FormatJSON, FormatDB}

// ParseFormat validates a format name. "sqlite" and "sqlite3" are accepted
// for FormatDB.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimPrefix(name, "."))); f {
	case FormatXLSX, FormatCSV, FormatTXT, FormatJSON, FormatDB:
		return f, nil
	case "sqlite", "sqlite3":
		return FormatDB, nil
	default:
		return "", recerrors.Newf(recerrors.ErrorTypeConfig, "unsupported format %q", name).
			WithDetail("supported", Formats)
	}
}

// FormatFromPath derives the format from the path extension.
func FormatFromPath(path string) (Format, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", recerrors.Newf(recerrors.ErrorTypeConfig, "cannot derive format from %q: no extension", path)
	}
	return ParseFormat(ext)
}

// IsRelational reports whether rows are grouped by table.
func (f Format) IsRelational() bool { return f == FormatDB }

// TextOptions configures text formats
type TextOptions struct {
	Encoding  string `yaml:"encoding" json:"encoding"`
	Delimiter rune   `yaml:"delimiter" json:"delimiter"`
	QuoteChar rune   `yaml:"quote_char" json:"quote_char"`
}

// DefaultTextOptions returns UTF-8, comma and double quote.
func DefaultTextOptions() TextOptions {
	return TextOptions{Encoding: "utf-8", Delimiter: ',', QuoteChar: '"'}
}

// WithDefaults fills zero fields from DefaultTextOptions.
func (o TextOptions) WithDefaults() TextOptions {
	d := DefaultTextOptions()
	if o.Encoding == "" {
		o.Encoding = d.Encoding
	}
	if o.Delimiter == 0 {
		o.Delimiter = d.Delimiter
	}
	if o.QuoteChar == 0 {
		o.QuoteChar = d.QuoteChar
	}
	return o
}

// Validate rejects delimiters and quotes that cannot frame a field.
func (o TextOptions) Validate() error {
	o = o.WithDefaults()
	if o.Delimiter == o.QuoteChar {
		return recerrors.New(recerrors.ErrorTypeConfig, "delimiter and quote character must differ")
	}
	for _, r := range []rune{o.Delimiter, o.QuoteChar} {
		if r == '\r' || r == '\n' || r == utf8.RuneError {
			return recerrors.Newf(recerrors.ErrorTypeConfig, "invalid delimiter or quote character %q", r)
		}
	}
	return nil
}

// Destination is where a flush writes
type Destination struct {
	Path   string
	Format Format
	// Table is the default table for relational destinations
	Table string
	// Sheet is the worksheet for spreadsheet destinations; empty means the
	// active sheet
	Sheet string
	Text  TextOptions
}

// Adapter persists buffered rows to one kind of backing store.
//
// Write receives the rows of one flush grouped by table, in admission
// order. It must not re-read its own prior output except to append. An
// adapter returns a recerrors.ErrorTypeLock error, or a raw error that
// base.ClassifyError recognises as a lock, when the destination is held by
// another process; the flush is then retried with the identical batches.
type Adapter interface {
	Format() Format
	Write(ctx context.Context, dest Destination, batches []models.Batch) error
}

// HeadSetter is implemented by adapters whose files carry a header row.
// SetHead writes or replaces the first row without touching the rows below.
type HeadSetter interface {
	SetHead(ctx context.Context, dest Destination, head []string) error
}
