package csv

import (
	"bufio"
	stdcsv "encoding/csv"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/g1879/datarecorder/pkg/connector/core"
)

// recordWriter writes delimited records
type recordWriter interface {
	Write(record []string) error
	Flush() error
}

// newRecordWriter uses encoding/csv for the standard double quote and a
// quoteWriter for any other quote character.
func newRecordWriter(w io.Writer, opts core.TextOptions) recordWriter {
	if opts.QuoteChar == '"' {
		cw := stdcsv.NewWriter(w)
		cw.Comma = opts.Delimiter
		return &stdWriter{w: cw}
	}
	return &quoteWriter{
		w:     bufio.NewWriter(w),
		comma: opts.Delimiter,
		quote: opts.QuoteChar,
	}
}

type stdWriter struct{ w *stdcsv.Writer }

func (s *stdWriter) Write(record []string) error { return s.w.Write(record) }

func (s *stdWriter) Flush() error {
	s.w.Flush()
	return s.w.Error()
}

// quoteWriter quotes a field only when it contains the delimiter, the quote
// character, a line break or leading space. Quotes inside a field are
// doubled.
type quoteWriter struct {
	w     *bufio.Writer
	comma rune
	quote rune
}

func (q *quoteWriter) Write(record []string) error {
	for i, field := range record {
		if i > 0 {
			if _, err := q.w.WriteRune(q.comma); err != nil {
				return err
			}
		}
		if !q.needsQuotes(field) {
			if _, err := q.w.WriteString(field); err != nil {
				return err
			}
			continue
		}
		if _, err := q.w.WriteRune(q.quote); err != nil {
			return err
		}
		for _, r := range field {
			if r == q.quote {
				if _, err := q.w.WriteRune(q.quote); err != nil {
					return err
				}
			}
			if _, err := q.w.WriteRune(r); err != nil {
				return err
			}
		}
		if _, err := q.w.WriteRune(q.quote); err != nil {
			return err
		}
	}
	return q.w.WriteByte('\n')
}

func (q *quoteWriter) needsQuotes(field string) bool {
	if field == "" {
		return false
	}
	if field[0] == ' ' || field[0] == '\t' {
		return true
	}
	return strings.ContainsRune(field, q.comma) ||
		strings.ContainsRune(field, q.quote) ||
		strings.ContainsAny(field, "\r\n")
}

func (q *quoteWriter) Flush() error { return q.w.Flush() }

// readRecords parses delimited text. Records may span lines inside quotes.
func readRecords(r io.Reader, opts core.TextOptions) ([][]string, error) {
	if opts.QuoteChar == '"' {
		cr := stdcsv.NewReader(r)
		cr.Comma = opts.Delimiter
		cr.FieldsPerRecord = -1
		cr.LazyQuotes = true
		return cr.ReadAll()
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return splitRecords(string(data), opts.Delimiter, opts.QuoteChar), nil
}

func splitRecords(text string, comma, quote rune) [][]string {
	var (
		records [][]string
		record  []string
		field   strings.Builder
		quoted  bool
		pending bool
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quoted:
			if r == quote {
				if i+1 < len(runes) && runes[i+1] == quote {
					field.WriteRune(quote)
					i++
				} else {
					quoted = false
				}
			} else {
				field.WriteRune(r)
			}
		case r == quote && field.Len() == 0:
			quoted = true
			pending = true
		case r == comma:
			record = append(record, field.String())
			field.Reset()
			pending = true
		case r == '\r' && i+1 < len(runes) && runes[i+1] == '\n':
			// handled with the newline
		case r == '\n':
			record = append(record, field.String())
			records = append(records, record)
			record, pending = nil, false
			field.Reset()
		default:
			field.WriteRune(r)
			pending = true
		}
	}
	if pending || field.Len() > 0 {
		record = append(record, field.String())
		records = append(records, record)
	}
	return records
}

// firstRecordEnd returns the byte offset just past the first record of text,
// its line break included, or len(text) when text holds a single record.
// Quoting follows splitRecords, so a quoted field may span lines.
func firstRecordEnd(text string, comma, quote rune) int {
	quoted, atFieldStart := false, true
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		switch {
		case quoted:
			if r == quote {
				if next, n := utf8.DecodeRuneInString(text[i:]); n > 0 && next == quote {
					i += n
				} else {
					quoted = false
				}
			}
		case r == quote && atFieldStart:
			quoted, atFieldStart = true, false
		case r == comma:
			atFieldStart = true
		case r == '\n':
			return i
		default:
			atFieldStart = false
		}
	}
	return len(text)
}
