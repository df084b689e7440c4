// Package models defines the row representation shared by the buffer, the
// flush coordinator and every destination.
//
// A Row is a tagged variant: either an ordered sequence of scalar values or
// an ordered mapping from column name to scalar value. Rows are produced once
// by Shape and are immutable afterwards; accessors return copies.
package models

import (
	"bytes"
	"fmt"

	"github.com/g1879/datarecorder/pkg/json"
	stringpool "github.com/g1879/datarecorder/pkg/strings"
)

// Kind tags the shape of a Row.
type Kind uint8

const (
	// KindSequence is an ordered list of values written positionally
	KindSequence Kind = iota
	// KindMapping is an ordered set of named values
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Field is one named value of a mapping.
type Field struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// Row is one unit of pending data.
type Row struct {
	kind   Kind
	keys   []string
	values []interface{}
	header []string
}

// NewSequence builds a sequence row. Values are normalized.
func NewSequence(values ...interface{}) Row {
	row := Row{kind: KindSequence, values: make([]interface{}, len(values))}
	for i, v := range values {
		row.values[i] = Normalize(v)
	}
	return row
}

// NewMapping builds a mapping row whose header is its key set. A repeated
// name keeps its first position and takes the last value.
func NewMapping(fields ...Field) Row {
	row := Row{kind: KindMapping}
	index := make(map[string]int, len(fields))
	for _, f := range fields {
		v := Normalize(f.Value)
		if i, ok := index[f.Name]; ok {
			row.values[i] = v
			continue
		}
		index[f.Name] = len(row.keys)
		row.keys = append(row.keys, f.Name)
		row.values = append(row.values, v)
	}
	row.header = row.keys
	return row
}

// Kind returns the row's shape tag.
func (r Row) Kind() Kind { return r.kind }

// IsMapping reports whether the row carries column names.
func (r Row) IsMapping() bool { return r.kind == KindMapping }

// Len returns the number of values.
func (r Row) Len() int { return len(r.values) }

// Value returns the i-th value in row order.
func (r Row) Value(i int) interface{} { return r.values[i] }

// Values returns a copy of the values in row order.
func (r Row) Values() []interface{} {
	out := make([]interface{}, len(r.values))
	copy(out, r.values)
	return out
}

// Keys returns a copy of the column names of a mapping row, nil otherwise.
func (r Row) Keys() []string {
	if r.kind != KindMapping {
		return nil
	}
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Get looks up a mapping value by name.
func (r Row) Get(key string) (interface{}, bool) {
	for i, k := range r.keys {
		if k == key {
			return r.values[i], true
		}
	}
	return nil, false
}

// Fields returns the name/value pairs of a mapping row.
func (r Row) Fields() []Field {
	if r.kind != KindMapping {
		return nil
	}
	out := make([]Field, len(r.keys))
	for i, k := range r.keys {
		out[i] = Field{Name: k, Value: r.values[i]}
	}
	return out
}

// Header returns the column titles file destinations write when they
// create a new file, or nil when the row carries none.
func (r Row) Header() []string {
	if len(r.header) == 0 {
		return nil
	}
	out := make([]string, len(r.header))
	copy(out, r.header)
	return out
}

// HasHeader reports whether Header is non-empty.
func (r Row) HasHeader() bool { return len(r.header) > 0 }

// Strings renders every value as text.
func (r Row) Strings() []string {
	out := make([]string, len(r.values))
	for i, v := range r.values {
		out[i] = stringpool.ValueToString(v)
	}
	return out
}

// MarshalJSON encodes a mapping row as an object with keys in row order and
// a sequence row as an array.
func (r Row) MarshalJSON() ([]byte, error) {
	buf := json.GetBuffer()
	defer json.PutBuffer(buf)

	if r.kind != KindMapping {
		buf.WriteByte('[')
		for i, v := range r.values {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONValue(buf, v); err != nil {
				return nil, err
			}
		}
		buf.WriteByte(']')
		return bytes.Clone(buf.Bytes()), nil
	}

	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONValue(buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeJSONValue(buf, r.values[i]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return bytes.Clone(buf.Bytes()), nil
}

func writeJSONValue(buf *bytes.Buffer, v interface{}) error {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

func (r Row) String() string {
	data, err := r.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("%s%v", r.kind, r.values)
	}
	return string(data)
}

// Batch is the ordered rows destined for one table. Table is empty for
// single-target formats.
type Batch struct {
	Table string
	Rows  []Row
}

// CountRows returns the number of rows across batches.
func CountRows(batches []Batch) int {
	n := 0
	for _, b := range batches {
		n += len(b.Rows)
	}
	return n
}
