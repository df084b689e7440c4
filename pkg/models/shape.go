package models

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/g1879/datarecorder/pkg/json"
	stringpool "github.com/g1879/datarecorder/pkg/strings"
)

type operandKind uint8

const (
	operandNone operandKind = iota
	operandSequence
	operandMapping
	operandScalar
)

// Columns is a prefix or suffix applied to every shaped row: nothing, an
// ordered sequence, an ordered mapping, or a single scalar.
type Columns struct {
	kind   operandKind
	keys   []string
	values []interface{}
}

// Mapping is an ordered mapping accepted wherever a raw row or Columns is.
type Mapping []Field

// ColumnsOf classifies v. Go maps are ordered by key; use Mapping or a
// mapping Row to keep insertion order.
func ColumnsOf(v interface{}) Columns {
	switch t := v.(type) {
	case nil:
		return Columns{}
	case Columns:
		return t
	case Row:
		if t.kind == KindMapping {
			return Columns{kind: operandMapping, keys: t.Keys(), values: t.Values()}
		}
		return Columns{kind: operandSequence, values: t.Values()}
	case Mapping:
		return mappingColumns([]Field(t))
	case []Field:
		return mappingColumns(t)
	case map[string]interface{}:
		keys := sortedKeys(t)
		fields := make([]Field, len(keys))
		for i, k := range keys {
			fields[i] = Field{Name: k, Value: t[k]}
		}
		return mappingColumns(fields)
	case map[string]string:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]Field, len(keys))
		for i, k := range keys {
			fields[i] = Field{Name: k, Value: t[k]}
		}
		return mappingColumns(fields)
	case []interface{}:
		return sequenceColumns(t)
	case []string:
		values := make([]interface{}, len(t))
		for i, s := range t {
			values[i] = s
		}
		return sequenceColumns(values)
	case string, []byte:
		return Columns{kind: operandScalar, values: []interface{}{Normalize(t)}}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		values := make([]interface{}, rv.Len())
		for i := range values {
			values[i] = rv.Index(i).Interface()
		}
		return sequenceColumns(values)
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			fields := make([]Field, 0, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				fields = append(fields, Field{Name: iter.Key().String(), Value: iter.Value().Interface()})
			}
			sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
			return mappingColumns(fields)
		}
	case reflect.Ptr:
		if rv.IsNil() {
			return Columns{}
		}
	}
	return Columns{kind: operandScalar, values: []interface{}{Normalize(v)}}
}

func mappingColumns(fields []Field) Columns {
	row := NewMapping(fields...)
	return Columns{kind: operandMapping, keys: row.keys, values: row.values}
}

func sequenceColumns(values []interface{}) Columns {
	c := Columns{kind: operandSequence, values: make([]interface{}, len(values))}
	for i, v := range values {
		c.values[i] = Normalize(v)
	}
	return c
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsZero reports whether c contributes nothing.
func (c Columns) IsZero() bool { return c.kind == operandNone }

// IsMapping reports whether c is a mapping.
func (c Columns) IsMapping() bool { return c.kind == operandMapping }

// Len returns the number of values c contributes.
func (c Columns) Len() int { return len(c.values) }

// sequenceValues is what c contributes to a concatenated row. A lone scalar
// is stringified.
func (c Columns) sequenceValues() []interface{} {
	if c.kind == operandScalar {
		return []interface{}{stringpool.ValueToString(c.values[0])}
	}
	return c.values
}

func (c Columns) titles() []string {
	switch c.kind {
	case operandMapping:
		return c.keys
	case operandSequence, operandScalar:
		return make([]string, len(c.values))
	default:
		return nil
	}
}

// Shape combines a raw value with the configured before and after columns
// into one Row.
//
// A mapping raw value merged with mapping (or absent) before/after columns
// stays a mapping, later keys overriding earlier ones. Anything else is
// concatenated into a sequence: mappings contribute their values, absent
// operands contribute nothing and a lone scalar before/after contributes
// itself as text. A scalar raw value is treated as a one-element sequence.
//
// The header is nil when raw is a sequence. Otherwise it lists mapping keys
// and an empty title for every sequence or scalar value.
func Shape(raw interface{}, before, after Columns) Row {
	data := ColumnsOf(raw)

	if data.kind == operandMapping && !isSequenceLike(before) && !isSequenceLike(after) {
		fields := make([]Field, 0, before.Len()+data.Len()+after.Len())
		for _, c := range [...]Columns{before, data, after} {
			for i, k := range c.keys {
				fields = append(fields, Field{Name: k, Value: c.values[i]})
			}
		}
		return NewMapping(fields...)
	}

	values := make([]interface{}, 0, before.Len()+data.Len()+after.Len())
	values = append(values, before.sequenceValues()...)
	values = append(values, data.values...)
	values = append(values, after.sequenceValues()...)

	row := Row{kind: KindSequence, values: values}
	if data.kind != operandSequence {
		var header []string
		for _, c := range [...]Columns{before, data, after} {
			header = append(header, c.titles()...)
		}
		row.header = header
	}
	return row
}

func isSequenceLike(c Columns) bool {
	return c.kind == operandSequence || c.kind == operandScalar
}

// Normalize converts a value into one of the representations destinations
// understand natively: nil, string, bool, int64, float64, time.Time or
// []byte. Nested collections become JSON text and anything else is
// stringified.
func Normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, string, bool, int64, time.Time:
		return t
	case float64:
		return normalizeFloat(t)
	case []byte:
		return append([]byte(nil), t...)
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint:
		return normalizeUint(uint64(t))
	case uint64:
		return normalizeUint(t)
	case float32:
		return normalizeFloat(float64(t))
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return t.String()
	case *time.Time:
		if t == nil {
			return nil
		}
		return *t
	case fmt.Stringer, error:
		return stringpool.ValueToString(t)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return Normalize(rv.Elem().Interface())
	}
	return stringpool.ValueToString(v)
}

func normalizeUint(u uint64) interface{} {
	if u > math.MaxInt64 {
		return stringpool.ValueToString(u)
	}
	return int64(u)
}

// normalizeFloat stringifies NaN and the infinities, which JSON cannot encode.
func normalizeFloat(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return stringpool.ValueToString(f)
	}
	return f
}
