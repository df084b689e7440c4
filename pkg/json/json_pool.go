// Package json provides JSON serialization backed by goccy/go-json with
// pooled buffers, plus a streaming array/lines encoder.
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

// RawMessage is a raw encoded JSON value.
type RawMessage = gojson.RawMessage

// Number is a JSON number literal kept as text.
type Number = gojson.Number

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// GetBuffer gets a pooled bytes.Buffer
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1024*1024 {
		return
	}
	bufferPool.Put(buf)
}

// newEncoder returns an encoder writing to w with HTML escaping disabled
func newEncoder(w io.Writer) *gojson.Encoder {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

// GetDecoder returns a decoder reading from r that keeps numbers as Number
func GetDecoder(r io.Reader) *gojson.Decoder {
	dec := gojson.NewDecoder(r)
	dec.UseNumber()
	return dec
}

// Marshal is a drop-in replacement for encoding/json.Marshal without HTML escaping
func Marshal(v interface{}) ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if err := newEncoder(buf).Encode(v); err != nil {
		return nil, err
	}

	out := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

// Unmarshal is a drop-in replacement for encoding/json.Unmarshal
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// StreamingEncoder writes values either as one JSON array or as JSON lines
type StreamingEncoder struct {
	writer      io.Writer
	firstRecord bool
	isArray     bool
	closed      bool
	err         error
}

// NewStreamingEncoder creates a streaming encoder. In array mode the opening
// bracket is written immediately.
func NewStreamingEncoder(w io.Writer, isArray bool) *StreamingEncoder {
	se := &StreamingEncoder{
		writer:      w,
		firstRecord: true,
		isArray:     isArray,
	}
	if isArray {
		se.write([]byte{'['})
	}
	return se
}

func (se *StreamingEncoder) write(p []byte) {
	if se.err != nil {
		return
	}
	_, se.err = se.writer.Write(p)
}

// Encode encodes a single value
func (se *StreamingEncoder) Encode(v interface{}) error {
	data, err := Marshal(v)
	if err != nil {
		return err
	}
	return se.EncodeRaw(data)
}

// EncodeRaw writes an already encoded value
func (se *StreamingEncoder) EncodeRaw(data []byte) error {
	if se.isArray && !se.firstRecord {
		se.write([]byte{','})
	}
	se.firstRecord = false
	se.write(data)
	if !se.isArray {
		se.write([]byte{'\n'})
	}
	return se.err
}

// Close finalizes the encoding
func (se *StreamingEncoder) Close() error {
	if se.closed {
		return se.err
	}
	se.closed = true
	if se.isArray {
		se.write([]byte{']'})
	}
	return se.err
}
