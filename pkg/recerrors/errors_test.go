package recerrors

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without cause",
			err:  New(ErrorTypeConfig, "no destination configured"),
			want: "config: no destination configured",
		},
		{
			name: "with cause",
			err:  Wrap(io.ErrUnexpectedEOF, ErrorTypeFile, "failed to read destination"),
			want: "file: failed to read destination: unexpected EOF",
		},
		{
			name: "formatted",
			err:  Newf(ErrorTypeSchemaWidth, "row has %d values, table %q has %d columns", 3, "t", 2),
			want: `schema_width: row has 3 values, table "t" has 2 columns`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.NotEmpty(t, tt.err.Stack)
		})
	}
}

func TestWrap_NilAndStack(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeFile, "ignored"))

	inner := New(ErrorTypeLock, "locked")
	outer := Wrap(inner, ErrorTypeData, "aborted")
	require.NotNil(t, outer)
	assert.Equal(t, inner.Stack, outer.Stack)
	assert.True(t, errors.Is(outer, inner))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeValidation, "bad seek").WithDetail("seek", -1).WithDetail("path", "a.bin")
	assert.Equal(t, map[string]interface{}{"seek": -1, "path": "a.bin"}, err.Details)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"lock", New(ErrorTypeLock, "x"), true},
		{"wrapped lock outer data", Wrap(New(ErrorTypeLock, "x"), ErrorTypeData, "y"), false},
		{"schema width", New(ErrorTypeSchemaWidth, "x"), false},
		{"plain error", io.EOF, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, ErrorTypeTeardown, TypeOf(New(ErrorTypeTeardown, "closing")))
	assert.Equal(t, ErrorTypeInternal, TypeOf(io.EOF))
}
