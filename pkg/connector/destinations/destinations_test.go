package destinations

import (
	"testing"

	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/connector/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllFormatsRegistered(t *testing.T) {
	assert.True(t, Supported())
	assert.ElementsMatch(t, core.Formats, registry.List())
}

func TestResolveByExtension(t *testing.T) {
	tests := []struct {
		path string
		want core.Format
	}{
		{"out.xlsx", core.FormatXLSX},
		{"out.CSV", core.FormatCSV},
		{"out.txt", core.FormatTXT},
		{"out.json", core.FormatJSON},
		{"out.db", core.FormatDB},
		{"out.sqlite3", core.FormatDB},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			format, adapter, err := registry.Resolve(tt.path, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, format)
			assert.Equal(t, tt.want, adapter.Format())
		})
	}
}
