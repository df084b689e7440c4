package csv

import (
	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/connector/registry"
)

func init() {
	registry.MustRegister(registry.AdapterInfo{
		Format:       core.FormatCSV,
		Description:  "Delimited text, appended; header written when the file is created",
		Extensions:   []string{".csv"},
		Capabilities: []string{"append", "header", "set_head", "align", "encoding", "custom_quote"},
	}, NewCSVDestination)
}
