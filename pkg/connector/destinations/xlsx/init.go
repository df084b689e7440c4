package xlsx

import (
	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/connector/registry"
)

func init() {
	registry.MustRegister(registry.AdapterInfo{
		Format:       core.FormatXLSX,
		Description:  "Excel workbook, rows appended to the active or named sheet",
		Extensions:   []string{".xlsx"},
		Capabilities: []string{"append", "header", "set_head", "sheets", "atomic"},
	}, NewXLSXDestination)
}
