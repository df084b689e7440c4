package txt

import (
	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/connector/registry"
)

func init() {
	registry.MustRegister(registry.AdapterInfo{
		Format:       core.FormatTXT,
		Description:  "Line text, one JSON document per row, appended",
		Extensions:   []string{".txt"},
		Capabilities: []string{"append", "encoding"},
	}, NewTXTDestination)
}
