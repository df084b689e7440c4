package json

import (
	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/connector/registry"
)

func init() {
	registry.MustRegister(registry.AdapterInfo{
		Format:       core.FormatJSON,
		Description:  "JSON array file, rewritten atomically on every flush",
		Extensions:   []string{".json"},
		Capabilities: []string{"atomic", "ordered_keys", "encoding"},
	}, NewJSONDestination)
}
