// Package destinations links every built-in format adapter into the binary.
// Importing it registers xlsx, csv, txt, json and db with the adapter
// registry.
package destinations

import (
	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/connector/registry"

	// Import all destination adapters to trigger init() registration
	_ "github.com/g1879/datarecorder/pkg/connector/destinations/csv"
	_ "github.com/g1879/datarecorder/pkg/connector/destinations/json"
	_ "github.com/g1879/datarecorder/pkg/connector/destinations/sqlite"
	_ "github.com/g1879/datarecorder/pkg/connector/destinations/txt"
	_ "github.com/g1879/datarecorder/pkg/connector/destinations/xlsx"
)

// Supported reports whether an adapter is registered for every format the
// recorder knows about.
func Supported() bool {
	for _, f := range core.Formats {
		if !registry.Has(f) {
			return false
		}
	}
	return true
}
