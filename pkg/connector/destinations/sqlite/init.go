package sqlite

import (
	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/connector/registry"
)

func init() {
	registry.MustRegister(registry.AdapterInfo{
		Format:       core.FormatDB,
		Description:  "SQLite database; tables created and widened from mapping rows, one transaction per flush",
		Extensions:   []string{".db", ".sqlite", ".sqlite3"},
		Capabilities: []string{"tables", "schema_evolution", "atomic"},
	}, NewSQLiteDestination)
}
