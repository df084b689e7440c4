package txt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTXTDestination_Write(t *testing.T) {
	dest := core.Destination{Path: filepath.Join(t.TempDir(), "log.txt")}
	adapter, err := NewTXTDestination()
	require.NoError(t, err)
	assert.Equal(t, core.FormatTXT, adapter.Format())

	rows := []models.Row{
		models.NewSequence("a", 1),
		models.NewMapping(models.Field{Name: "k", Value: "v"}, models.Field{Name: "n", Value: nil}),
	}
	require.NoError(t, adapter.Write(context.Background(), dest, []models.Batch{{Rows: rows}}))
	require.NoError(t, adapter.Write(context.Background(), dest, []models.Batch{{Rows: rows[:1]}}))

	data, err := os.ReadFile(dest.Path)
	require.NoError(t, err)
	assert.Equal(t, "[\"a\",1]\n{\"k\":\"v\",\"n\":null}\n[\"a\",1]\n", string(data))
}

func TestTXTDestination_CancelledContext(t *testing.T) {
	dest := core.Destination{Path: filepath.Join(t.TempDir(), "log.txt")}
	adapter, err := NewTXTDestination()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = adapter.Write(ctx, dest, []models.Batch{{Rows: []models.Row{models.NewSequence(1)}}})
	assert.ErrorIs(t, err, context.Canceled)
}
