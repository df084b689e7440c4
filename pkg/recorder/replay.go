package recorder

import (
	"context"

	"github.com/g1879/datarecorder/internal/pipeline"
	"github.com/g1879/datarecorder/pkg/connector/base"
	jsonpool "github.com/g1879/datarecorder/pkg/json"
	"github.com/g1879/datarecorder/pkg/models"
	"github.com/g1879/datarecorder/pkg/recerrors"
	"go.uber.org/zap"
)

// Replay buffers the rows of a fallback file written by Close. Rows were
// shaped before they were spilled, so the configured prefix and suffix are
// not applied again. A spilled table name is kept for db destinations.
// Replay returns the number of rows buffered.
func (r *Recorder) Replay(ctx context.Context, fallbackPath string) (int, error) {
	rows := 0
	err := pipeline.ReadFallback(fallbackPath, func(entry pipeline.FallbackEntry[jsonpool.RawMessage]) error {
		value, err := models.ParseValue(entry.Item)
		if err != nil {
			return recerrors.Wrap(err, recerrors.ErrorTypeData, "failed to parse spilled row").
				WithDetail("flush_id", entry.FlushID)
		}
		if err := r.add(ctx, entry.Key, false, []interface{}{value}); err != nil {
			return err
		}
		rows++
		return nil
	})
	r.logger.Info("fallback replayed",
		zap.String("fallback", fallbackPath),
		zap.Int("rows", rows),
		zap.Error(err))
	return rows, err
}

// ErrorStats returns counts of write errors by class since the recorder
// was created
func (r *Recorder) ErrorStats() base.ErrorStats {
	return r.coord.ErrorStats()
}
