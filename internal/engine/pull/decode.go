package pull

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/reconcile/internal/engine/model"
	"github.com/marcus/reconcile/internal/engine/remoteclient"
)

func decodeRow(table string, row remoteclient.Row) (*model.Record, error) {
	fields := make(map[string]any)
	if len(row.Fields) > 0 {
		if err := json.Unmarshal(row.Fields, &fields); err != nil {
			return nil, fmt.Errorf("decode row %s/%s: %w", table, row.ID, err)
		}
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, row.UpdatedAt)
	if err != nil {
		updatedAt, err = time.Parse(time.RFC3339, row.UpdatedAt)
		if err != nil {
			updatedAt = time.Time{}
		}
	}
	return &model.Record{
		ID:        row.ID,
		Table:     table,
		Fields:    fields,
		UpdatedAt: updatedAt,
		Deleted:   row.Deleted,
		Version:   row.Version,
		DeviceID:  row.DeviceID,
	}, nil
}
