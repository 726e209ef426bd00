package storage

import (
	"encoding/json"
	"time"

	"intercom-bridge/internal/models"
)

type secretRow struct {
	Name      string `db:"name"`
	Blob      []byte `db:"blob"`
	UpdatedAt int64  `db:"updated_at"`
}

type eventRow struct {
	Seq       int64  `db:"seq"`
	ID        string `db:"id"`
	Type      string `db:"type"`
	DeviceID  string `db:"device_id"`
	Timestamp int64  `db:"ts"` // unix nanoseconds
	Metadata  string `db:"metadata"`
}

func newEventRow(ev models.Event) (eventRow, error) {
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return eventRow{}, err
	}
	return eventRow{
		ID:        ev.ID,
		Type:      string(ev.Type),
		DeviceID:  ev.DeviceID,
		Timestamp: ev.Timestamp.UnixNano(),
		Metadata:  string(data),
	}, nil
}

func (r eventRow) event() (models.Event, error) {
	ev := models.Event{
		ID:        r.ID,
		Type:      models.EventType(r.Type),
		DeviceID:  r.DeviceID,
		Timestamp: time.Unix(0, r.Timestamp),
		Metadata:  map[string]any{},
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &ev.Metadata); err != nil {
			return models.Event{}, err
		}
	}
	return ev, nil
}
