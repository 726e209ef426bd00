package models

import "time"

type DeviceStatus string

const (
	DeviceUnknown DeviceStatus = "unknown"
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

type LockState string

const (
	Locked   LockState = "locked"
	Unlocked LockState = "unlocked"
)

// Device is an intercom relay as listed by the provider.
type Device struct {
	ID         string       `json:"id"`
	MAC        string       `json:"mac"`
	RelayID    int64        `json:"relay_id"`
	RelayNum   int          `json:"relay_num"`
	Name       string       `json:"name"`
	Address    string       `json:"address"`
	Entrance   string       `json:"entrance,omitempty"`
	Flat       string       `json:"flat,omitempty"`
	BuildingID int64        `json:"building_id,omitempty"`
	Reachable  bool         `json:"reachable"` // provider-reported status
	Status     DeviceStatus `json:"status"`
	Lock       LockState    `json:"lock"`
	LastSeen   time.Time    `json:"last_seen,omitzero"`
}

// CallEvent is an incoming call parsed from the push channel.
type CallEvent struct {
	CallID      string    `json:"call_id"`
	DeviceID    string    `json:"device_id"`
	RelayID     string    `json:"relay_id,omitempty"`
	Address     string    `json:"address,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	SnapshotURL string    `json:"snapshot_url,omitempty"`
}

type AudioEndpoint struct {
	URL   string `json:"url"`
	Codec string `json:"codec,omitempty"`
}

type CallSession struct {
	ID        string        `json:"session_id"`
	CallID    string        `json:"call_id"`
	DeviceID  string        `json:"device_id"`
	Audio     AudioEndpoint `json:"audio"`
	StartedAt time.Time     `json:"started_at"`
}

type EventType string

const (
	EventCall         EventType = "call"
	EventDoorOpen     EventType = "door_open"
	EventAutoOpen     EventType = "auto_open"
	EventCallAccepted EventType = "call_accepted"
	EventCallEnded    EventType = "call_ended"
	EventError        EventType = "error"
)

func (t EventType) Valid() bool {
	switch t {
	case EventCall, EventDoorOpen, EventAutoOpen, EventCallAccepted, EventCallEnded, EventError:
		return true
	}
	return false
}

// Event is an append-only event log entry.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// EventFilter narrows a history query. Zero values match everything.
type EventFilter struct {
	Type     EventType
	DeviceID string
}

func (f EventFilter) Match(e Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.DeviceID != "" && e.DeviceID != f.DeviceID {
		return false
	}
	return true
}
