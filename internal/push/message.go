package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"intercom-bridge/internal/failure"
	"intercom-bridge/internal/models"
)

// ErrNotCall is returned for well-formed messages that are not incoming calls.
var ErrNotCall = errors.New("push: not a call message")

var callTypes = map[string]bool{
	"call":          true,
	"incoming_call": true,
	"intercom_call": true,
	"domofon_call":  true,
}

// ParseCallEvent decodes a push message. Fields may be at the top level or
// nested under "data".
func ParseCallEvent(raw []byte, now time.Time) (models.CallEvent, error) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.CallEvent{}, failure.Wrap(failure.MessageParseError, "push message is not valid JSON", err)
	}

	fields := make(map[string]any, len(msg))
	for k, v := range msg {
		fields[k] = v
	}
	if data, ok := msg["data"].(map[string]any); ok {
		for k, v := range data {
			if _, exists := fields[k]; !exists {
				fields[k] = v
			}
		}
	}

	kind := strings.ToLower(str(fields, "type", "event", "action"))
	if kind != "" && !callTypes[kind] {
		return models.CallEvent{}, ErrNotCall
	}

	ev := models.CallEvent{
		CallID:      str(fields, "callId", "call_id", "id", "uuid"),
		DeviceID:    str(fields, "deviceId", "device_id", "mac", "MAC_ADDR"),
		RelayID:     str(fields, "relayId", "relay_id", "RELAY_ID"),
		Address:     str(fields, "address", "ADDRESS"),
		SnapshotURL: str(fields, "snapshot_url", "snapshotUrl", "image", "imageUrl"),
	}
	if kind == "" && ev.CallID == "" {
		return models.CallEvent{}, ErrNotCall
	}
	if ev.CallID == "" {
		return models.CallEvent{}, failure.New(failure.MessageParseError, "call message has no call id")
	}
	if ev.DeviceID == "" && ev.RelayID == "" {
		return models.CallEvent{}, failure.New(failure.MessageParseError, "call message has no device")
	}

	ts, err := timestamp(fields["timestamp"], now)
	if err != nil {
		return models.CallEvent{}, failure.Wrap(failure.MessageParseError, "call message has an invalid timestamp", err)
	}
	ev.Timestamp = ts
	return ev, nil
}

func str(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := fields[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// timestamp accepts unix seconds, unix milliseconds or RFC 3339. A missing
// value means the message was just received.
func timestamp(v any, now time.Time) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return now, nil
	case float64:
		if t > 1e12 {
			return time.UnixMilli(int64(t)), nil
		}
		return time.Unix(int64(t), 0), nil
	case string:
		if t == "" {
			return now, nil
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return timestamp(float64(n), now)
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", t)
	}
	return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
}
