package is74

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Relay is a door relay the account can open.
type Relay struct {
	MAC        string
	RelayID    int64
	RelayNum   int
	Name       string
	Address    string
	Entrance   string
	Flat       string
	BuildingID int64
	Status     RelayStatus
}

type RelayStatus string

const (
	// RelayUnknown is used when the listing carries no status field.
	RelayUnknown RelayStatus = "unknown"
	RelayOnline  RelayStatus = "online"
	RelayOffline RelayStatus = "offline"
)

type relayItem struct {
	MacAddr    string `json:"MAC_ADDR"`
	Mac        string `json:"MAC"`
	ID         String `json:"id"`
	RelayID    Int    `json:"RELAY_ID"`
	RelayNum   Int    `json:"RELAY_NUM"`
	RelayType  string `json:"RELAY_TYPE"`
	RelayDescr string `json:"RELAY_DESCR"`
	Name       string `json:"NAME"`
	Address    string `json:"ADDRESS"`
	BuildingID Int    `json:"BUILDING_ID"`
	Entrance   String `json:"ENTRANCE_UID"`
	Flat       String `json:"FLAT"`
	StatusCode String `json:"STATUS_CODE"`
	StatusText string `json:"STATUS_TEXT"`
	// Matches "status" too; encoding/json keys are case-insensitive.
	Status     String `json:"STATUS"`
	Opener     *struct {
		RelayID  Int `json:"relay_id"`
		RelayNum Int `json:"relay_num"`
	} `json:"OPENER"`
}

func (it relayItem) relay() Relay {
	r := Relay{
		MAC:        firstNonEmpty(it.MacAddr, it.Mac, string(it.ID)),
		RelayID:    int64(it.RelayID),
		RelayNum:   int(it.RelayNum),
		Name:       firstNonEmpty(it.RelayType, it.RelayDescr, it.Name, it.Address),
		Address:    it.Address,
		Entrance:   string(it.Entrance),
		Flat:       string(it.Flat),
		BuildingID: int64(it.BuildingID),
		Status:     it.status(),
	}
	if it.Opener != nil {
		if it.Opener.RelayID != 0 {
			r.RelayID = int64(it.Opener.RelayID)
		}
		if it.Opener.RelayNum != 0 {
			r.RelayNum = int(it.Opener.RelayNum)
		}
	}
	if r.RelayNum == 0 {
		r.RelayNum = 1
	}
	return r
}

// status combines the status fields of a listing item. Any field reporting
// the relay as up wins; a relay with no status field at all is unknown.
func (it relayItem) status() RelayStatus {
	reported := false
	if code := strings.TrimSpace(string(it.StatusCode)); code != "" {
		if code == "0" {
			return RelayOnline
		}
		reported = true
	}
	for _, text := range []string{it.StatusText, string(it.Status)} {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if strings.EqualFold(text, "OK") || strings.EqualFold(text, "online") {
			return RelayOnline
		}
		if !strings.EqualFold(text, "unknown") {
			reported = true
		}
	}
	if reported {
		return RelayOffline
	}
	return RelayUnknown
}

// ListRelays returns the relays of the account. Shared relays are listed
// first; when there are none the main relays are asked for instead.
func (c *Client) ListRelays(ctx context.Context, token string) ([]Relay, error) {
	query := url.Values{}
	query.Set("pagination", "1")
	query.Set("pageSize", "30")
	query.Set("page", "1")
	query.Set("isShared", "1")

	relays, err := c.listRelays(ctx, token, query)
	if err != nil {
		return nil, err
	}
	if len(relays) > 0 {
		return relays, nil
	}

	c.logger.Debug("No shared relays, listing main relays")
	query.Set("isShared", "0")
	query.Set("mainFirst", "1")
	return c.listRelays(ctx, token, query)
}

func (c *Client) listRelays(ctx context.Context, token string, query url.Values) ([]Relay, error) {
	var raw json.RawMessage
	if err := c.Get(ctx, "/domofon/relays", query, token, &raw); err != nil {
		return nil, err
	}

	var items []relayItem
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0:
	case raw[0] == '[':
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: relays: %v", ErrMalformedResponse, err)
		}
	default:
		var page struct {
			Items []relayItem `json:"items"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("%w: relays: %v", ErrMalformedResponse, err)
		}
		items = page.Items
	}

	relays := make([]Relay, 0, len(items))
	for _, it := range items {
		relays = append(relays, it.relay())
	}
	return relays, nil
}

// OpenRelay opens the door behind relayID.
func (c *Client) OpenRelay(ctx context.Context, token string, relayID int64) error {
	path := fmt.Sprintf("/domofon/relays/%d/open?from=app", relayID)
	return c.Post(ctx, path, map[string]any{}, token, nil)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
