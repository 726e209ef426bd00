package is74

import (
	"context"
	"fmt"
	"net/url"
)

// CallAnswer is the provider's answer to an accepted call.
type CallAnswer struct {
	SessionID string
	AudioURL  string
	Codec     string
}

func (c *Client) AcceptCall(ctx context.Context, token, callID string, relayID int64) (CallAnswer, error) {
	payload := map[string]any{}
	if relayID != 0 {
		payload["relayId"] = relayID
	}

	var resp struct {
		SessionID String `json:"SESSION_ID"`
		AudioURL  string `json:"AUDIO_URL"`
		SIPURI    string `json:"SIP_URI"`
		Codec     string `json:"CODEC"`
	}
	path := fmt.Sprintf("/domofon/calls/%s/accept", url.PathEscape(callID))
	if err := c.Post(ctx, path, payload, token, &resp); err != nil {
		return CallAnswer{}, err
	}
	return CallAnswer{
		SessionID: string(resp.SessionID),
		AudioURL:  firstNonEmpty(resp.AudioURL, resp.SIPURI),
		Codec:     resp.Codec,
	}, nil
}

func (c *Client) EndCall(ctx context.Context, token, sessionID string) error {
	path := fmt.Sprintf("/domofon/calls/sessions/%s/end", url.PathEscape(sessionID))
	return c.Post(ctx, path, map[string]any{}, token, nil)
}
