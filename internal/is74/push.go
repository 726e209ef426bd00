package is74

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const (
	pushAppID     = "com.intersvyaz.lk"
	pushBuyerID   = "1"
	pushAlertType = "push"
)

// PushToken exchanges an access token for a CRM token and registers this
// bridge as a push receiver with it. The CRM token authenticates the push
// channel connection.
func (c *Client) PushToken(ctx context.Context, accessToken string) (string, error) {
	form := url.Values{}
	form.Set("token", accessToken)
	form.Set("buyerId", pushBuyerID)

	var auth struct {
		Token string `json:"TOKEN"`
	}
	r := request{method: http.MethodPost, url: c.crmURL + "/api/auth-lk", form: form}
	if err := c.do(ctx, r, &auth); err != nil {
		return "", err
	}
	if auth.Token == "" {
		return "", fmt.Errorf("%w: CRM answer without TOKEN", ErrMalformedResponse)
	}

	registration := map[string]any{
		"alertType":   pushAlertType,
		"appId":       pushAppID,
		"deviceId":    c.deviceID,
		"deviceName":  "intercom-bridge",
		"platform":    "websocket",
		"pushToken":   auth.Token,
		"sendingPush": true,
	}
	r = request{method: http.MethodPut, url: c.crmURL + "/api/user-device", json: registration, token: auth.Token}
	if err := c.do(ctx, r, nil); err != nil {
		return "", err
	}
	return auth.Token, nil
}
