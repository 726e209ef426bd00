package is74

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const accessEndLayout = "2006-01-02 15:04:05"

// Account is an address the phone number has access to.
type Account struct {
	UserID  int64
	Address string
}

type Confirmation struct {
	AuthID   string
	Accounts []Account
}

// Grant is an access token issued for an account.
type Grant struct {
	AccessToken string
	UserID      int64
	ProfileID   int64
	ExpiresAt   time.Time
}

// RequestCode asks the provider to send an SMS code to phone and returns the
// auth id of the attempt when the provider issues one.
func (c *Client) RequestCode(ctx context.Context, phone string) (string, error) {
	var resp struct {
		AuthID String `json:"authId"`
	}
	payload := map[string]string{"deviceId": c.deviceID, "phone": phone}
	if err := c.Post(ctx, "/mobile/auth/get-confirm", payload, "", &resp); err != nil {
		return "", err
	}
	return string(resp.AuthID), nil
}

// CheckCode exchanges an SMS code for an auth id and the accounts behind the phone.
func (c *Client) CheckCode(ctx context.Context, phone, code, authID string) (Confirmation, error) {
	form := url.Values{}
	form.Set("phone", phone)
	form.Set("confirmCode", code)
	if authID != "" {
		form.Set("authId", authID)
	}

	var resp struct {
		AuthID    String `json:"authId"`
		Addresses []struct {
			UserID  Int    `json:"USER_ID"`
			Address string `json:"ADDRESS"`
		} `json:"addresses"`
	}
	r := request{method: http.MethodPost, url: c.baseURL + "/mobile/auth/check-confirm", form: form}
	if err := c.do(ctx, r, &resp); err != nil {
		return Confirmation{}, err
	}

	conf := Confirmation{AuthID: string(resp.AuthID)}
	if conf.AuthID == "" {
		conf.AuthID = authID
	}
	for _, a := range resp.Addresses {
		conf.Accounts = append(conf.Accounts, Account{UserID: int64(a.UserID), Address: a.Address})
	}
	return conf, nil
}

// GetToken issues an access token for userID. Calling it again with the same
// auth id refreshes the token.
func (c *Client) GetToken(ctx context.Context, authID string, userID int64) (Grant, error) {
	form := url.Values{}
	form.Set("authId", authID)
	form.Set("userId", strconv.FormatInt(userID, 10))
	form.Set("uniqueDeviceId", c.deviceID)

	var resp struct {
		Token     string `json:"TOKEN"`
		UserID    Int    `json:"USER_ID"`
		ProfileID Int    `json:"PROFILE_ID"`
		AccessEnd string `json:"ACCESS_END"`
	}
	r := request{method: http.MethodPost, url: c.baseURL + "/mobile/auth/get-token", form: form}
	if err := c.do(ctx, r, &resp); err != nil {
		return Grant{}, err
	}
	if resp.Token == "" {
		return Grant{}, fmt.Errorf("%w: token answer without TOKEN", ErrMalformedResponse)
	}

	grant := Grant{
		AccessToken: resp.Token,
		UserID:      int64(resp.UserID),
		ProfileID:   int64(resp.ProfileID),
	}
	if grant.UserID == 0 {
		grant.UserID = userID
	}
	expires, err := time.ParseInLocation(accessEndLayout, resp.AccessEnd, time.Local)
	if err != nil {
		c.logger.Warn("Unparseable token expiry, assuming one year", "access_end", resp.AccessEnd)
		expires = time.Now().AddDate(1, 0, 0)
	}
	grant.ExpiresAt = expires
	return grant, nil
}
