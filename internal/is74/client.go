// Package is74 is the client for the intercom provider's REST API and its CRM
// push registration endpoints. The client holds no session state: tokens are
// passed in by the caller on every call.
package is74

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"intercom-bridge/internal/retry"
)

const (
	acceptHeader = "application/json; version=v2"
	maxBodySize  = 4 << 20
)

type Options struct {
	BaseURL   string
	CRMURL    string
	UserAgent string
	DeviceID  string
	Timeout   time.Duration
	// Retry applies to connection failures only. Timeouts and provider answers
	// are returned to the caller.
	Retry      retry.Policy
	HTTPClient *http.Client
}

type Client struct {
	baseURL   string
	crmURL    string
	userAgent string
	deviceID  string
	http      *http.Client
	retry     retry.Policy
	logger    *slog.Logger
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		crmURL:    strings.TrimRight(opts.CRMURL, "/"),
		userAgent: opts.UserAgent,
		deviceID:  opts.DeviceID,
		http:      httpClient,
		retry:     opts.Retry,
		logger:    slog.With("component", "is74"),
	}
}

func (c *Client) DeviceID() string { return c.deviceID }

type request struct {
	method string
	url    string
	query  url.Values
	json   any
	form   url.Values
	token  string
}

// Get issues a GET against the API base URL and decodes the JSON answer into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, token string, out any) error {
	return c.do(ctx, request{method: http.MethodGet, url: c.baseURL + path, query: query, token: token}, out)
}

// Post issues a JSON POST against the API base URL.
func (c *Client) Post(ctx context.Context, path string, payload any, token string, out any) error {
	return c.do(ctx, request{method: http.MethodPost, url: c.baseURL + path, json: payload, token: token}, out)
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	var (
		body        []byte
		contentType string
		err         error
	)
	switch {
	case r.form != nil:
		body = []byte(r.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case r.json != nil:
		if body, err = json.Marshal(r.json); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		contentType = "application/json"
	}

	target := r.url
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	return c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		err := c.once(ctx, r.method, target, body, contentType, r.token, out)
		var netErr *NetworkError
		if errors.As(err, &netErr) && !netErr.Timeout {
			c.logger.Warn("Provider request failed", "method", r.method, "url", Mask(target), "attempt", attempt, "error", err)
			return err
		}
		return retry.Permanent(err)
	})
}

func (c *Client) once(ctx context.Context, method, target string, body []byte, contentType, token string, out any) error {
	op := method + " " + Mask(target)

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", acceptHeader)
	if c.deviceID != "" {
		req.Header.Set("X-Device-Id", c.deviceID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Debug("Provider request",
		"method", method,
		"url", Mask(target),
		"headers", MaskHeaders(req.Header),
		"body", truncate(Mask(string(body)), maxLoggedBody),
	)

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Timeout: isTimeoutErr(err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &NetworkError{Op: op, Timeout: isTimeoutErr(err), Err: err}
	}

	c.logger.Debug("Provider response",
		"method", method,
		"url", Mask(target),
		"status", resp.StatusCode,
		"elapsed", time.Since(started),
		"body", truncate(Mask(string(data)), maxLoggedBody),
	)

	if resp.StatusCode >= 400 {
		return newAPIError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, op, err)
	}
	return nil
}
