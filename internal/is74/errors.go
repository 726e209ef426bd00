package is74

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"intercom-bridge/internal/failure"
)

var ErrMalformedResponse = errors.New("malformed provider response")

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Message    string // Provider's reason, safe to show to callers
	Body       string // Masked and truncated, for logs only
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("is74: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("is74: status %d", e.StatusCode)
}

// NetworkError is a transport level failure: the request did not produce a
// response.
type NetworkError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("is74: %s: timeout: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("is74: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: status,
		Body:       truncate(Mask(string(body)), maxLoggedBody),
	}

	var payload map[string]any
	if json.Unmarshal(body, &payload) == nil {
		for _, key := range []string{"message", "MESSAGE", "error", "errorMessage", "detail"} {
			if s, ok := payload[key].(string); ok && s != "" {
				apiErr.Message = Mask(s)
				break
			}
		}
	}
	return apiErr
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsTimeout reports whether err is a provider call that ran out of time.
func IsTimeout(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) && netErr.Timeout
}

// IsRejected reports whether the provider answered with a client error.
func IsRejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// Classify turns a provider failure into a caller-facing error of the given
// kind. Transport failures become ProviderUnavailable; the provider's own
// reason is kept when it gave one.
func Classify(kind failure.Kind, reason string, err error) error {
	if err == nil {
		return nil
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) && !netErr.Timeout {
		return failure.Wrap(failure.ProviderUnavailable, "intercom provider is unreachable", err)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		reason = strings.TrimSuffix(reason, ".") + ": " + apiErr.Message
	}
	return failure.Wrap(kind, reason, err)
}
