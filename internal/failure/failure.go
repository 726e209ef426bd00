// Package failure defines the error kinds surfaced by the bridge. Every error
// returned to an API or CLI caller carries a stable Kind and a readable reason;
// provider payloads stay in the wrapped cause and only reach the logs.
package failure

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	AuthInvalidCredentials  Kind = "auth_invalid_credentials"
	AuthRateLimited         Kind = "auth_rate_limited"
	Auth2FARequired         Kind = "auth_2fa_required"
	Auth2FAInvalid          Kind = "auth_2fa_invalid"
	TokenRefreshFailed      Kind = "token_refresh_failed"
	PushTokenUnavailable    Kind = "push_token_unavailable"
	PushConnectionLost      Kind = "push_connection_lost"
	DeviceOffline           Kind = "device_offline"
	CommandFailed           Kind = "command_failed"
	CommandTimeout          Kind = "command_timeout"
	CallAcceptFailed        Kind = "call_accept_failed"
	StorageEncryptionFailed Kind = "storage_encryption_failed"
	StorageDecryptionFailed Kind = "storage_decryption_failed"
	MessageParseError       Kind = "message_parse_error"

	Unauthenticated     Kind = "unauthenticated"
	DeviceNotFound      Kind = "device_not_found"
	SessionNotFound     Kind = "session_not_found"
	InvalidRequest      Kind = "invalid_request"
	ProviderUnavailable Kind = "provider_unavailable"
)

type Error struct {
	Kind   Kind
	Reason string

	// Set for AuthRateLimited and for the failure that triggers a lockout.
	RetryAfter time.Duration
	// Set for Auth2FAInvalid.
	AttemptsRemaining int
	// Set for Auth2FARequired.
	SessionID string

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       AuthRateLimited,
		Reason:     fmt.Sprintf("too many failed attempts, retry in %d seconds", int(retryAfter.Round(time.Second).Seconds())),
		RetryAfter: retryAfter,
	}
}

func InvalidCode(remaining int) *Error {
	reason := fmt.Sprintf("invalid confirmation code, %d attempts remaining", remaining)
	if remaining <= 0 {
		reason = "invalid confirmation code, login is locked"
	}
	return &Error{Kind: Auth2FAInvalid, Reason: reason, AttemptsRemaining: remaining}
}

func CodeRequired(sessionID string) *Error {
	return &Error{Kind: Auth2FARequired, Reason: "confirmation code sent", SessionID: sessionID}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Reason returns a caller-safe description of err.
func Reason(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return "internal error"
}
