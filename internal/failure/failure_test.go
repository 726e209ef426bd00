package failure

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOfWrapped(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("open door: %w", Wrap(CommandFailed, "relay rejected", cause))

	if KindOf(err) != CommandFailed {
		t.Fatalf("expected %s, got %s", CommandFailed, KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost in chain")
	}
	if Reason(err) != "relay rejected" {
		t.Fatalf("unexpected reason %q", Reason(err))
	}
}

func TestReasonHidesUnknownErrors(t *testing.T) {
	if Reason(errors.New("sql: database is locked")) != "internal error" {
		t.Fatalf("raw error leaked as reason")
	}
	if KindOf(nil) != "" {
		t.Fatalf("nil error must have no kind")
	}
}

func TestRateLimited(t *testing.T) {
	err := RateLimited(299600 * time.Millisecond)
	if err.RetryAfter != 299600*time.Millisecond {
		t.Fatalf("retry-after not kept")
	}
	if err.Reason != "too many failed attempts, retry in 300 seconds" {
		t.Fatalf("unexpected reason %q", err.Reason)
	}
}

func TestInvalidCode(t *testing.T) {
	if got := InvalidCode(2); got.AttemptsRemaining != 2 || got.Kind != Auth2FAInvalid {
		t.Fatalf("unexpected %+v", got)
	}
	if got := InvalidCode(0); got.Reason != "invalid confirmation code, login is locked" {
		t.Fatalf("unexpected reason %q", got.Reason)
	}
}
