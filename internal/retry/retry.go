// Package retry holds the backoff policy shared by provider calls, token
// refresh, push token acquisition, push reconnects and door commands.
package retry

import (
	"context"
	"errors"
	"time"

	"intercom-bridge/internal/clock"
)

// Policy retries an operation up to MaxAttempts times (zero means no limit),
// waiting Base, 2*Base, 4*Base... between attempts, never longer than Cap.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Clock       clock.Clock
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Delay returns the wait before the attempt following the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// Do runs fn until it succeeds, returns a Permanent error, the attempt budget is
// spent or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}

		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return err
		}
		if werr := Sleep(ctx, p.Clock, p.Delay(attempt)); werr != nil {
			return err
		}
	}
}

// Sleep waits for d on clk, returning early with ctx.Err() when ctx is done.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.Or(clk).After(d):
		return nil
	}
}
