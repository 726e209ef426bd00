package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"intercom-bridge/internal/clock"
)

func TestDelayDoublesUpToCap(t *testing.T) {
	p := Policy{Base: time.Second, Cap: time.Minute}
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, time.Minute, time.Minute,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestDelayStrictlyIncreasesBelowCap(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 60 * time.Second}
	prev := time.Duration(0)
	for attempt := 1; p.Delay(attempt) < p.Cap; attempt++ {
		d := p.Delay(attempt)
		if d <= prev {
			t.Fatalf("delay did not increase at attempt %d: %v <= %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	calls := 0
	boom := errors.New("boom")
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	p := Policy{MaxAttempts: 5}
	calls := 0
	boom := errors.New("rejected")
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(boom)
	})
	if err != boom {
		t.Fatalf("expected unwrapped error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected single call, got %d", calls)
	}
}

func TestDoWaitsOnClock(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	p := Policy{MaxAttempts: 3, Base: time.Second, Cap: 4 * time.Second, Clock: clk}

	attempts := make(chan int, 3)
	done := make(chan error, 1)
	go func() {
		done <- p.Do(context.Background(), func(ctx context.Context, attempt int) error {
			attempts <- attempt
			if attempt < 3 {
				return errors.New("try again")
			}
			return nil
		})
	}()

	<-attempts
	if !clk.WaitForTimers(1, time.Second) {
		t.Fatalf("first backoff not scheduled")
	}
	clk.Advance(time.Second)
	<-attempts
	if !clk.WaitForTimers(1, time.Second) {
		t.Fatalf("second backoff not scheduled")
	}
	clk.Advance(2 * time.Second)
	<-attempts

	if err := <-done; err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestSleepHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	clk := clock.NewManual(time.Unix(0, 0))
	if err := Sleep(ctx, clk, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
