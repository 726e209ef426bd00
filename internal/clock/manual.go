package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a clock that only moves when Advance is called. Callbacks registered
// with AfterFunc run synchronously on the goroutine calling Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	m    *Manual
	at   time.Time
	fn   func()
	ch   chan time.Time
	done bool
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.schedule(d, nil, ch)
	return ch
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	return m.schedule(d, f, nil)
}

func (m *Manual) schedule(d time.Duration, fn func(), ch chan time.Time) *manualTimer {
	m.mu.Lock()
	t := &manualTimer{m: m, at: m.now.Add(d), fn: fn, ch: ch}
	if d > 0 {
		m.timers = append(m.timers, t)
		m.mu.Unlock()
		return t
	}
	t.done = true
	now := m.now
	m.mu.Unlock()
	t.fire(now)
	return t
}

// Advance moves the clock forward and fires every timer that became due, in
// deadline order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var due, pending []*manualTimer
	for _, t := range m.timers {
		if t.at.After(now) {
			pending = append(pending, t)
			continue
		}
		t.done = true
		due = append(due, t)
	}
	m.timers = pending
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fire(now)
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// WaitForTimers blocks until at least n timers are pending or the real-time
// limit passes. It reports whether the count was reached.
func (m *Manual) WaitForTimers(n int, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for {
		if m.Pending() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func (t *manualTimer) fire(now time.Time) {
	if t.fn != nil {
		t.fn()
		return
	}
	t.ch <- now
}

func (t *manualTimer) Stop() bool {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	for i, other := range m.timers {
		if other == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			break
		}
	}
	return true
}
