package device

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"intercom-bridge/internal/clock"
	"intercom-bridge/internal/failure"
	"intercom-bridge/internal/is74"
	"intercom-bridge/internal/models"
	"intercom-bridge/internal/retry"
)

type fakeProvider struct {
	mu        sync.Mutex
	relays    []is74.Relay
	listCalls int
	openCalls int
	openErrs  []error
	acceptErr error
	endErr    error
	endCalls  int
	listErr   error
}

func (p *fakeProvider) ListRelays(ctx context.Context, token string) ([]is74.Relay, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]is74.Relay(nil), p.relays...), nil
}

func (p *fakeProvider) OpenRelay(ctx context.Context, token string, relayID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openCalls++
	if len(p.openErrs) > 0 {
		err := p.openErrs[0]
		p.openErrs = p.openErrs[1:]
		return err
	}
	return nil
}

func (p *fakeProvider) AcceptCall(ctx context.Context, token, callID string, relayID int64) (is74.CallAnswer, error) {
	if p.acceptErr != nil {
		return is74.CallAnswer{}, p.acceptErr
	}
	return is74.CallAnswer{SessionID: "s-" + callID, AudioURL: "rtsp://audio/" + callID, Codec: "pcma"}, nil
}

func (p *fakeProvider) EndCall(ctx context.Context, token, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endCalls++
	return p.endErr
}

type staticToken struct{}

func (staticToken) EnsureValidToken(ctx context.Context) (string, error) { return "token", nil }

type transition struct {
	device string
	value  string
}

type recordingSink struct {
	mu     sync.Mutex
	status []transition
	locks  []transition
}

func (s *recordingSink) SetDeviceStatus(id string, status models.DeviceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = append(s.status, transition{id, string(status)})
}

func (s *recordingSink) SetLockStatus(id string, state models.LockState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks = append(s.locks, transition{id, string(state)})
}

func (s *recordingSink) lockStates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, t := range s.locks {
		out = append(out, t.value)
	}
	return out
}

const frontDoor = "aabbccddeeff-1"

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeProvider, *recordingSink, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	p := &fakeProvider{relays: []is74.Relay{
		{MAC: "AA:BB:CC:DD:EE:FF", RelayID: 101, RelayNum: 1, Name: "Front door", Status: is74.RelayOnline},
		{MAC: "AA:BB:CC:DD:EE:FF", RelayID: 102, RelayNum: 2, Name: "Gate", Status: is74.RelayOnline},
		{MAC: "11:22:33:44:55:66", RelayID: 201, RelayNum: 1, Name: "Garage", Status: is74.RelayOffline},
	}}
	sink := &recordingSink{}
	d := NewDispatcher(p, staticToken{}, sink, Options{
		Clock: clk,
		Retry: retry.Policy{MaxAttempts: 2},
	})
	t.Cleanup(d.Close)
	return d, p, sink, clk
}

func lockOf(t *testing.T, d *Dispatcher, id string) models.LockState {
	t.Helper()
	dev, ok := d.lookup(id)
	if !ok {
		t.Fatalf("device %s not found", id)
	}
	return dev.Lock
}

func TestListDevicesCaches(t *testing.T) {
	d, p, _, clk := newTestDispatcher(t)
	ctx := context.Background()

	devices, err := d.ListDevices(ctx, false)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("got %d devices, want 3", len(devices))
	}
	if devices[1].ID != frontDoor || devices[1].Status != models.DeviceOnline || devices[1].Lock != models.Locked {
		t.Fatalf("unexpected device: %+v", devices[1])
	}

	_, _ = d.ListDevices(ctx, false)
	if p.listCalls != 1 {
		t.Fatalf("list calls = %d, want 1", p.listCalls)
	}
	_, _ = d.ListDevices(ctx, true)
	if p.listCalls != 2 {
		t.Fatalf("forced list calls = %d, want 2", p.listCalls)
	}
	clk.Advance(31 * time.Second)
	_, _ = d.ListDevices(ctx, false)
	if p.listCalls != 3 {
		t.Fatalf("list calls after TTL = %d, want 3", p.listCalls)
	}
}

func TestDeviceResolution(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	for _, ref := range []string{frontDoor, "AA:BB:CC:DD:EE:FF", "aa-bb-cc-dd-ee-ff", "101"} {
		dev, err := d.Device(ctx, ref)
		if err != nil {
			t.Fatalf("Device(%q) error = %v", ref, err)
		}
		if dev.ID != frontDoor {
			t.Fatalf("Device(%q) = %s, want %s", ref, dev.ID, frontDoor)
		}
	}
	if dev, _ := d.Device(ctx, "102"); dev.Name != "Gate" {
		t.Fatalf("relay 102 resolved to %q", dev.Name)
	}
	if _, err := d.Device(ctx, "nope"); !failure.Is(err, failure.DeviceNotFound) {
		t.Fatalf("expected DeviceNotFound, got %v", err)
	}
}

func TestOpenDoorRelocksAfterDelay(t *testing.T) {
	d, p, sink, clk := newTestDispatcher(t)

	if _, err := d.OpenDoor(context.Background(), frontDoor); err != nil {
		t.Fatalf("OpenDoor() error = %v", err)
	}
	if p.openCalls != 1 {
		t.Fatalf("open calls = %d, want 1", p.openCalls)
	}
	if got := lockOf(t, d, frontDoor); got != models.Unlocked {
		t.Fatalf("lock = %s right after open, want unlocked", got)
	}

	clk.Advance(4999 * time.Millisecond)
	if got := lockOf(t, d, frontDoor); got != models.Unlocked {
		t.Fatalf("lock = %s before 5s, want unlocked", got)
	}
	clk.Advance(time.Millisecond)
	if got := lockOf(t, d, frontDoor); got != models.Locked {
		t.Fatalf("lock = %s at 5s, want locked", got)
	}
	if got := strings.Join(sink.lockStates(), ","); got != "unlocked,locked" {
		t.Fatalf("lock transitions = %s", got)
	}
}

func TestOpenDoorReplacesPendingRelock(t *testing.T) {
	d, _, sink, clk := newTestDispatcher(t)
	ctx := context.Background()

	if _, err := d.OpenDoor(ctx, frontDoor); err != nil {
		t.Fatalf("OpenDoor() error = %v", err)
	}
	clk.Advance(3 * time.Second)
	if _, err := d.OpenDoor(ctx, frontDoor); err != nil {
		t.Fatalf("OpenDoor() error = %v", err)
	}

	clk.Advance(2500 * time.Millisecond)
	if got := lockOf(t, d, frontDoor); got != models.Unlocked {
		t.Fatalf("first timer was not replaced, lock = %s", got)
	}
	clk.Advance(2500 * time.Millisecond)
	if got := lockOf(t, d, frontDoor); got != models.Locked {
		t.Fatalf("lock = %s, want locked", got)
	}
	if got := strings.Join(sink.lockStates(), ","); got != "unlocked,unlocked,locked" {
		t.Fatalf("lock transitions = %s", got)
	}
}

func TestOpenDoorRetriesTimeoutOnce(t *testing.T) {
	d, p, _, _ := newTestDispatcher(t)
	timeout := &is74.NetworkError{Op: "open", Timeout: true, Err: context.DeadlineExceeded}

	p.openErrs = []error{timeout}
	if _, err := d.OpenDoor(context.Background(), frontDoor); err != nil {
		t.Fatalf("OpenDoor() error = %v", err)
	}
	if p.openCalls != 2 {
		t.Fatalf("open calls = %d, want 2", p.openCalls)
	}

	d2, p2, _, _ := newTestDispatcher(t)
	p2.openErrs = []error{timeout, timeout, timeout}
	_, err := d2.OpenDoor(context.Background(), frontDoor)
	if !failure.Is(err, failure.CommandTimeout) {
		t.Fatalf("expected CommandTimeout, got %v", err)
	}
	if p2.openCalls != 2 {
		t.Fatalf("open calls = %d, want 2", p2.openCalls)
	}
	if got := lockOf(t, d2, frontDoor); got != models.Locked {
		t.Fatalf("lock changed on failure: %s", got)
	}
}

func TestOpenDoorCommandFailed(t *testing.T) {
	d, p, sink, _ := newTestDispatcher(t)
	p.openErrs = []error{&is74.APIError{StatusCode: 500, Message: "relay busy"}}

	_, err := d.OpenDoor(context.Background(), frontDoor)
	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Kind != failure.CommandFailed {
		t.Fatalf("expected CommandFailed, got %v", err)
	}
	if !strings.Contains(fe.Reason, "relay busy") {
		t.Fatalf("reason %q does not carry the provider reason", fe.Reason)
	}
	if p.openCalls != 1 {
		t.Fatalf("open calls = %d, want 1", p.openCalls)
	}
	if len(sink.lockStates()) != 0 {
		t.Fatalf("lock status changed on failure")
	}
}

func TestOpenDoorOfflineDevice(t *testing.T) {
	d, p, _, _ := newTestDispatcher(t)
	_, err := d.OpenDoor(context.Background(), "11:22:33:44:55:66")
	if !failure.Is(err, failure.DeviceOffline) {
		t.Fatalf("expected DeviceOffline, got %v", err)
	}
	if p.openCalls != 0 {
		t.Fatalf("provider called for offline device")
	}
}

func TestOpenDoorRefreshesStaleReachability(t *testing.T) {
	d, p, _, clk := newTestDispatcher(t)
	ctx := context.Background()
	if _, err := d.ListDevices(ctx, false); err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}

	p.mu.Lock()
	p.relays[2].Status = is74.RelayOnline
	p.mu.Unlock()
	clk.Advance(5 * time.Minute)

	if _, err := d.OpenDoor(ctx, "11:22:33:44:55:66"); err != nil {
		t.Fatalf("OpenDoor() error = %v", err)
	}
	if p.listCalls != 2 {
		t.Fatalf("list calls = %d, want 2", p.listCalls)
	}
	if p.openCalls != 1 {
		t.Fatalf("open calls = %d, want 1", p.openCalls)
	}
}

func TestOpenDoorUnknownStatusAttempts(t *testing.T) {
	d, p, _, _ := newTestDispatcher(t)
	p.relays[2].Status = is74.RelayUnknown

	if _, err := d.OpenDoor(context.Background(), "11:22:33:44:55:66"); err != nil {
		t.Fatalf("OpenDoor() error = %v", err)
	}
	if p.openCalls != 1 {
		t.Fatalf("open calls = %d, want 1", p.openCalls)
	}
}

func TestDeviceFallsBackToCacheOnFailedRefresh(t *testing.T) {
	d, p, _, clk := newTestDispatcher(t)
	ctx := context.Background()
	if _, err := d.ListDevices(ctx, false); err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	p.mu.Lock()
	p.listErr = errors.New("provider down")
	p.mu.Unlock()
	clk.Advance(time.Minute)

	dev, err := d.Device(ctx, frontDoor)
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if dev.ID != frontDoor {
		t.Fatalf("Device() = %s, want %s", dev.ID, frontDoor)
	}
	if _, err := d.Device(ctx, "nope"); err == nil {
		t.Fatalf("expected refresh error for unknown device")
	}
}

func TestOfflineDetection(t *testing.T) {
	d, _, sink, clk := newTestDispatcher(t)
	ctx := context.Background()
	if _, err := d.ListDevices(ctx, false); err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}

	clk.Advance(29 * time.Second)
	if dev, _ := d.lookup(frontDoor); dev.Status != models.DeviceOnline {
		t.Fatalf("status = %s before 30s, want online", dev.Status)
	}
	clk.Advance(time.Second)
	if dev, _ := d.lookup(frontDoor); dev.Status != models.DeviceOffline {
		t.Fatalf("status = %s after 30s, want offline", dev.Status)
	}

	if _, err := d.OpenDoor(ctx, frontDoor); err != nil {
		t.Fatalf("OpenDoor() error = %v", err)
	}
	if dev, _ := d.lookup(frontDoor); dev.Status != models.DeviceOnline {
		t.Fatalf("status = %s after contact, want online", dev.Status)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var front []string
	for _, tr := range sink.status {
		if tr.device == frontDoor {
			front = append(front, tr.value)
		}
	}
	if got := strings.Join(front, ","); got != "online,offline,online" {
		t.Fatalf("status transitions = %s", got)
	}
}

func TestAcceptAndEndCall(t *testing.T) {
	d, p, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	sess, err := d.AcceptCall(ctx, "c1", frontDoor)
	if err != nil {
		t.Fatalf("AcceptCall() error = %v", err)
	}
	if sess.ID != "s-c1" || sess.DeviceID != frontDoor || sess.Audio.URL != "rtsp://audio/c1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if len(d.Sessions()) != 1 {
		t.Fatalf("session not tracked")
	}

	p.endErr = errors.New("provider down")
	if _, err := d.EndCall(ctx, sess.ID); err != nil {
		t.Fatalf("EndCall() error = %v", err)
	}
	if len(d.Sessions()) != 0 {
		t.Fatalf("session not released after failed provider notify")
	}
	if p.endCalls != 1 {
		t.Fatalf("provider end calls = %d, want 1", p.endCalls)
	}
	if _, err := d.EndCall(ctx, sess.ID); !failure.Is(err, failure.SessionNotFound) {
		t.Fatalf("expected SessionNotFound, got %v", err)
	}
}

func TestAcceptCallFailed(t *testing.T) {
	d, p, _, _ := newTestDispatcher(t)
	p.acceptErr = &is74.NetworkError{Op: "accept", Err: errors.New("refused")}

	_, err := d.AcceptCall(context.Background(), "c1", "")
	if !failure.Is(err, failure.CallAcceptFailed) {
		t.Fatalf("expected CallAcceptFailed, got %v", err)
	}
}

func TestCloseStopsTimers(t *testing.T) {
	d, _, sink, clk := newTestDispatcher(t)
	if _, err := d.OpenDoor(context.Background(), frontDoor); err != nil {
		t.Fatalf("OpenDoor() error = %v", err)
	}
	d.Close()
	if clk.Pending() != 0 {
		t.Fatalf("%d timers still pending", clk.Pending())
	}
	clk.Advance(time.Minute)
	if got := strings.Join(sink.lockStates(), ","); got != "unlocked" {
		t.Fatalf("timer fired after Close: %s", got)
	}
}
