// Package bridge wires the push listener, the auto-open decision, the device
// dispatcher and the event log together, and is the single entry point used
// by the HTTP API and the command line.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"intercom-bridge/internal/auth"
	"intercom-bridge/internal/autoopen"
	"intercom-bridge/internal/clock"
	"intercom-bridge/internal/failure"
	"intercom-bridge/internal/models"
	"intercom-bridge/internal/observability"
	"intercom-bridge/internal/push"
)

type Auth interface {
	Restore(ctx context.Context) error
	RequestCode(ctx context.Context, phone string) (string, error)
	VerifyCode(ctx context.Context, sessionID, code string, userID int64) error
	Logout(ctx context.Context) error
	Status() auth.Snapshot
}

type Devices interface {
	ListDevices(ctx context.Context, force bool) ([]models.Device, error)
	Devices() []models.Device
	Device(ctx context.Context, ref string) (models.Device, error)
	OpenDoor(ctx context.Context, ref string) (models.Device, error)
	AcceptCall(ctx context.Context, callID, deviceRef string) (models.CallSession, error)
	EndCall(ctx context.Context, sessionID string) (models.CallSession, error)
	Sessions() []models.CallSession
	Close()
}

type Listener interface {
	Start(ctx context.Context, handler push.Handler) error
	Stop()
	Status() push.Status
}

type EventLog interface {
	Record(ctx context.Context, typ models.EventType, deviceID string, metadata map[string]any) (models.Event, error)
	History(ctx context.Context, limit int, filter models.EventFilter) ([]models.Event, error)
}

type Schedules interface {
	Document() autoopen.Document
	For(deviceID string) autoopen.Config
	Location() *time.Location
	Update(doc autoopen.Document) error
}

const (
	recentCallLimit = 32
	recentCallTTL   = 10 * time.Minute
)

type recentCall struct {
	deviceID string
	at       time.Time
}

type Options struct {
	// Listener is optional; without it calls only arrive through HandleCall.
	Listener Listener
	Clock    clock.Clock
}

type Bridge struct {
	auth      Auth
	devices   Devices
	events    EventLog
	schedules Schedules
	listener  Listener
	clock     clock.Clock
	logger    *slog.Logger

	startedAt time.Time

	mu      sync.Mutex
	calls   map[string]recentCall
	running context.Context
}

func New(a Auth, devices Devices, events EventLog, schedules Schedules, opts Options) *Bridge {
	clk := clock.Or(opts.Clock)
	return &Bridge{
		auth:      a,
		devices:   devices,
		events:    events,
		schedules: schedules,
		listener:  opts.Listener,
		clock:     clk,
		logger:    slog.With("component", "bridge"),
		startedAt: clk.Now(),
		calls:     make(map[string]recentCall),
	}
}

// Start restores the stored session and starts listening for calls.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.auth.Restore(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	b.running = ctx
	b.mu.Unlock()

	if b.listener == nil {
		b.logger.Info("Push listener disabled")
		return nil
	}
	if b.auth.Status().State != auth.StateAuthenticated {
		b.logger.Info("Not logged in, push listener starts after login")
		return nil
	}
	return b.startListener(ctx)
}

func (b *Bridge) startListener(ctx context.Context) error {
	err := b.listener.Start(ctx, func(ctx context.Context, ev models.CallEvent) {
		b.HandleCall(ctx, ev)
	})
	if errors.Is(err, push.ErrAlreadyStarted) {
		return nil
	}
	return err
}

func (b *Bridge) Stop() {
	if b.listener != nil {
		b.listener.Stop()
	}
	b.devices.Close()
	b.mu.Lock()
	b.running = nil
	b.mu.Unlock()
}

// HandleCall records an incoming call and opens the door when the auto-open
// setting of the device allows it at the time of the call.
func (b *Bridge) HandleCall(ctx context.Context, ev models.CallEvent) autoopen.Decision {
	ref := ev.DeviceID
	if ref == "" {
		ref = ev.RelayID
	}
	deviceID := ref
	if dev, err := b.devices.Device(ctx, ref); err == nil {
		deviceID = dev.ID
	} else {
		b.logger.Warn("Call from unknown device", "device", ref, "error", err)
	}
	b.rememberCall(ev.CallID, deviceID)

	callMeta := map[string]any{
		"call_id":        ev.CallID,
		"call_timestamp": ev.Timestamp.Format(time.RFC3339),
	}
	if ev.SnapshotURL != "" {
		callMeta["snapshot_url"] = ev.SnapshotURL
	}
	if ev.Address != "" {
		callMeta["address"] = ev.Address
	}
	b.record(ctx, models.EventCall, deviceID, callMeta)

	at := ev.Timestamp.In(b.schedules.Location())
	decision := autoopen.Decide(ev, b.schedules.For(deviceID), at)
	log := b.logger.With("call_id", ev.CallID, "device_id", deviceID)
	log.Info("Call received", "decision", decision.String(), "at", at.Format(time.RFC3339))
	if decision != autoopen.OpenAndNotify {
		return decision
	}

	if _, err := b.devices.OpenDoor(ctx, deviceID); err != nil {
		log.Error("Automatic door opening failed", "error", err)
		b.recordFailure(ctx, "auto_open", deviceID, err, map[string]any{"call_id": ev.CallID})
		return decision
	}

	meta := map[string]any{
		"call_id":        ev.CallID,
		"call_timestamp": ev.Timestamp.Format(time.RFC3339),
		"auto_opened":    true,
	}
	if ev.SnapshotURL != "" {
		meta["snapshot_url"] = ev.SnapshotURL
	}
	b.record(ctx, models.EventAutoOpen, deviceID, meta)
	return decision
}

// Login requests an SMS code and returns the login session to verify.
func (b *Bridge) Login(ctx context.Context, phone string) (string, error) {
	return b.auth.RequestCode(ctx, phone)
}

func (b *Bridge) VerifyCode(ctx context.Context, sessionID, code string, userID int64) error {
	if err := b.auth.VerifyCode(ctx, sessionID, code, userID); err != nil {
		return err
	}

	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if running != nil && b.listener != nil {
		if err := b.startListener(running); err != nil {
			b.logger.Error("Failed to start push listener after login", "error", err)
		}
	}
	if _, err := b.devices.ListDevices(ctx, true); err != nil {
		b.logger.Warn("Failed to load devices after login", "error", err)
	}
	return nil
}

func (b *Bridge) Logout(ctx context.Context) error {
	if b.listener != nil {
		b.listener.Stop()
	}
	return b.auth.Logout(ctx)
}

func (b *Bridge) ListDevices(ctx context.Context, force bool) ([]models.Device, error) {
	return b.devices.ListDevices(ctx, force)
}

// OpenDoor opens a door on request and records it.
func (b *Bridge) OpenDoor(ctx context.Context, ref string) (models.Device, error) {
	dev, err := b.devices.OpenDoor(ctx, ref)
	if err != nil {
		b.recordFailure(ctx, "open_door", dev.ID, err, nil)
		return dev, err
	}
	b.record(ctx, models.EventDoorOpen, dev.ID, map[string]any{"source": "manual"})
	return dev, nil
}

// AcceptCall answers a call received earlier from the push channel.
func (b *Bridge) AcceptCall(ctx context.Context, callID string) (models.CallSession, error) {
	deviceID := b.callDevice(callID)
	sess, err := b.devices.AcceptCall(ctx, callID, deviceID)
	if err != nil {
		b.recordFailure(ctx, "accept_call", deviceID, err, map[string]any{"call_id": callID})
		return sess, err
	}
	b.record(ctx, models.EventCallAccepted, sess.DeviceID, map[string]any{
		"call_id":    callID,
		"session_id": sess.ID,
	})
	return sess, nil
}

func (b *Bridge) EndCall(ctx context.Context, sessionID string) error {
	sess, err := b.devices.EndCall(ctx, sessionID)
	if err != nil {
		return err
	}
	b.record(ctx, models.EventCallEnded, sess.DeviceID, map[string]any{
		"call_id":          sess.CallID,
		"session_id":       sess.ID,
		"duration_seconds": int(b.clock.Now().Sub(sess.StartedAt).Seconds()),
	})
	return nil
}

func (b *Bridge) EventHistory(ctx context.Context, limit int, filter models.EventFilter) ([]models.Event, error) {
	return b.events.History(ctx, limit, filter)
}

func (b *Bridge) AutoOpen() autoopen.Document {
	return b.schedules.Document()
}

func (b *Bridge) SetAutoOpen(doc autoopen.Document) error {
	if err := b.schedules.Update(doc); err != nil {
		if doc.Validate() != nil {
			return failure.Wrap(failure.InvalidRequest, "invalid auto-open schedule: "+err.Error(), err)
		}
		return err
	}
	return nil
}

type Status struct {
	StartedAt     time.Time            `json:"started_at"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Auth          auth.Snapshot        `json:"auth"`
	Push          *push.Status         `json:"push,omitempty"`
	DeviceCount   int                  `json:"device_count"`
	Devices       []models.Device      `json:"devices"`
	ActiveCalls   []models.CallSession `json:"active_calls"`
	AutoOpen      bool                 `json:"auto_open"`
}

func (b *Bridge) Status() Status {
	devices := b.devices.Devices()
	st := Status{
		StartedAt:     b.startedAt,
		UptimeSeconds: int64(b.clock.Now().Sub(b.startedAt).Seconds()),
		Auth:          b.auth.Status(),
		DeviceCount:   len(devices),
		Devices:       devices,
		ActiveCalls:   b.devices.Sessions(),
		AutoOpen:      b.schedules.Document().Enabled,
	}
	if b.listener != nil {
		ps := b.listener.Status()
		st.Push = &ps
	}
	return st
}

func (b *Bridge) record(ctx context.Context, typ models.EventType, deviceID string, meta map[string]any) {
	if _, err := b.events.Record(ctx, typ, deviceID, meta); err != nil {
		b.logger.Error("Failed to record event", "type", typ, "error", err)
	}
}

// recordFailure logs a failed operation as an error event. Lookup and input
// errors are the caller's problem and are not recorded.
func (b *Bridge) recordFailure(ctx context.Context, op, deviceID string, err error, meta map[string]any) {
	switch failure.KindOf(err) {
	case failure.InvalidRequest, failure.DeviceNotFound, failure.Unauthenticated:
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["operation"] = op
	meta["kind"] = string(failure.KindOf(err))
	meta["reason"] = failure.Reason(err)
	b.record(ctx, models.EventError, deviceID, meta)
	observability.CaptureFailure(err, map[string]string{"operation": op, "device_id": deviceID})
}

func (b *Bridge) rememberCall(callID, deviceID string) {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.calls {
		if now.Sub(c.at) > recentCallTTL {
			delete(b.calls, id)
		}
	}
	if len(b.calls) >= recentCallLimit {
		var oldest string
		for id, c := range b.calls {
			if oldest == "" || c.at.Before(b.calls[oldest].at) {
				oldest = id
			}
		}
		delete(b.calls, oldest)
	}
	b.calls[callID] = recentCall{deviceID: deviceID, at: now}
}

func (b *Bridge) callDevice(callID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[callID].deviceID
}
