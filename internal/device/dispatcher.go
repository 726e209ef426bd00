// Package device issues door and call commands to the provider and tracks
// per-device reachability and lock state.
package device

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"intercom-bridge/internal/clock"
	"intercom-bridge/internal/failure"
	"intercom-bridge/internal/is74"
	"intercom-bridge/internal/models"
	"intercom-bridge/internal/retry"
)

type Provider interface {
	ListRelays(ctx context.Context, token string) ([]is74.Relay, error)
	OpenRelay(ctx context.Context, token string, relayID int64) error
	AcceptCall(ctx context.Context, token, callID string, relayID int64) (is74.CallAnswer, error)
	EndCall(ctx context.Context, token, sessionID string) error
}

type TokenSource interface {
	EnsureValidToken(ctx context.Context) (string, error)
}

// StatusSink receives device and lock transitions. Implementations must not
// block; they are called with the dispatcher's lock held.
type StatusSink interface {
	SetDeviceStatus(deviceID string, status models.DeviceStatus)
	SetLockStatus(deviceID string, state models.LockState)
}

type Options struct {
	RelockDelay    time.Duration
	OfflineAfter   time.Duration
	CommandTimeout time.Duration
	CacheTTL       time.Duration
	// Retry for door commands. Only timeouts are retried.
	Retry retry.Policy
	Clock clock.Clock
}

func (o *Options) setDefaults() {
	if o.RelockDelay <= 0 {
		o.RelockDelay = 5 * time.Second
	}
	if o.OfflineAfter <= 0 {
		o.OfflineAfter = 30 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 10 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 30 * time.Second
	}
	o.Clock = clock.Or(o.Clock)
	if o.Retry.MaxAttempts == 0 {
		o.Retry = retry.Policy{MaxAttempts: 2, Base: 500 * time.Millisecond}
	}
	if o.Retry.Clock == nil {
		o.Retry.Clock = o.Clock
	}
}

type deviceState struct {
	device models.Device

	relock    clock.Timer
	relockGen uint64

	offline    clock.Timer
	offlineGen uint64
}

type Dispatcher struct {
	provider Provider
	tokens   TokenSource
	sink     StatusSink
	opts     Options
	clock    clock.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	devices   map[string]*deviceState
	fetchedAt time.Time
	sessions  map[string]models.CallSession

	flight singleflight.Group
}

func NewDispatcher(provider Provider, tokens TokenSource, sink StatusSink, opts Options) *Dispatcher {
	opts.setDefaults()
	return &Dispatcher{
		provider: provider,
		tokens:   tokens,
		sink:     sink,
		opts:     opts,
		clock:    opts.Clock,
		logger:   slog.With("component", "device"),
		devices:  make(map[string]*deviceState),
		sessions: make(map[string]models.CallSession),
	}
}

// DeviceID builds the stable identifier of a relay from its hardware address
// and relay number.
func DeviceID(mac string, relayNum int) string {
	return normalizeMAC(mac) + "-" + strconv.Itoa(relayNum)
}

func normalizeMAC(mac string) string {
	r := strings.NewReplacer(":", "", "-", "", ".", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(mac)))
}

// ListDevices returns the account's devices, from cache unless force is set
// or the cache is older than the configured TTL.
func (d *Dispatcher) ListDevices(ctx context.Context, force bool) ([]models.Device, error) {
	d.mu.Lock()
	fresh := !d.fetchedAt.IsZero() && d.clock.Now().Sub(d.fetchedAt) < d.opts.CacheTTL
	d.mu.Unlock()
	if fresh && !force {
		return d.Devices(), nil
	}

	ch := d.flight.DoChan("devices", func() (any, error) {
		return nil, d.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.Devices(), nil
}

func (d *Dispatcher) refresh(ctx context.Context) error {
	token, err := d.tokens.EnsureValidToken(ctx)
	if err != nil {
		return err
	}
	relays, err := d.provider.ListRelays(ctx, token)
	if err != nil {
		d.logger.Warn("Failed to list devices", "error", err)
		return is74.Classify(failure.CommandFailed, "device list request failed", err)
	}

	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[string]bool, len(relays))
	for _, r := range relays {
		id := DeviceID(r.MAC, r.RelayNum)
		seen[id] = true
		st, ok := d.devices[id]
		if !ok {
			st = &deviceState{device: models.Device{ID: id, Status: models.DeviceUnknown, Lock: models.Locked}}
			d.devices[id] = st
		}
		st.device.MAC = r.MAC
		st.device.RelayID = r.RelayID
		st.device.RelayNum = r.RelayNum
		st.device.Name = r.Name
		st.device.Address = r.Address
		st.device.Entrance = r.Entrance
		st.device.Flat = r.Flat
		st.device.BuildingID = r.BuildingID
		st.device.Reachable = r.Status != is74.RelayOffline
		switch r.Status {
		case is74.RelayOnline:
			d.markContactLocked(st, now)
		case is74.RelayOffline:
			d.markOfflineLocked(st)
		}
	}
	for id, st := range d.devices {
		if !seen[id] {
			d.logger.Info("Device removed from account", "device_id", id)
			st.stopTimers()
			delete(d.devices, id)
		}
	}
	d.fetchedAt = now
	d.logger.Debug("Device list refreshed", "count", len(relays))
	return nil
}

// Devices returns the last known devices without calling the provider.
func (d *Dispatcher) Devices() []models.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Device, 0, len(d.devices))
	for _, st := range d.devices {
		out = append(out, st.device)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Device resolves ref as a device id, a hardware address or a provider relay
// id. The device list is reloaded when it is older than the cache TTL; if that
// fails, a device that is already known is returned as last seen.
func (d *Dispatcher) Device(ctx context.Context, ref string) (models.Device, error) {
	_, err := d.ListDevices(ctx, false)
	if dev, ok := d.lookup(ref); ok {
		if err != nil {
			d.logger.Warn("Using cached device after failed refresh", "device_id", dev.ID, "error", err)
		}
		return dev, nil
	}
	if err != nil {
		return models.Device{}, err
	}
	return models.Device{}, failure.New(failure.DeviceNotFound, "unknown device "+strconv.Quote(ref))
}

func (d *Dispatcher) lookup(ref string) (models.Device, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.Device{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if st, ok := d.devices[strings.ToLower(ref)]; ok {
		return st.device, true
	}
	mac := normalizeMAC(ref)
	relayID, relayErr := strconv.ParseInt(ref, 10, 64)

	var match *deviceState
	for _, st := range d.devices {
		if normalizeMAC(st.device.MAC) == mac || relayErr == nil && st.device.RelayID == relayID {
			// Lowest relay number wins for a shared hardware address.
			if match == nil || st.device.RelayNum < match.device.RelayNum {
				match = st
			}
		}
	}
	if match == nil {
		return models.Device{}, false
	}
	return match.device, true
}

// OpenDoor opens the door of the referenced device. The lock reports
// unlocked and relocks after the relock delay; a new open restarts the delay.
func (d *Dispatcher) OpenDoor(ctx context.Context, ref string) (models.Device, error) {
	dev, err := d.Device(ctx, ref)
	if err != nil {
		return models.Device{}, err
	}
	// Only a listing that reports the relay down stops the command; unknown
	// status is attempted.
	if !dev.Reachable {
		return dev, failure.New(failure.DeviceOffline, "device "+dev.Name+" is offline")
	}

	token, err := d.tokens.EnsureValidToken(ctx)
	if err != nil {
		return dev, err
	}

	log := d.logger.With("device_id", dev.ID, "relay_id", dev.RelayID)
	err = d.opts.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		cctx, cancel := context.WithTimeout(ctx, d.opts.CommandTimeout)
		defer cancel()

		err := d.provider.OpenRelay(cctx, token, dev.RelayID)
		if err == nil {
			return nil
		}
		if is74.IsTimeout(err) {
			log.Warn("Door command timed out", "attempt", attempt)
			return err
		}
		return retry.Permanent(err)
	})
	if err != nil {
		if is74.IsTimeout(err) {
			log.Error("Door command timed out twice", "error", err)
			return dev, failure.Wrap(failure.CommandTimeout, "door did not respond in time", err)
		}
		log.Error("Door command failed", "error", err)
		return dev, is74.Classify(failure.CommandFailed, "door open command failed", err)
	}

	now := d.clock.Now()
	d.mu.Lock()
	if st, ok := d.devices[dev.ID]; ok {
		d.markContactLocked(st, now)
		d.unlockLocked(st)
		dev = st.device
	}
	d.mu.Unlock()

	log.Info("Door opened")
	return dev, nil
}

func (d *Dispatcher) unlockLocked(st *deviceState) {
	if st.relock != nil {
		st.relock.Stop()
	}
	st.relockGen++
	gen := st.relockGen
	id := st.device.ID

	st.device.Lock = models.Unlocked
	d.notifyLock(id, models.Unlocked)

	st.relock = d.clock.AfterFunc(d.opts.RelockDelay, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		cur, ok := d.devices[id]
		if !ok || cur != st || st.relockGen != gen {
			return
		}
		st.relock = nil
		st.device.Lock = models.Locked
		d.notifyLock(id, models.Locked)
		d.logger.Debug("Door relocked", "device_id", id)
	})
}

// markContactLocked records a successful interaction and restarts the offline
// detection window.
func (d *Dispatcher) markContactLocked(st *deviceState, now time.Time) {
	st.device.LastSeen = now
	id := st.device.ID
	if st.device.Status != models.DeviceOnline {
		st.device.Status = models.DeviceOnline
		d.notifyStatus(id, models.DeviceOnline)
	}

	if st.offline != nil {
		st.offline.Stop()
	}
	st.offlineGen++
	gen := st.offlineGen
	st.offline = d.clock.AfterFunc(d.opts.OfflineAfter, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		cur, ok := d.devices[id]
		if !ok || cur != st || st.offlineGen != gen {
			return
		}
		st.offline = nil
		st.device.Status = models.DeviceOffline
		d.notifyStatus(id, models.DeviceOffline)
		d.logger.Info("Device went offline", "device_id", id, "last_seen", st.device.LastSeen)
	})
}

func (d *Dispatcher) markOfflineLocked(st *deviceState) {
	if st.offline != nil {
		st.offline.Stop()
		st.offline = nil
	}
	st.offlineGen++
	if st.device.Status != models.DeviceOffline {
		st.device.Status = models.DeviceOffline
		d.notifyStatus(st.device.ID, models.DeviceOffline)
	}
}

// AcceptCall answers an incoming call. deviceRef may be empty when the
// device of the call is unknown.
func (d *Dispatcher) AcceptCall(ctx context.Context, callID, deviceRef string) (models.CallSession, error) {
	if callID == "" {
		return models.CallSession{}, failure.New(failure.InvalidRequest, "call id is required")
	}

	var dev models.Device
	if deviceRef != "" {
		var err error
		if dev, err = d.Device(ctx, deviceRef); err != nil {
			return models.CallSession{}, err
		}
	}

	token, err := d.tokens.EnsureValidToken(ctx)
	if err != nil {
		return models.CallSession{}, err
	}

	answer, err := d.provider.AcceptCall(ctx, token, callID, dev.RelayID)
	if err != nil {
		d.logger.Error("Failed to accept call", "call_id", callID, "error", err)
		reason := "call could not be accepted"
		var apiErr *is74.APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			reason += ": " + apiErr.Message
		}
		return models.CallSession{}, failure.Wrap(failure.CallAcceptFailed, reason, err)
	}

	now := d.clock.Now()
	sess := models.CallSession{
		ID:        answer.SessionID,
		CallID:    callID,
		DeviceID:  dev.ID,
		Audio:     models.AudioEndpoint{URL: answer.AudioURL, Codec: answer.Codec},
		StartedAt: now,
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}

	d.mu.Lock()
	d.sessions[sess.ID] = sess
	if st, ok := d.devices[dev.ID]; ok {
		d.markContactLocked(st, now)
	}
	d.mu.Unlock()

	d.logger.Info("Call accepted", "call_id", callID, "session_id", sess.ID, "device_id", dev.ID)
	return sess, nil
}

// EndCall releases the audio session and tells the provider. The session is
// always released locally; a failed provider notification is only logged.
func (d *Dispatcher) EndCall(ctx context.Context, sessionID string) (models.CallSession, error) {
	d.mu.Lock()
	sess, ok := d.sessions[sessionID]
	delete(d.sessions, sessionID)
	d.mu.Unlock()

	if !ok {
		return models.CallSession{}, failure.New(failure.SessionNotFound, "no active call session "+strconv.Quote(sessionID))
	}

	log := d.logger.With("session_id", sessionID, "call_id", sess.CallID)
	token, err := d.tokens.EnsureValidToken(ctx)
	if err == nil {
		err = d.provider.EndCall(ctx, token, sessionID)
	}
	if err != nil {
		log.Warn("Provider was not notified of call end", "error", err)
	} else {
		log.Info("Call ended")
	}
	return sess, nil
}

// Sessions returns the active call sessions.
func (d *Dispatcher) Sessions() []models.CallSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.CallSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Close cancels every pending relock and offline timer and drops call sessions.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range d.devices {
		st.stopTimers()
	}
	d.sessions = make(map[string]models.CallSession)
}

func (st *deviceState) stopTimers() {
	if st.relock != nil {
		st.relock.Stop()
		st.relock = nil
	}
	if st.offline != nil {
		st.offline.Stop()
		st.offline = nil
	}
	st.relockGen++
	st.offlineGen++
}

func (d *Dispatcher) notifyStatus(id string, status models.DeviceStatus) {
	if d.sink != nil {
		d.sink.SetDeviceStatus(id, status)
	}
}

func (d *Dispatcher) notifyLock(id string, state models.LockState) {
	if d.sink != nil {
		d.sink.SetLockStatus(id, state)
	}
}
