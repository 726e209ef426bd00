// Package notify forwards events and device transitions to the
// home-automation side. Delivery is best effort: failures are logged and
// never reach the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"intercom-bridge/internal/models"
)

type Kind string

const (
	KindEvent        Kind = "event"
	KindDeviceStatus Kind = "device_status"
	KindLockStatus   Kind = "lock_status"
)

// Notification is one message for the sinks. Exactly one of Event, Status or
// Lock is set, according to Kind.
type Notification struct {
	Kind     Kind                `json:"kind"`
	DeviceID string              `json:"device_id,omitempty"`
	Event    *models.Event       `json:"event,omitempty"`
	Status   models.DeviceStatus `json:"status,omitempty"`
	Lock     models.LockState    `json:"lock,omitempty"`
	Time     time.Time           `json:"time"`
}

type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

type Options struct {
	QueueSize int
	// Per-notification delivery timeout for each sink.
	Timeout time.Duration
}

// Hub delivers notifications to its sinks from a single worker, in the order
// they were submitted. Submitting never blocks; a full queue drops the new
// notification.
type Hub struct {
	sinks  []Sink
	opts   Options
	logger *slog.Logger

	queue   chan Notification
	dropped atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(opts Options, sinks ...Sink) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Hub{
		sinks:  sinks,
		opts:   opts,
		logger: slog.With("component", "notify"),
		queue:  make(chan Notification, opts.QueueSize),
	}
}

func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.run(ctx, h.done)
	h.logger.Info("Notification hub started", "sinks", len(h.sinks))
}

// Stop delivers what is already queued and stops the worker.
func (h *Hub) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel = nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (h *Hub) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case n := <-h.queue:
			h.deliver(ctx, n)
		case <-ctx.Done():
			for {
				select {
				case n := <-h.queue:
					h.deliver(context.WithoutCancel(ctx), n)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) deliver(ctx context.Context, n Notification) {
	for _, s := range h.sinks {
		sctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
		if err := s.Send(sctx, n); err != nil {
			h.logger.Warn("Notification not delivered", "sink", s.Name(), "kind", n.Kind, "device_id", n.DeviceID, "error", err)
		}
		cancel()
	}
}

func (h *Hub) submit(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	select {
	case h.queue <- n:
	default:
		h.dropped.Add(1)
		h.logger.Warn("Notification queue full, dropping", "kind", n.Kind, "device_id", n.DeviceID)
	}
}

// Notify submits a recorded event.
func (h *Hub) Notify(ev models.Event) {
	h.submit(Notification{Kind: KindEvent, DeviceID: ev.DeviceID, Event: &ev, Time: ev.Timestamp})
}

func (h *Hub) SetDeviceStatus(deviceID string, status models.DeviceStatus) {
	h.submit(Notification{Kind: KindDeviceStatus, DeviceID: deviceID, Status: status})
}

func (h *Hub) SetLockStatus(deviceID string, state models.LockState) {
	h.submit(Notification{Kind: KindLockStatus, DeviceID: deviceID, Lock: state})
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }
