// Package events records the append-only event log and fans recorded events
// out to subscribers.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"

	"intercom-bridge/internal/clock"
	"intercom-bridge/internal/models"
)

// Topic is the bus topic every recorded event is published on.
const Topic = "events:recorded"

const (
	MaxHistory = 100
	// Minimum number of events kept by pruning.
	MinRetention = MaxHistory
	pruneEvery   = 50
)

type Store interface {
	AppendEvent(ctx context.Context, event models.Event) error
	ListEvents(ctx context.Context, limit int, filter models.EventFilter) ([]models.Event, error)
	PruneEvents(ctx context.Context, keep int) (int64, error)
}

type Options struct {
	Retention int
	Clock     clock.Clock
}

type Log struct {
	store     Store
	bus       evbus.Bus
	clock     clock.Clock
	retention int
	logger    *slog.Logger

	mu      sync.Mutex
	pending int
}

func NewLog(store Store, bus evbus.Bus, opts Options) *Log {
	if opts.Retention < MinRetention {
		opts.Retention = MinRetention
	}
	if bus == nil {
		bus = evbus.New()
	}
	return &Log{
		store:     store,
		bus:       bus,
		clock:     clock.Or(opts.Clock),
		retention: opts.Retention,
		logger:    slog.With("component", "events"),
	}
}

// Record appends an event and publishes it. The event is published only
// after it is stored.
func (l *Log) Record(ctx context.Context, typ models.EventType, deviceID string, metadata map[string]any) (models.Event, error) {
	if !typ.Valid() {
		return models.Event{}, fmt.Errorf("events: unknown event type %q", typ)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	ev := models.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		DeviceID:  deviceID,
		Timestamp: l.clock.Now(),
		Metadata:  metadata,
	}

	if err := l.store.AppendEvent(ctx, ev); err != nil {
		l.logger.Error("Failed to record event", "type", typ, "device_id", deviceID, "error", err)
		return ev, err
	}
	l.logger.Debug("Event recorded", "id", ev.ID, "type", typ, "device_id", deviceID)

	l.mu.Lock()
	l.pending++
	prune := l.pending >= pruneEvery
	if prune {
		l.pending = 0
	}
	l.mu.Unlock()
	if prune {
		l.Prune(ctx)
	}

	l.bus.Publish(Topic, ev)
	return ev, nil
}

// Prune drops events beyond the retention limit.
func (l *Log) Prune(ctx context.Context) {
	n, err := l.store.PruneEvents(ctx, l.retention)
	if err != nil {
		l.logger.Warn("Failed to prune event log", "error", err)
		return
	}
	if n > 0 {
		l.logger.Debug("Pruned event log", "removed", n, "kept", l.retention)
	}
}

// History returns up to limit events, newest first. The limit is clamped to
// [1, MaxHistory]; zero means MaxHistory.
func (l *Log) History(ctx context.Context, limit int, filter models.EventFilter) ([]models.Event, error) {
	switch {
	case limit == 0 || limit > MaxHistory:
		limit = MaxHistory
	case limit < 0:
		limit = 1
	}
	return l.store.ListEvents(ctx, limit, filter)
}

// Subscribe registers fn for every recorded event. fn runs on the recording
// goroutine and must not block.
func (l *Log) Subscribe(fn func(models.Event)) error {
	return l.bus.Subscribe(Topic, fn)
}
