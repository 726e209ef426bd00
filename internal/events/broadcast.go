package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"intercom-bridge/internal/models"
)

// Broadcaster hands events to any number of stream listeners. Slow listeners
// miss events instead of holding up the publisher.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[chan models.Event]struct{}
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:   make(map[chan models.Event]struct{}),
		logger: slog.With("component", "events"),
	}
}

func (b *Broadcaster) Publish(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("Stream listener is behind, event skipped", "event_id", ev.ID)
		}
	}
}

// Subscribe returns a channel of events and a function that unsubscribes and
// closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan models.Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }
