package events

import (
	"context"
	"sync"
	"testing"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"intercom-bridge/internal/clock"
	"intercom-bridge/internal/models"
	"intercom-bridge/internal/storage"
)

func newTestLog(t *testing.T, retention int) (*Log, *clock.Manual) {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clk := clock.NewManual(time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	return NewLog(store, evbus.New(), Options{Retention: retention, Clock: clk}), clk
}

func TestHistoryNewestFirst(t *testing.T) {
	l, clk := newTestLog(t, 1000)
	ctx := context.Background()

	for i := range 150 {
		typ := models.EventCall
		if i%3 == 0 {
			typ = models.EventDoorOpen
		}
		if _, err := l.Record(ctx, typ, "front", map[string]any{"n": i}); err != nil {
			t.Fatalf("Record(%d) error = %v", i, err)
		}
		clk.Advance(time.Second)
	}

	history, err := l.History(ctx, 100, models.EventFilter{})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 100 {
		t.Fatalf("got %d events, want 100", len(history))
	}
	for i := 1; i < len(history); i++ {
		if !history[i-1].Timestamp.After(history[i].Timestamp) {
			t.Fatalf("history not in descending order at %d", i)
		}
	}
	if n := history[0].Metadata["n"]; n != float64(149) {
		t.Fatalf("newest event n = %v, want 149", n)
	}

	if history, _ = l.History(ctx, 500, models.EventFilter{}); len(history) != MaxHistory {
		t.Fatalf("limit not clamped: %d", len(history))
	}
	if history, _ = l.History(ctx, -3, models.EventFilter{}); len(history) != 1 {
		t.Fatalf("negative limit returned %d events", len(history))
	}

	doors, err := l.History(ctx, 100, models.EventFilter{Type: models.EventDoorOpen})
	if err != nil {
		t.Fatalf("History(door_open) error = %v", err)
	}
	if len(doors) != 50 {
		t.Fatalf("got %d door events, want 50", len(doors))
	}
}

func TestRecordPrunesToRetention(t *testing.T) {
	l, clk := newTestLog(t, 120)
	ctx := context.Background()

	for range 200 {
		if _, err := l.Record(ctx, models.EventCall, "front", nil); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		clk.Advance(time.Millisecond)
	}
	l.Prune(ctx)

	all, err := l.store.ListEvents(ctx, 1000, models.EventFilter{})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(all) != 120 {
		t.Fatalf("kept %d events, want 120", len(all))
	}
}

func TestRecordRejectsUnknownType(t *testing.T) {
	l, _ := newTestLog(t, 0)
	if _, err := l.Record(context.Background(), "bogus", "", nil); err == nil {
		t.Fatalf("expected an error for an unknown event type")
	}
}

func TestSubscribersReceiveRecordedEvents(t *testing.T) {
	l, _ := newTestLog(t, 0)
	b := NewBroadcaster()
	if err := l.Subscribe(b.Publish); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	var mu sync.Mutex
	var seen []models.EventType
	if err := l.Subscribe(func(ev models.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	stream, cancel := b.Subscribe(4)
	defer cancel()

	ev, err := l.Record(context.Background(), models.EventAutoOpen, "front", map[string]any{"auto_opened": true})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	select {
	case got := <-stream:
		if got.ID != ev.ID {
			t.Fatalf("streamed %s, want %s", got.ID, ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not streamed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != models.EventAutoOpen {
		t.Fatalf("subscriber saw %v", seen)
	}
}

func TestBroadcasterSkipsSlowListeners(t *testing.T) {
	b := NewBroadcaster()
	stream, cancel := b.Subscribe(1)

	b.Publish(models.Event{ID: "1"})
	b.Publish(models.Event{ID: "2"})
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
	if got := <-stream; got.ID != "1" {
		t.Fatalf("got %s, want 1", got.ID)
	}

	cancel()
	cancel()
	if b.Listeners() != 0 {
		t.Fatalf("listener not removed")
	}
	if _, ok := <-stream; ok {
		t.Fatalf("stream not closed")
	}
}
