package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"intercom-bridge/internal/config"
	"intercom-bridge/internal/models"
)

func newTestRedis(t *testing.T) *RedisProvider {
	t.Helper()
	mr := miniredis.RunT(t)
	p, err := NewRedisProvider(&config.RedisStorage{Addr: mr.Addr(), Prefix: "test:"})
	if err != nil {
		t.Fatalf("NewRedisProvider: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestRedisSecrets(t *testing.T) {
	ctx := context.Background()
	p := newTestRedis(t)

	if _, err := p.GetSecret(ctx, "tokens"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := p.PutSecret(ctx, "tokens", []byte("sealed")); err != nil {
		t.Fatalf("PutSecret: %v", err)
	}
	blob, err := p.GetSecret(ctx, "tokens")
	if err != nil || string(blob) != "sealed" {
		t.Fatalf("GetSecret: %q %v", blob, err)
	}
	if err := p.DeleteSecret(ctx, "tokens"); err != nil {
		t.Fatalf("DeleteSecret: %v", err)
	}
	if _, err := p.GetSecret(ctx, "tokens"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("secret survived delete")
	}
}

func TestRedisEvents(t *testing.T) {
	ctx := context.Background()
	p := newTestRedis(t)
	base := time.Date(2024, 4, 8, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 150; i++ {
		ev := models.Event{
			ID:        fmt.Sprintf("ev-%03d", i),
			Type:      models.EventCall,
			DeviceID:  "dev",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := p.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := p.ListEvents(ctx, 100, models.EventFilter{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 100 || events[0].ID != "ev-149" || events[99].ID != "ev-050" {
		t.Fatalf("unexpected history window: %d events", len(events))
	}

	removed, err := p.PruneEvents(ctx, 100)
	if err != nil || removed != 50 {
		t.Fatalf("PruneEvents: %d %v", removed, err)
	}
	all, _ := p.ListEvents(ctx, 1000, models.EventFilter{})
	if len(all) != 100 || all[99].ID != "ev-050" {
		t.Fatalf("prune dropped the wrong end")
	}
}
