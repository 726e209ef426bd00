package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"intercom-bridge/internal/config"
	"intercom-bridge/internal/models"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnsupportedStorage = errors.New("unsupported storage type")
)

// Provider persists encrypted secrets and the event log.
type Provider interface {
	Close() error
	GetSchemaVersion(ctx context.Context) (int, error)

	// Secret blobs are opaque; callers encrypt before storing.
	PutSecret(ctx context.Context, key string, blob []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error

	// Event log methods. ListEvents returns newest first.
	AppendEvent(ctx context.Context, event models.Event) error
	ListEvents(ctx context.Context, limit int, filter models.EventFilter) ([]models.Event, error)
	PruneEvents(ctx context.Context, keep int) (int64, error)
}

func NewProvider(cfg *config.Storage) (Provider, error) {
	switch cfg.Type {
	case "sqlite", "":
		if cfg.SQLite == nil {
			return nil, fmt.Errorf("%w: sqlite selected without storage.local.path", ErrUnsupportedStorage)
		}
		return OpenSQLite(cfg.SQLite.Path)

	case "redis":
		if cfg.Redis == nil {
			return nil, fmt.Errorf("%w: redis selected without storage.redis settings", ErrUnsupportedStorage)
		}
		return NewRedisProvider(cfg.Redis)

	default:
		slog.Error("Unsupported storage configuration", "type", cfg.Type)
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStorage, cfg.Type)
	}
}
