package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"

	"intercom-bridge/internal/config"
	"intercom-bridge/internal/models"
)

const redisSchemaVersion = 1

// RedisProvider keeps secrets as plain keys and the event log as a list with
// the newest entry at the head.
type RedisProvider struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisProvider(cfg *config.RedisStorage) (*RedisProvider, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisProvider{
		client: client,
		prefix: cfg.Prefix,
		logger: slog.With("component", "storage", "driver", "redis"),
	}, nil
}

func (p *RedisProvider) secretKey(key string) string { return p.prefix + "secret:" + key }
func (p *RedisProvider) eventsKey() string          { return p.prefix + "events" }

func (p *RedisProvider) Close() error {
	return p.client.Close()
}

func (p *RedisProvider) GetSchemaVersion(ctx context.Context) (int, error) {
	return redisSchemaVersion, nil
}

func (p *RedisProvider) PutSecret(ctx context.Context, key string, blob []byte) error {
	return p.client.Set(ctx, p.secretKey(key), blob, 0).Err()
}

func (p *RedisProvider) GetSecret(ctx context.Context, key string) ([]byte, error) {
	blob, err := p.client.Get(ctx, p.secretKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return blob, err
}

func (p *RedisProvider) DeleteSecret(ctx context.Context, key string) error {
	return p.client.Del(ctx, p.secretKey(key)).Err()
}

func (p *RedisProvider) AppendEvent(ctx context.Context, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return p.client.LPush(ctx, p.eventsKey(), data).Err()
}

func (p *RedisProvider) ListEvents(ctx context.Context, limit int, filter models.EventFilter) ([]models.Event, error) {
	raw, err := p.client.LRange(ctx, p.eventsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]models.Event, 0, len(raw))
	for _, item := range raw {
		var ev models.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			p.logger.Warn("Skipping unreadable event", "error", err)
			continue
		}
		if filter.Match(ev) {
			events = append(events, ev)
		}
	}

	// The list is in insertion order; timestamps decide.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (p *RedisProvider) PruneEvents(ctx context.Context, keep int) (int64, error) {
	before, err := p.client.LLen(ctx, p.eventsKey()).Result()
	if err != nil {
		return 0, err
	}
	if before <= int64(keep) {
		return 0, nil
	}
	if err := p.client.LTrim(ctx, p.eventsKey(), 0, int64(keep-1)).Err(); err != nil {
		return 0, err
	}
	return before - int64(keep), nil
}
