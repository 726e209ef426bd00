package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"intercom-bridge/internal/models"
)

type SQLProvider struct {
	db     *sqlx.DB
	driver string

	logger *slog.Logger
}

func NewSQLProvider(driverName string, dataSource string) (*SQLProvider, error) {
	db, err := sqlx.Open(driverName, dataSource)
	if err != nil {
		return nil, err
	}

	return &SQLProvider{
		db:     db,
		driver: driverName,
		logger: slog.With("component", "storage", "driver", driverName),
	}, nil
}

func (p *SQLProvider) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

func (p *SQLProvider) GetSchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := p.db.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return -1, err
	}
	return version, nil
}

func (p *SQLProvider) PutSecret(ctx context.Context, key string, blob []byte) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO secrets (name, blob, updated_at) VALUES (:name, :blob, :updated_at)
		ON CONFLICT(name) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		secretRow{Name: key, Blob: blob, UpdatedAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("failed to store secret %s: %w", key, err)
	}
	return nil
}

func (p *SQLProvider) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var row secretRow
	err := p.db.GetContext(ctx, &row, "SELECT name, blob, updated_at FROM secrets WHERE name = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load secret %s: %w", key, err)
	}
	return row.Blob, nil
}

func (p *SQLProvider) DeleteSecret(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, "DELETE FROM secrets WHERE name = ?", key)
	return err
}

func (p *SQLProvider) AppendEvent(ctx context.Context, event models.Event) error {
	row, err := newEventRow(event)
	if err != nil {
		return fmt.Errorf("failed to encode event metadata: %w", err)
	}
	_, err = p.db.NamedExecContext(ctx, `
		INSERT INTO events (id, type, device_id, ts, metadata)
		VALUES (:id, :type, :device_id, :ts, :metadata)`, row)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (p *SQLProvider) ListEvents(ctx context.Context, limit int, filter models.EventFilter) ([]models.Event, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, filter.DeviceID)
	}

	query := "SELECT seq, id, type, device_id, ts, metadata FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, seq DESC LIMIT ?"
	args = append(args, limit)

	var rows []eventRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]models.Event, 0, len(rows))
	for _, row := range rows {
		ev, err := row.event()
		if err != nil {
			p.logger.Warn("Skipping event with unreadable metadata", "id", row.ID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (p *SQLProvider) PruneEvents(ctx context.Context, keep int) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM events WHERE seq NOT IN (
			SELECT seq FROM events ORDER BY ts DESC, seq DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}
