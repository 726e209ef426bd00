package storage

import (
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteDriver = "sqlite3"

type SQLiteProvider struct {
	SQLProvider
}

// OpenSQLite opens the database at path, creating parent folders, and applies
// pending migrations.
func OpenSQLite(path string) (*SQLiteProvider, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create storage folder: %w", err)
		}
	}

	sqlProvider, err := NewSQLProvider(sqliteDriver, path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers anyway, and every :memory: connection would
	// otherwise see its own empty database.
	sqlProvider.db.SetMaxOpenConns(1)

	provider := &SQLiteProvider{SQLProvider: *sqlProvider}
	if err := provider.runMigrations(sqliteDriver); err != nil {
		provider.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return provider, nil
}
