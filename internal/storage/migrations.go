// Schema migrations are SQL files embedded under migrations/<driver>/ and named
// NNNN_name.up.sql or NNNN_name.down.sql. Each applied version is recorded in
// schema_migrations; adding a migration requires rebuilding the binary.

package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations/**/*.sql
var migrationsFS embed.FS

var reMigrationFilename = regexp.MustCompile(`^(?P<Version>\d{4})\_(?P<Name>[^.]+)\.(?P<Direction>(up|down))\.sql$`)

var ErrMigrateCurrentVersionSameAsTarget = errors.New("current version is the same as target version")

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at INTEGER NOT NULL
)`

// SchemaMigration is a single migration file.
type SchemaMigration struct {
	Version int
	Name    string
	Up      bool
	SQL     string
}

// MigrationRunner applies embedded migrations to a database.
type MigrationRunner struct {
	db     *sqlx.DB
	driver string
	logger *slog.Logger
}

func NewMigrationRunner(db *sqlx.DB, driver string) *MigrationRunner {
	return &MigrationRunner{
		db:     db,
		driver: driver,
		logger: slog.With("component", "migrations", "driver", driver),
	}
}

// Available returns every parseable migration for the runner's driver.
func (mr *MigrationRunner) Available() ([]SchemaMigration, error) {
	dir := path.Join("migrations", mr.driver)
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("unsupported driver %s: %w", mr.driver, err)
	}

	var migrations []SchemaMigration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		migration, err := parseMigrationFile(path.Join(dir, entry.Name()))
		if err != nil {
			mr.logger.Warn("Failed to parse migration file", "file", entry.Name(), "error", err)
			continue
		}
		migrations = append(migrations, migration)
	}
	return migrations, nil
}

// LatestVersion is the highest "up" migration available.
func (mr *MigrationRunner) LatestVersion() (int, error) {
	migrations, err := mr.Available()
	if err != nil {
		return -1, err
	}
	latest := 0
	for _, m := range migrations {
		if m.Up && m.Version > latest {
			latest = m.Version
		}
	}
	return latest, nil
}

// Plan returns the migrations moving the schema from prior to target, in the
// order they must run. A target of -1 means the latest version.
func (mr *MigrationRunner) Plan(prior, target int) ([]SchemaMigration, error) {
	if target == -1 {
		latest, err := mr.LatestVersion()
		if err != nil {
			return nil, err
		}
		target = latest
	}
	if prior == target {
		return nil, ErrMigrateCurrentVersionSameAsTarget
	}

	available, err := mr.Available()
	if err != nil {
		return nil, err
	}

	up := target > prior
	var plan []SchemaMigration
	for _, m := range available {
		if m.Up != up {
			continue
		}
		if up && (m.Version <= prior || m.Version > target) {
			continue
		}
		if !up && (m.Version > prior || m.Version <= target) {
			continue
		}
		plan = append(plan, m)
	}

	sort.Slice(plan, func(i, j int) bool {
		if up {
			return plan[i].Version < plan[j].Version
		}
		return plan[i].Version > plan[j].Version
	})
	return plan, nil
}

// Migrate moves the schema to target, each migration in its own transaction.
func (mr *MigrationRunner) Migrate(ctx context.Context, target int) error {
	if _, err := mr.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := mr.db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	plan, err := mr.Plan(current, target)
	if errors.Is(err, ErrMigrateCurrentVersionSameAsTarget) {
		mr.logger.Debug("Schema is up to date", "version", current)
		return nil
	}
	if err != nil {
		return err
	}

	for _, m := range plan {
		if err := mr.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %04d_%s: %w", m.Version, m.Name, err)
		}
		mr.logger.Info("Applied migration", "version", m.Version, "name", m.Name, "up", m.Up)
	}
	return nil
}

func (mr *MigrationRunner) apply(ctx context.Context, m SchemaMigration) error {
	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if m.Up {
		_, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Name, time.Now().Unix())
	} else {
		_, err = tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func parseMigrationFile(file string) (SchemaMigration, error) {
	parts := reMigrationFilename.FindStringSubmatch(path.Base(file))
	if parts == nil {
		return SchemaMigration{}, fmt.Errorf("invalid migration filename: %s", file)
	}

	sql, err := migrationsFS.ReadFile(file)
	if err != nil {
		return SchemaMigration{}, fmt.Errorf("failed to read migration file: %w", err)
	}

	version, _ := strconv.Atoi(parts[reMigrationFilename.SubexpIndex("Version")])
	return SchemaMigration{
		Version: version,
		Name:    parts[reMigrationFilename.SubexpIndex("Name")],
		Up:      parts[reMigrationFilename.SubexpIndex("Direction")] == "up",
		SQL:     string(sql),
	}, nil
}

func (p *SQLProvider) runMigrations(driver string) error {
	return NewMigrationRunner(p.db, driver).Migrate(context.Background(), -1)
}
