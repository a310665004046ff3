package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the version of the store's bookkeeping tables.
	// Entity tables follow the model and are migrated by mappings instead.
	CurrentSchemaVersion = "1.1.0"
)

// Migration represents a bookkeeping schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// AllMigrations contains all bookkeeping migrations in order
var AllMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      migrationV1Up,
		Down:    migrationV1Down,
	},
	{
		Version: "1.1.0",
		Up:      migrationV11Up,
		Down:    migrationV11Down,
	},
}

const migrationV1Up = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS z_schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Store metadata (model name, version, hash, snapshot, store UUID)
CREATE TABLE IF NOT EXISTS z_metadata (
    key TEXT PRIMARY KEY,
    value BLOB
);
`

const migrationV1Down = `
DROP TABLE IF EXISTS z_metadata;
DROP TABLE IF EXISTS z_schema_version;
`

const migrationV11Up = `
-- Every model version the store has been written with
CREATE TABLE IF NOT EXISTS z_model_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model_version TEXT NOT NULL,
    version_hash TEXT NOT NULL,
    action TEXT NOT NULL,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_model_history_hash ON z_model_history(version_hash);
`

const migrationV11Down = `
DROP INDEX IF EXISTS idx_model_history_hash;
DROP TABLE IF EXISTS z_model_history;
`

// currentVersion returns the highest applied bookkeeping version, 0.0.0 when none
func currentVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	var tableName string
	err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='z_schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return semver.MustParse("0.0.0"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check z_schema_version table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM z_schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read z_schema_version: %w", err)
	}
	defer rows.Close()

	// applied_at has second resolution, so order by semver instead
	var versions []*semver.Version
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(s)
		if err != nil {
			return nil, fmt.Errorf("invalid current schema version %s: %w", s, err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return semver.MustParse("0.0.0"), nil
	}
	sort.Sort(semver.Collection(versions))
	return versions[len(versions)-1], nil
}

// ApplyMigrations runs all pending bookkeeping migrations
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range AllMigrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}

		if !current.LessThan(migrationVersion) {
			continue // Already applied
		}

		if _, err := db.ExecContext(ctx, migration.Up); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO z_schema_version (version) VALUES (?)", migration.Version); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}

		current = migrationVersion
	}

	return nil
}

// RollbackMigration rolls back the most recent bookkeeping migration
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	if current.Equal(semver.MustParse("0.0.0")) {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range AllMigrations {
		if semver.MustParse(AllMigrations[i].Version).Equal(current) {
			migration = &AllMigrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %s not found", current)
	}

	// The first migration drops z_schema_version itself
	if _, err := db.ExecContext(ctx, "DELETE FROM z_schema_version WHERE version = ?", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record %s: %w", migration.Version, err)
	}
	if _, err := db.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", migration.Version, err)
	}

	return nil
}
