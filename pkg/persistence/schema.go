package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion is the schema version Open migrates to.
const CurrentSchemaVersion = 2

func initializeSchemaWithMigrations(ctx context.Context, db *sql.DB) error {
	current, err := GetSchemaVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}
	if current == 0 {
		return createSchema(ctx, db)
	}
	if current == CurrentSchemaVersion {
		return nil
	}
	if current > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, CurrentSchemaVersion)
	}
	return runMigrations(ctx, db, current, CurrentSchemaVersion)
}

func runMigrations(ctx context.Context, db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(ctx, db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(ctx, db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(ctx context.Context, db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(ctx, db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the generating stage to messages.
func migrateToVersion2(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE messages ADD COLUMN stage TEXT",
		"CREATE INDEX IF NOT EXISTS idx_messages_project_stage ON messages(project_id, stage)",
	}
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", m, err)
		}
	}
	return nil
}

// schemaV1 is the original layout, kept so migrations can be tested.
var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS project_states (
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (project_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		artifacts TEXT,
		created_at DATETIME NOT NULL
	)`,
	"CREATE INDEX IF NOT EXISTS idx_projects_user ON projects(user_id, updated_at)",
	"CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, created_at)",
}

func createSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := append([]string{
		"CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)",
	}, schemaV1...)
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return runMigrations(ctx, db, 1, CurrentSchemaVersion)
}

// GetSchemaVersion returns 0 for an empty database.
func GetSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case isMissingTable(err), errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(ctx context.Context, db *sql.DB, version int) error {
	if _, err := db.ExecContext(ctx, "UPDATE schema_version SET version = ?", version); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}
