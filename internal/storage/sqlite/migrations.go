package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migrate runs database migrations
func (s *SQLiteDB) migrate() error {
	ctx := context.Background()

	if err := s.createMigrationsTable(ctx); err != nil {
		return err
	}

	migrations := []migration{
		{version: 1, name: "sessions_and_items", up: migrateV1},
		{version: 2, name: "processing_records_and_images", up: migrateV2},
		{version: 3, name: "session_status_index", up: migrateV3},
	}

	for _, m := range migrations {
		if err := s.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}

	return nil
}

type migration struct {
	version int
	name    string
	up      func(context.Context, *sql.Tx) error
}

func (s *SQLiteDB) createMigrationsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLiteDB) runMigration(ctx context.Context, m migration) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
	if err != nil {
		return err
	}

	if count > 0 {
		return nil // Already applied
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.up(ctx, tx); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, strftime('%s', 'now'))",
		m.version, m.name)
	if err != nil {
		return err
	}

	s.logger.Debug().Int("version", m.version).Str("name", m.name).Msg("Applied migration")
	return tx.Commit()
}

func execAll(ctx context.Context, tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// migrateV1 creates sessions and their items
func migrateV1(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			total_items INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'processing',
			error TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS menu_items (
			session_id TEXT NOT NULL,
			item_index INTEGER NOT NULL,
			source_text TEXT NOT NULL DEFAULT '',
			translated_text TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			price TEXT NOT NULL DEFAULT '',
			translation_status TEXT NOT NULL DEFAULT 'pending',
			description_status TEXT NOT NULL DEFAULT 'pending',
			image_status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, item_index),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
	})
}

// migrateV2 adds the append-only audit tables. payload_hash makes redelivered stage results no-ops.
func migrateV2(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS processing_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			item_index INTEGER NOT NULL,
			stage TEXT NOT NULL,
			provider TEXT NOT NULL,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			fallback INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			payload_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id, item_index) REFERENCES menu_items(session_id, item_index) ON DELETE CASCADE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_payload ON processing_records(session_id, item_index, stage, payload_hash)`,

		`CREATE TABLE IF NOT EXISTS generated_images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			item_index INTEGER NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			storage_key TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			fallback INTEGER NOT NULL DEFAULT 0,
			payload_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id, item_index) REFERENCES menu_items(session_id, item_index) ON DELETE CASCADE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_images_payload ON generated_images(session_id, item_index, payload_hash)`,
	})
}

// migrateV3 indexes the stale-session sweep
func migrateV3(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_created ON sessions(status, created_at)`,
	})
}
