package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// A migration is applied exactly once, inside its own transaction, in
// ascending version order. Never reorder or edit an entry that has shipped;
// append a new version instead.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "entity instructions and usage stats",
		SQL: `
			CREATE TABLE IF NOT EXISTS entity_instructions (
				id TEXT PRIMARY KEY,
				entity_name TEXT NOT NULL,
				operation_type TEXT NOT NULL DEFAULT 'general',
				instructions TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(entity_name, operation_type)
			);

			CREATE TABLE IF NOT EXISTS instruction_usage_stats (
				instruction_id TEXT PRIMARY KEY REFERENCES entity_instructions(id) ON DELETE CASCADE,
				useful_count INTEGER NOT NULL DEFAULT 0,
				not_useful_count INTEGER NOT NULL DEFAULT 0,
				last_rated_at DATETIME
			);

			CREATE INDEX IF NOT EXISTS idx_instructions_entity
				ON entity_instructions(entity_name);
		`,
	},
	{
		Version:     2,
		Description: "normalized metadata tables, search index, sync history",
		SQL: `
			CREATE TABLE IF NOT EXISTS entity_types (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT UNIQUE NOT NULL,
				base_type TEXT,
				abstract INTEGER NOT NULL DEFAULT 0,
				has_key INTEGER NOT NULL DEFAULT 0,
				namespace TEXT NOT NULL DEFAULT '',
				annotations TEXT
			);

			CREATE TABLE IF NOT EXISTS entity_sets (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT UNIQUE NOT NULL,
				entity_type_id INTEGER NOT NULL REFERENCES entity_types(id) ON DELETE CASCADE
			);

			CREATE TABLE IF NOT EXISTS entity_properties (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				entity_type_id INTEGER NOT NULL REFERENCES entity_types(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				type TEXT NOT NULL,
				nullable INTEGER NOT NULL DEFAULT 1,
				max_length INTEGER,
				precision INTEGER,
				scale INTEGER,
				is_key INTEGER NOT NULL DEFAULT 0,
				is_enum INTEGER NOT NULL DEFAULT 0,
				enum_type TEXT,
				annotations TEXT,
				ordinal_position INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE IF NOT EXISTS navigation_properties (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				entity_type_id INTEGER NOT NULL REFERENCES entity_types(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				target_entity_type TEXT NOT NULL,
				relationship_type TEXT NOT NULL,
				is_collection INTEGER NOT NULL DEFAULT 0,
				nullable INTEGER NOT NULL DEFAULT 1
			);

			CREATE TABLE IF NOT EXISTS enum_types (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT UNIQUE NOT NULL,
				underlying_type TEXT NOT NULL DEFAULT 'Edm.Int32',
				is_flags INTEGER NOT NULL DEFAULT 0,
				namespace TEXT NOT NULL DEFAULT ''
			);

			CREATE TABLE IF NOT EXISTS enum_members (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				enum_type_id INTEGER NOT NULL REFERENCES enum_types(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				value TEXT NOT NULL DEFAULT '',
				ordinal_position INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE IF NOT EXISTS entity_search (
				name TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT ''
			);

			CREATE TABLE IF NOT EXISTS sync_records (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				started_at DATETIME NOT NULL,
				completed_at DATETIME NOT NULL,
				success INTEGER NOT NULL DEFAULT 0,
				error TEXT,
				entity_count INTEGER NOT NULL DEFAULT 0,
				enum_count INTEGER NOT NULL DEFAULT 0,
				document_bytes INTEGER NOT NULL DEFAULT 0,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				source_instance TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX IF NOT EXISTS idx_entity_sets_type ON entity_sets(entity_type_id);
			CREATE INDEX IF NOT EXISTS idx_properties_type ON entity_properties(entity_type_id);
			CREATE INDEX IF NOT EXISTS idx_properties_enum ON entity_properties(entity_type_id, is_enum);
			CREATE INDEX IF NOT EXISTS idx_navprops_type ON navigation_properties(entity_type_id);
			CREATE INDEX IF NOT EXISTS idx_enum_members_type ON enum_members(enum_type_id);
			CREATE INDEX IF NOT EXISTS idx_search_type ON entity_search(type);
		`,
	},
}

// CurrentVersion reports the highest applied migration version, or 0 when
// the database is brand new.
func (s *Store) CurrentVersion(ctx context.Context) (int, error) {
	var exists int
	err := s.db.GetContext(ctx, &exists,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`)
	if err != nil {
		return 0, fmt.Errorf("checking migrations table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err = s.db.GetContext(ctx, &version,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func (s *Store) runPendingMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	current, err := s.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration v%d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// applyMigration runs one migration and its version bookkeeping in a single
// transaction, so a failed migration leaves no partial schema behind.
func (s *Store) applyMigration(ctx context.Context, m migration) error {
	return inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, description) VALUES (?, ?)`,
			m.Version, m.Description)
		return err
	})
}

func inTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
