// Package store owns the local SQLite metadata cache: schema migrations,
// bulk-loaded D365 metadata tables, the relevance-scored query engine, sync
// history, and curated entity instructions.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding all cached metadata. A Store is
// safe for concurrent use; SQLite serializes writes behind a single
// connection.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (creating if necessary) the metadata database under dataDir
// and brings the schema up to date. Pass an empty dataDir for an in-memory
// database, used by tests.
func NewStore(dataDir string) (*Store, error) {
	dsn := ":memory:?_journal_mode=WAL"
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "metadata.db") + "?_journal_mode=WAL"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening metadata db: %w", err)
	}

	// modernc.org/sqlite misbehaves with concurrent writers on one file;
	// a single connection keeps every statement serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.runPendingMigrations(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for components that bulk-load in their
// own transactions, such as the metadata parser.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
