// Package db provides the on-device SQLite store: durable pending changes and
// cached query results.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created under the data directory.
const FileName = "companion.db"

// DB wraps the sql.DB with the local store configuration.
type DB struct {
	*sql.DB
}

// Open opens the SQLite database in dataDir and applies pending schema
// migrations. The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return open(filepath.Join(dataDir, FileName), true)
}

// OpenInMemory opens a private in-memory database with the schema applied.
func OpenInMemory() (*DB, error) {
	return open(":memory:", false)
}

func open(dsn string, wal bool) (*DB, error) {
	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers, and an in-memory database is
	// private to its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if wal {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	m := NewMigrator(db, Migrations())
	if err := m.Initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
