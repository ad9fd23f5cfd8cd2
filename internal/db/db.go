// Package db provides database connection management and the event store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "adherence.db"

// DB wraps the sql.DB with the engine's connection settings.
type DB struct {
	*sql.DB
}

// Open opens the SQLite database inside dataDir, creating the directory if
// needed. The database is opened with:
// - a single connection (SQLite has one writer)
// - WAL mode for durable appends
// - foreign key constraints enabled (cascade deletes depend on it)
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenDSN(filepath.Join(dataDir, FileName))
}

// OpenMemory opens a private in-memory database. Used by tests and by the
// CLI's dry-run mode.
func OpenMemory() (*DB, error) {
	return OpenDSN(":memory:")
}

// OpenDSN opens a database by driver DSN and applies connection pragmas.
func OpenDSN(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection keeps pragmas and in-memory databases stable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&fk); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fk != 1 {
		db.Close()
		return nil, fmt.Errorf("foreign keys are not enabled in this SQLite build")
	}

	return &DB{db}, nil
}

// Migrate applies all embedded migrations.
func (db *DB) Migrate() error {
	m := NewMigrator(db.DB, Migrations)
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return m.Up()
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
