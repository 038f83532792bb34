// Package cache stores resume positions and play history in SQLite.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog/log"
)

const (
	// CurrentSchemaVersion is the current database schema version.
	CurrentSchemaVersion = "1"

	// DefaultDBPath is the default path for the playback database.
	DefaultDBPath = "data/playback.db"
)

// ErrNotOpen is returned by every call made before Open or after Close.
var ErrNotOpen = errors.New("database not open")

// DB is the SQLite playback database.
type DB struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// NewDB creates a database handle for path. It does not open the file.
func NewDB(path string) *DB {
	if path == "" {
		path = DefaultDBPath
	}
	return &DB{path: path}
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Open opens the database and initializes the schema.
func (d *DB) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", d.path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open playback database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	d.db = db

	if err := d.initSchema(); err != nil {
		d.db.Close()
		d.db = nil
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", d.path).Msg("Playback database opened")
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func (d *DB) initSchema() error {
	version := d.getMeta("schema_version")
	if version == CurrentSchemaVersion {
		return nil
	}
	if version != "" {
		log.Info().
			Str("current", version).
			Str("target", CurrentSchemaVersion).
			Msg("Migrating playback schema")
	}
	if err := d.createSchema(); err != nil {
		return err
	}
	return d.setMeta("schema_version", CurrentSchemaVersion)
}

func (d *DB) createSchema() error {
	schema := `
	-- Last known position per item
	CREATE TABLE IF NOT EXISTS positions (
		item_id TEXT PRIMARY KEY,
		position_ms INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- One row per successful load
	CREATE TABLE IF NOT EXISTS play_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		title TEXT,
		played_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cache_meta (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_history_played ON play_history(played_at DESC);
	CREATE INDEX IF NOT EXISTS idx_history_item ON play_history(item_id);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	log.Debug().Msg("Playback schema created")
	return nil
}

func (d *DB) getMeta(key string) string {
	var value string
	if err := d.db.QueryRow("SELECT value FROM cache_meta WHERE key = ?", key).Scan(&value); err != nil {
		return ""
	}
	return value
}

func (d *DB) setMeta(key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := d.db.Exec(`
		INSERT INTO cache_meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	return err
}

// Stats summarizes the database contents.
type Stats struct {
	SchemaVersion string `json:"schemaVersion"`
	PositionCount int    `json:"positionCount"`
	PlayCount     int    `json:"playCount"`
}

// GetStats returns row counts and the schema version.
func (d *DB) GetStats(ctx context.Context) (Stats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return Stats{}, ErrNotOpen
	}

	stats := Stats{SchemaVersion: d.getMeta("schema_version")}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM positions").Scan(&stats.PositionCount); err != nil {
		return Stats{}, err
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM play_history").Scan(&stats.PlayCount); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Clear removes all positions and history but keeps the schema.
func (d *DB) Clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return ErrNotOpen
	}

	for _, table := range []string{"positions", "play_history"} {
		if _, err := d.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	log.Info().Msg("Playback database cleared")
	return nil
}
