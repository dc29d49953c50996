// Package db persists the daemon's durable history: lifecycle events and a
// record of every invocation the daemon served.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection and provides logging methods
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode keeps concurrent request workers from serializing on writes
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		// Checkpoint the WAL to ensure all data is written to the main database file
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main database file
func (db *DB) Flush() error {
	if db.conn != nil {
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

// initSchema creates the database tables if they don't exist
func (db *DB) initSchema() error {
	schema := `
	-- Daemon lifecycle events
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- One row per served invocation
	CREATE TABLE IF NOT EXISTS invocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command TEXT NOT NULL,
		argv TEXT NOT NULL,
		working_dir TEXT,
		exit_code INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		graph_version INTEGER NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_invocations_timestamp ON invocations(timestamp);
	CREATE INDEX IF NOT EXISTS idx_invocations_command ON invocations(command);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// DaemonEvent represents a daemon lifecycle event
type DaemonEvent struct {
	ID        int64
	EventType string
	Details   string
	Timestamp time.Time
}

// LogDaemonEvent logs a daemon lifecycle event to the database
func (db *DB) LogDaemonEvent(eventType, details string) error {
	_, err := db.conn.Exec(
		`INSERT INTO daemon_events (event_type, details, timestamp)
		 VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
	return err
}

// Invocation represents one served build command
type Invocation struct {
	ID           int64
	Command      string
	Argv         string
	WorkingDir   string
	ExitCode     int
	Duration     time.Duration
	GraphVersion uint64
	Timestamp    time.Time
}

// LogInvocation records one served command. Concurrent request workers all
// write here, so briefly retry on SQLITE_BUSY rather than dropping the row.
func (db *DB) LogInvocation(argv []string, workingDir string, exitCode int, duration time.Duration, graphVersion uint64) error {
	command := ""
	if len(argv) > 0 {
		command = argv[0]
	}

	maxRetries := 3
	var err error
	for i := 0; i < maxRetries; i++ {
		_, err = db.conn.Exec(
			`INSERT INTO invocations (command, argv, working_dir, exit_code, duration_ms, graph_version, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			command, strings.Join(argv, " "), workingDir, exitCode, duration.Milliseconds(), graphVersion, time.Now(),
		)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to log invocation after %d retries: %w", maxRetries, err)
}

// GetRecentDaemonEvents retrieves recent daemon lifecycle events, newest first
func (db *DB) GetRecentDaemonEvents(limit int) ([]DaemonEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, details, timestamp
		 FROM daemon_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var e DaemonEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentInvocations retrieves recent served commands, newest first
func (db *DB) GetRecentInvocations(limit int) ([]Invocation, error) {
	rows, err := db.conn.Query(
		`SELECT id, command, argv, working_dir, exit_code, duration_ms, graph_version, timestamp
		 FROM invocations
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invocations []Invocation
	for rows.Next() {
		var inv Invocation
		var durationMs int64
		if err := rows.Scan(&inv.ID, &inv.Command, &inv.Argv, &inv.WorkingDir, &inv.ExitCode, &durationMs, &inv.GraphVersion, &inv.Timestamp); err != nil {
			return nil, err
		}
		inv.Duration = time.Duration(durationMs) * time.Millisecond
		invocations = append(invocations, inv)
	}
	return invocations, rows.Err()
}

// CountInvocations returns the total number of invocations served
func (db *DB) CountInvocations() (int64, error) {
	var count int64
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM invocations`).Scan(&count)
	return count, err
}
