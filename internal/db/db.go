// Package db persists companion lifecycle events in SQLite.
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

// DB wraps the SQLite event log
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the event log at path
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer per process; other processes are handled by the retry loop
	conn.SetMaxOpenConns(1)

	// WAL lets `frontman events` read while a running instance writes
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

// Path returns the database file location
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection
func (db *DB) Close() error {
	if db.conn != nil {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS companion_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance TEXT NOT NULL,
		event_type TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_companion_events_timestamp ON companion_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_companion_events_instance ON companion_events(instance);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// CompanionEvent is one recorded lifecycle event
type CompanionEvent struct {
	ID        int64     `json:"id"`
	Instance  string    `json:"instance"`
	EventType string    `json:"event_type"`
	PID       int       `json:"pid"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LogCompanionEvent records a lifecycle event. Writes are retried briefly
// while another process holds the write lock.
func (db *DB) LogCompanionEvent(e CompanionEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(
			`INSERT INTO companion_events (instance, event_type, pid, details, timestamp)
			 VALUES (?, ?, ?, ?, ?)`,
			e.Instance, e.EventType, e.PID, e.Details, e.Timestamp,
		)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return fmt.Errorf("failed to log companion event: %w", err)
	}
	return fmt.Errorf("failed to log companion event after %d retries: database locked", maxRetries)
}

// EventFilter narrows GetCompanionEvents. Zero values match everything.
type EventFilter struct {
	Instance  string
	EventType string
	Since     time.Time
	Limit     int
}

// GetCompanionEvents returns matching events, newest first
func (db *DB) GetCompanionEvents(f EventFilter) ([]CompanionEvent, error) {
	query := `SELECT id, instance, event_type, pid, details, timestamp FROM companion_events`
	var where []string
	var args []any
	if f.Instance != "" {
		where = append(where, "instance = ?")
		args = append(args, f.Instance)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []CompanionEvent
	for rows.Next() {
		var e CompanionEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.Instance, &e.EventType, &e.PID, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByType returns how many events of each type were recorded for instance
// ("" for all instances).
func (db *DB) CountByType(instance string) (map[string]int, error) {
	query := `SELECT event_type, COUNT(*) FROM companion_events`
	var args []any
	if instance != "" {
		query += ` WHERE instance = ?`
		args = append(args, instance)
	}
	query += ` GROUP BY event_type`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var eventType string
		var n int
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, err
		}
		counts[eventType] = n
	}
	return counts, rows.Err()
}
