// Package audit persists an append-only log of connection, session,
// and pairing lifecycle events to a local SQLite database. It is the
// agent's only durable history — never sent over the wire, consulted
// only by an operator inspecting what happened on the machine.
package audit

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Category buckets an Event by the subsystem it came from.
type Category string

const (
	CategoryConnection Category = "connection"
	CategorySession    Category = "session"
	CategoryPairing    Category = "pairing"
)

// Event is one row of the audit log.
type Event struct {
	ID        int64
	Timestamp time.Time
	Category  Category
	EventType string
	SubjectID string
	Detail    *string
}

// Store wraps a SQLite-backed audit database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at dsn and applies
// any pending migrations. Pass ":memory:" for an ephemeral store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Append records one audit event.
func (s *Store) Append(category Category, eventType, subjectID string, detail *string) error {
	_, err := s.db.Exec(
		"INSERT INTO audit_events (category, event, subject_id, detail) VALUES (?, ?, ?, ?)",
		string(category), eventType, subjectID, detail,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// ListBySubject returns every event recorded against subjectID,
// ordered oldest-first.
func (s *Store) ListBySubject(subjectID string) ([]*Event, error) {
	rows, err := s.db.Query(`SELECT id, timestamp, category, event, subject_id, detail
		FROM audit_events WHERE subject_id = ? ORDER BY timestamp`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("audit: list by subject: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListByCategory returns the most recent limit events in category,
// newest-first.
func (s *Store) ListByCategory(category Category, limit int) ([]*Event, error) {
	rows, err := s.db.Query(`SELECT id, timestamp, category, event, subject_id, detail
		FROM audit_events WHERE category = ? ORDER BY timestamp DESC LIMIT ?`, string(category), limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list by category: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var category string
		if err := rows.Scan(&e.ID, &e.Timestamp, &category, &e.EventType, &e.SubjectID, &e.Detail); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.Category = Category(category)
		events = append(events, e)
	}
	return events, rows.Err()
}
