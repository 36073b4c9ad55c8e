// Package eventstore keeps an append-only log of build lifecycle events in
// SQLite, giving operators a queryable history independent of the per-build
// directories.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Event types recorded by the orchestrator.
const (
	TypeScheduled        = "scheduled"
	TypeStarted          = "started"
	TypeFinished         = "finished"
	TypeDeleted          = "deleted"
	TypePermalinkUpdated = "permalink_updated"
)

// Event is one recorded build lifecycle transition.
type Event struct {
	ID        int64     `json:"id"`
	Job       string    `json:"job"`
	BuildID   string    `json:"build_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Store is the SQLite-backed event log. Safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the event log. Use ":memory:" for tests.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event database: %w", err)
	}
	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize event schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS build_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job TEXT NOT NULL,
		build_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		detail TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_build_events_job ON build_events(job);
	CREATE INDEX IF NOT EXISTS idx_build_events_build ON build_events(job, build_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append records one event.
func (s *Store) Append(ctx context.Context, job, buildID, eventType, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO build_events (job, build_id, event_type, timestamp, detail) VALUES (?, ?, ?, ?, ?)`,
		job, buildID, eventType, time.Now().UnixMilli(), detail)
	if err != nil {
		return fmt.Errorf("append build event: %w", err)
	}
	return nil
}

// ForBuild returns the events of one build, oldest first.
func (s *Store) ForBuild(ctx context.Context, job, buildID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job, build_id, event_type, timestamp, detail
		 FROM build_events WHERE job = ? AND build_id = ? ORDER BY id`,
		job, buildID)
	if err != nil {
		return nil, fmt.Errorf("query build events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ForJob returns the most recent events of one job, newest first.
func (s *Store) ForJob(ctx context.Context, job string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job, build_id, event_type, timestamp, detail
		 FROM build_events WHERE job = ? ORDER BY id DESC LIMIT ?`,
		job, limit)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var ts int64
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Job, &e.BuildID, &e.Type, &ts, &detail); err != nil {
			return nil, fmt.Errorf("scan build event: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
