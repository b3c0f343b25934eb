// Package audit keeps a persistent history of the mutations issued against
// a control plane.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/sgmanager/internal/clock"
)

// Status values recorded for an event.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Event is a single audit log entry: one mutation attempted during a run.
type Event struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	Group     string         `json:"group,omitempty"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Filter selects events in Query. Zero fields match everything.
type Filter struct {
	RunID  string
	Action string
	Since  time.Time
	Limit  int
}

// Store provides persistent storage for audit events.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	clock         clock.Clock
	retentionDays int
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for timestamps and pruning.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithRetention sets how many days of history Prune keeps.
func WithRetention(days int) Option {
	return func(s *Store) {
		if days > 0 {
			s.retentionDays = days
		}
	}
}

// NewStore opens (creating if needed) the audit store at dbPath.
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// One writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			action TEXT NOT NULL,
			target TEXT NOT NULL,
			grp TEXT,
			status TEXT NOT NULL,
			error TEXT,
			details TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_events(run_id);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	s := &Store{
		db:            db,
		clock:         clock.RealClock{},
		retentionDays: 90,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Write persists an audit event. A zero timestamp is set from the clock.
func (s *Store) Write(ctx context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock.Now()
	}

	var details sql.NullString
	if evt.Details != nil {
		data, err := json.Marshal(evt.Details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (run_id, timestamp, action, target, grp, status, error, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.RunID, evt.Timestamp.UTC(), evt.Action, evt.Target, nullString(evt.Group),
		evt.Status, nullString(evt.Error), details)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Recent returns the latest limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	return s.Query(ctx, Filter{Limit: limit})
}

// Query returns the events matching f, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UTC())
	}

	query := `SELECT id, run_id, timestamp, action, target, grp, status, error, details FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		var group, errMsg, details sql.NullString

		err := rows.Scan(&evt.ID, &evt.RunID, &evt.Timestamp, &evt.Action, &evt.Target,
			&group, &evt.Status, &errMsg, &details)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		evt.Group = group.String
		evt.Error = errMsg.String
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &evt.Details); err != nil {
				return nil, fmt.Errorf("decode audit details of event %d: %w", evt.ID, err)
			}
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Prune removes events older than the retention period.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().AddDate(0, 0, -s.retentionDays).UTC()
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the total number of events in the store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
