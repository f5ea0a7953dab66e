package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGo)
)

// sqliteTime is a fixed-width UTC layout so stored timestamps sort as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore keeps audit events in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
// Use ":memory:" for a throwaway database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// One writer keeps appends ordered and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			ts DATETIME NOT NULL,
			type TEXT NOT NULL,
			user TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			event TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_events(user)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Append writes an event.
func (s *SQLiteStore) Append(ctx context.Context, event *Event) error {
	stamp(event)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, ts, type, user, action, event) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.UTC().Format(sqliteTime), string(event.Type), event.User, event.Action, string(data))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Query retrieves events matching opts, oldest first.
func (s *SQLiteStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	query, args := buildQuery("audit_events", opts, func(int) string { return "?" },
		func(t time.Time) any { return t.UTC().Format(sqliteTime) })
	return scanEvents(ctx, s.db, query, args)
}

// buildQuery assembles the filtered select shared by the SQL stores.
// placeholder renders the n-th bind parameter for the driver.
func buildQuery(table string, opts QueryOptions, placeholder func(n int) string, timeArg func(time.Time) any) (string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, placeholder(len(args))))
	}

	if opts.User != "" {
		add(`"user" = %s`, opts.User)
	}
	if opts.Type != "" {
		add("type = %s", string(opts.Type))
	}
	if opts.Action != "" {
		add("action = %s", opts.Action)
	}
	if !opts.Since.IsZero() {
		add("ts >= %s", timeArg(opts.Since))
	}
	if !opts.Until.IsZero() {
		add("ts <= %s", timeArg(opts.Until))
	}

	q := "SELECT event FROM " + table
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq ASC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += " LIMIT " + placeholder(len(args))
	}
	return q, args
}

func scanEvents(ctx context.Context, db *sql.DB, query string, args []any) ([]*Event, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("unmarshal audit event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
