package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStore keeps audit events in PostgreSQL so several qlikclaw
// instances can share one log.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects with a lib/pq DSN such as
// "host=db user=qlik dbname=audit sslmode=require" or a postgres:// URL.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS qlikclaw_audit_events (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			ts TIMESTAMPTZ NOT NULL,
			type TEXT NOT NULL,
			"user" TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			event JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_qlikclaw_audit_ts ON qlikclaw_audit_events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_qlikclaw_audit_user ON qlikclaw_audit_events("user")`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Append writes an event.
func (s *PostgresStore) Append(ctx context.Context, event *Event) error {
	stamp(event)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO qlikclaw_audit_events (id, ts, type, "user", action, event) VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Timestamp.UTC(), string(event.Type), event.User, event.Action, string(data))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Query retrieves events matching opts, oldest first.
func (s *PostgresStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	query, args := buildQuery("qlikclaw_audit_events", opts, pgPlaceholder,
		func(t time.Time) any { return t.UTC() })
	return scanEvents(ctx, s.db, query, args)
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }
