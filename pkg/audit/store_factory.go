package audit

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// NewStore creates the Store for backend.
//
// Backends:
//   - "none"     discard events
//   - "file"     JSON Lines under the directory dsn
//   - "sqlite"   single-file database at dsn (a directory gets audit.db)
//   - "postgres" lib/pq connection string in dsn
func NewStore(backend, dsn string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch backend {
	case "", "none":
		return NopStore{}, nil

	case "file":
		if dsn == "" {
			return nil, fmt.Errorf("file audit store requires a directory in dsn")
		}
		logger.Info("audit store: using JSONL file backend", "dir", dsn)
		return NewFileStore(dsn)

	case "sqlite":
		if dsn == "" {
			return nil, fmt.Errorf("sqlite audit store requires a database path in dsn")
		}
		path := dsn
		if filepath.Ext(path) == "" && path != ":memory:" {
			path = filepath.Join(path, "audit.db")
		}
		logger.Info("audit store: using SQLite backend", "path", path)
		return NewSQLiteStore(path)

	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres audit store requires a connection string in dsn")
		}
		logger.Info("audit store: using PostgreSQL backend")
		return NewPostgresStore(dsn)

	default:
		return nil, fmt.Errorf("unknown audit backend: %q (supported: none, file, sqlite, postgres)", backend)
	}
}
