// Package audit records qlikclaw tool invocations as append-only events.
//
// Every tool call that reaches the engine or the Repository API is written
// as one structured event: who asked, which tool, which application, how
// long it took and whether it failed. Events can be queried back for review.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	EventToolCall EventType = "tool.call"
	EventServe    EventType = "server.start"
)

// Event is a single immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Type      EventType      `json:"type"`
	User      string         `json:"user"`
	Action    string         `json:"action"`
	Target    *EventTarget   `json:"target,omitempty"`
	Result    *EventResult   `json:"result,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventTarget names the Qlik resource an action touched.
type EventTarget struct {
	AppID    string `json:"app_id,omitempty"`
	ObjectID string `json:"object_id,omitempty"`
	Field    string `json:"field,omitempty"`
}

// EventResult captures the outcome of the action.
type EventResult struct {
	Status     string `json:"status"` // "success" or "failure"
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// QueryOptions filters audit log queries.
type QueryOptions struct {
	User   string
	Type   EventType
	Action string
	Since  time.Time
	Until  time.Time
	Limit  int
}

func (o QueryOptions) match(e *Event) bool {
	if o.User != "" && e.User != o.User {
		return false
	}
	if o.Type != "" && e.Type != o.Type {
		return false
	}
	if o.Action != "" && e.Action != o.Action {
		return false
	}
	if !o.Since.IsZero() && e.Timestamp.Before(o.Since) {
		return false
	}
	if !o.Until.IsZero() && e.Timestamp.After(o.Until) {
		return false
	}
	return true
}

// Store is the persistence interface for the audit log.
type Store interface {
	// Append writes an event. Events are immutable once written.
	Append(ctx context.Context, event *Event) error

	// Query retrieves events matching the given filters, oldest first.
	Query(ctx context.Context, opts QueryOptions) ([]*Event, error)

	Close() error
}

// stamp fills the ID and timestamp of a new event.
func stamp(e *Event) {
	if e.ID == "" {
		e.ID = "evt_" + uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// ------------------------------------------------------------------
// File-based audit store (append-only JSONL)
// ------------------------------------------------------------------

// FileStore appends one JSON event per line to dir/audit.jsonl.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a file-based audit store in dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, "audit.jsonl")}, nil
}

// Append writes an event to the audit log.
func (s *FileStore) Append(_ context.Context, event *Event) error {
	stamp(event)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Query reads events matching the given filters.
func (s *FileStore) Query(_ context.Context, opts QueryOptions) ([]*Event, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	var results []*Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip malformed lines
		}
		if !opts.match(&e) {
			continue
		}
		results = append(results, &e)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}
	return results, sc.Err()
}

func (s *FileStore) Close() error { return nil }

// NopStore discards every event.
type NopStore struct{}

func (NopStore) Append(context.Context, *Event) error                 { return nil }
func (NopStore) Query(context.Context, QueryOptions) ([]*Event, error) { return nil, nil }
func (NopStore) Close() error                                         { return nil }

// ------------------------------------------------------------------
// Logger is a convenience wrapper for emitting audit events
// ------------------------------------------------------------------

// Logger provides helper methods for common audit patterns.
type Logger struct {
	store Store
	user  string
}

// NewLogger creates an audit logger recording events as user.
func NewLogger(store Store, user string) *Logger {
	if store == nil {
		store = NopStore{}
	}
	if user == "" {
		user = "anonymous"
	}
	return &Logger{store: store, user: user}
}

// Store returns the backing store.
func (l *Logger) Store() Store { return l.store }

// LogToolCall records one tool invocation. Argument values are kept as
// metadata so the call can be replayed from the log.
func (l *Logger) LogToolCall(ctx context.Context, tool string, args map[string]any, elapsed time.Duration, callErr string) error {
	result := &EventResult{Status: "success", DurationMS: elapsed.Milliseconds()}
	if callErr != "" {
		result.Status = "failure"
		result.Error = callErr
	}

	var target *EventTarget
	appID, _ := args["app_id"].(string)
	objectID, _ := args["object_id"].(string)
	field, _ := args["field_name"].(string)
	if appID != "" || objectID != "" || field != "" {
		target = &EventTarget{AppID: appID, ObjectID: objectID, Field: field}
	}

	return l.store.Append(ctx, &Event{
		Type:     EventToolCall,
		User:     l.user,
		Action:   tool,
		Target:   target,
		Result:   result,
		Metadata: map[string]any{"arguments": args},
	})
}

// LogServe records a front-end starting up.
func (l *Logger) LogServe(ctx context.Context, transport, addr string) error {
	md := map[string]any{"transport": transport}
	if addr != "" {
		md["addr"] = addr
	}
	return l.store.Append(ctx, &Event{
		Type:     EventServe,
		User:     l.user,
		Action:   "serve." + transport,
		Result:   &EventResult{Status: "success"},
		Metadata: md,
	})
}
