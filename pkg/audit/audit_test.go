package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// stores returns every store that runs without external services.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ss, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })
	return map[string]Store{"file": fs, "sqlite": ss}
}

func TestStore_AppendAndQuery(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			event := &Event{
				Type:   EventToolCall,
				User:   "alice",
				Action: "get_app_script",
				Target: &EventTarget{AppID: "app-1"},
				Result: &EventResult{Status: "success", DurationMS: 12},
			}
			require.NoError(t, store.Append(ctx, event))
			assert.NotEmpty(t, event.ID)
			assert.False(t, event.Timestamp.IsZero())

			events, err := store.Query(ctx, QueryOptions{})
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, event.ID, events[0].ID)
			assert.Equal(t, "alice", events[0].User)
			assert.Equal(t, "app-1", events[0].Target.AppID)
			assert.EqualValues(t, 12, events[0].Result.DurationMS)
		})
	}
}

func TestStore_QueryFilters(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, e := range []*Event{
				{Type: EventToolCall, User: "alice", Action: "get_apps", Timestamp: base},
				{Type: EventToolCall, User: "bob", Action: "get_app_field", Timestamp: base.Add(time.Hour)},
				{Type: EventServe, User: "alice", Action: "serve.stdio", Timestamp: base.Add(2 * time.Hour)},
				{Type: EventToolCall, User: "alice", Action: "get_apps", Timestamp: base.Add(3 * time.Hour)},
			} {
				e.ID = fmt.Sprintf("evt-%d", i)
				require.NoError(t, store.Append(ctx, e))
			}

			byUser, err := store.Query(ctx, QueryOptions{User: "alice"})
			require.NoError(t, err)
			assert.Len(t, byUser, 3)

			byType, err := store.Query(ctx, QueryOptions{Type: EventServe})
			require.NoError(t, err)
			require.Len(t, byType, 1)
			assert.Equal(t, "serve.stdio", byType[0].Action)

			byAction, err := store.Query(ctx, QueryOptions{Action: "get_apps"})
			require.NoError(t, err)
			assert.Len(t, byAction, 2)

			window, err := store.Query(ctx, QueryOptions{Since: base.Add(30 * time.Minute), Until: base.Add(150 * time.Minute)})
			require.NoError(t, err)
			require.Len(t, window, 2)
			assert.Equal(t, "evt-1", window[0].ID)
			assert.Equal(t, "evt-2", window[1].ID)

			limited, err := store.Query(ctx, QueryOptions{Limit: 2})
			require.NoError(t, err)
			require.Len(t, limited, 2)
			assert.Equal(t, "evt-0", limited[0].ID)
		})
	}
}

func TestStore_ConcurrentAppend(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := range 40 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, store.Append(ctx, &Event{Type: EventToolCall, User: "u", Action: fmt.Sprintf("call-%d", i)}))
				}()
			}
			wg.Wait()

			events, err := store.Query(ctx, QueryOptions{})
			require.NoError(t, err)
			assert.Len(t, events, 40)
		})
	}
}

func TestFileStore_EmptyLog(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	events, err := store.Query(context.Background(), QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFileStore_MalformedLines(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &Event{Type: EventToolCall, User: "a", Action: "get_apps"}))
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, store.Append(ctx, &Event{Type: EventToolCall, User: "b", Action: "get_apps"}))

	events, err := store.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[1].User)
}

func TestLogger_LogToolCall(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	l := NewLogger(store, "svc")
	ctx := context.Background()

	args := map[string]any{"app_id": "app-9", "field_name": "Region", "limit": float64(5)}
	require.NoError(t, l.LogToolCall(ctx, "get_app_field", args, 1500*time.Millisecond, ""))
	require.NoError(t, l.LogToolCall(ctx, "get_apps", nil, time.Millisecond, "connection_exhausted: no endpoint"))

	events, err := store.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2)

	ok := events[0]
	assert.Equal(t, EventToolCall, ok.Type)
	assert.Equal(t, "svc", ok.User)
	assert.Equal(t, "get_app_field", ok.Action)
	assert.Equal(t, &EventTarget{AppID: "app-9", Field: "Region"}, ok.Target)
	assert.Equal(t, "success", ok.Result.Status)
	assert.EqualValues(t, 1500, ok.Result.DurationMS)
	assert.Equal(t, "app-9", ok.Metadata["arguments"].(map[string]any)["app_id"])

	failed := events[1]
	assert.Nil(t, failed.Target)
	assert.Equal(t, "failure", failed.Result.Status)
	assert.Contains(t, failed.Result.Error, "connection_exhausted")
}

func TestLogger_LogServe(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	l := NewLogger(store, "")
	require.NoError(t, l.LogServe(context.Background(), "http", ":8000"))

	events, err := store.Query(context.Background(), QueryOptions{Type: EventServe})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "anonymous", events[0].User)
	assert.Equal(t, "serve.http", events[0].Action)
	assert.Equal(t, ":8000", events[0].Metadata["addr"])
}

func TestNewStore(t *testing.T) {
	log := quietLogger()

	s, err := NewStore("none", "", log)
	require.NoError(t, err)
	assert.IsType(t, NopStore{}, s)

	dir := t.TempDir()
	s, err = NewStore("file", dir, log)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = NewStore("sqlite", dir, log)
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &SQLiteStore{}, s)
	assert.FileExists(t, filepath.Join(dir, "audit.db"))

	_, err = NewStore("file", "", log)
	assert.Error(t, err)
	_, err = NewStore("postgres", "", log)
	assert.Error(t, err)
	_, err = NewStore("kafka", "x", log)
	assert.ErrorContains(t, err, "unknown audit backend")
}

func TestBuildQueryPlaceholders(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args := buildQuery("t", QueryOptions{User: "a", Since: since, Limit: 5}, pgPlaceholder,
		func(t time.Time) any { return t })
	assert.Equal(t, `SELECT event FROM t WHERE "user" = $1 AND ts >= $2 ORDER BY seq ASC LIMIT $3`, q)
	assert.Equal(t, []any{"a", since, 5}, args)
}

// TestPostgresStore runs against a live database when QLIK_TEST_PG_DSN is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("QLIK_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("QLIK_TEST_PG_DSN not set")
	}
	store, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	action := "pg-test-" + time.Now().Format("150405.000000")
	require.NoError(t, store.Append(ctx, &Event{Type: EventToolCall, User: "pg", Action: action}))
	events, err := store.Query(ctx, QueryOptions{Action: action})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "pg", events[0].User)
}
