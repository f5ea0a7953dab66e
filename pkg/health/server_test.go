package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probe(t *testing.T, h http.HandlerFunc, path string) (int, StatusResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func passing(msg string) CheckFunc {
	return func(context.Context) (bool, string) { return true, msg }
}

func failing(msg string) CheckFunc {
	return func(context.Context) (bool, string) { return false, msg }
}

func TestHealthHandler(t *testing.T) {
	c := NewChecker(time.Second)
	c.RegisterCheck("engine", failing("down"))

	code, body := probe(t, c.HealthHandler, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, body.Uptime)
	assert.Empty(t, body.Checks)
}

func TestReadyHandler_Gate(t *testing.T) {
	c := NewChecker(time.Second)
	assert.False(t, c.Ready())

	code, body := probe(t, c.ReadyHandler, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready", body.Status)

	c.SetReady(true)
	code, body = probe(t, c.ReadyHandler, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body.Status)

	c.SetReady(false)
	code, _ = probe(t, c.ReadyHandler, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestReadyHandler_Checks(t *testing.T) {
	c := NewChecker(time.Second)
	c.SetReady(true)
	c.RegisterCheck("engine", passing("session open"))

	code, body := probe(t, c.ReadyHandler, "/ready")
	assert.Equal(t, http.StatusOK, code)
	require.Contains(t, body.Checks, "engine")
	assert.Equal(t, "ok", body.Checks["engine"].Status)
	assert.Equal(t, "session open", body.Checks["engine"].Message)

	c.RegisterCheck("repository", failing("circuit open"))
	code, body = probe(t, c.ReadyHandler, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready", body.Status)
	assert.Equal(t, "fail", body.Checks["repository"].Status)
	assert.Equal(t, "ok", body.Checks["engine"].Status)
}

func TestRun_TimeoutBoundsChecks(t *testing.T) {
	c := NewChecker(20 * time.Millisecond)
	c.RegisterCheck("slow", func(ctx context.Context) (bool, string) {
		<-ctx.Done()
		return false, ctx.Err().Error()
	})

	start := time.Now()
	ok, checks := c.Run(context.Background())
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, context.DeadlineExceeded.Error(), checks["slow"].Message)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "ok", statusString(true))
	assert.Equal(t, "fail", statusString(false))
}
