// Package health serves liveness and readiness probes for the HTTP
// front-end. Readiness runs every registered check; liveness only reports
// that the process is up.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// CheckFunc reports whether a dependency is usable, with a short message.
type CheckFunc func(ctx context.Context) (bool, string)

// Check is the outcome of one readiness check.
type Check struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse is the body of /health and /ready.
type StatusResponse struct {
	Status string           `json:"status"`
	Uptime string           `json:"uptime"`
	Checks map[string]Check `json:"checks,omitempty"`
}

// Checker tracks readiness and the registered checks.
type Checker struct {
	mu        sync.RWMutex
	ready     bool
	checks    map[string]CheckFunc
	startTime time.Time
	timeout   time.Duration
}

// NewChecker creates a Checker that starts out not ready. Each check gets
// at most timeout to answer.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		checks:    make(map[string]CheckFunc),
		startTime: time.Now(),
		timeout:   timeout,
	}
}

// RegisterCheck adds a named readiness check.
func (c *Checker) RegisterCheck(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// SetReady flips the readiness gate.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// Ready reports the readiness gate, ignoring checks.
func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Run executes every check concurrently and reports whether all passed.
func (c *Checker) Run(ctx context.Context) (bool, map[string]Check) {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	fns := make(map[string]CheckFunc, len(c.checks))
	for n, fn := range c.checks {
		names = append(names, n)
		fns[n] = fn
	}
	c.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var mu sync.Mutex
	var wg sync.WaitGroup
	results := make(map[string]Check, len(names))
	allOK := true
	for _, n := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, msg := fns[n](ctx)
			mu.Lock()
			defer mu.Unlock()
			results[n] = Check{Name: n, Status: statusString(ok), Message: msg, Timestamp: time.Now()}
			allOK = allOK && ok
		}()
	}
	wg.Wait()
	return allOK, results
}

// HealthHandler answers liveness probes.
func (c *Checker) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status: "ok",
		Uptime: time.Since(c.startTime).Round(time.Second).String(),
	})
}

// ReadyHandler answers readiness probes: 200 only when the gate is open
// and every check passes.
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ok, checks := c.Run(r.Context())
	resp := StatusResponse{
		Status: "ready",
		Uptime: time.Since(c.startTime).Round(time.Second).String(),
		Checks: checks,
	}
	code := http.StatusOK
	if !ok || !c.Ready() {
		resp.Status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func statusString(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
