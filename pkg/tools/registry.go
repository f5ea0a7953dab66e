// Package tools holds the tool registry and the Qlik Sense tools exposed
// to MCP clients, the HTTP API and the CLI.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/freitascorp/qlikclaw/pkg/audit"
	"github.com/freitascorp/qlikclaw/pkg/observability"
	"github.com/freitascorp/qlikclaw/pkg/resilience"
)

// Tool is one callable operation. Parameters returns a JSON Schema object
// describing the arguments Execute accepts.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *ToolResult
}

// ToolDefinition is the function-calling view of a tool.
type ToolDefinition struct {
	Type     string                 `json:"type"`
	Function ToolFunctionDefinition `json:"function"`
}

// ToolFunctionDefinition names a tool and its argument schema.
type ToolFunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Guard authorizes a call before it runs. A non-nil error rejects it.
type Guard interface {
	Authorize(ctx context.Context, tool string, args map[string]any) error
}

// RegistryOption configures a ToolRegistry.
type RegistryOption func(*ToolRegistry)

// WithMetrics records call counts and latency.
func WithMetrics(m *observability.EngineMetrics) RegistryOption {
	return func(r *ToolRegistry) { r.metrics = m }
}

// WithAudit records every call in the audit log.
func WithAudit(l *audit.Logger) RegistryOption {
	return func(r *ToolRegistry) { r.audit = l }
}

// WithBulkhead bounds the number of tool calls running at once.
func WithBulkhead(b *resilience.Bulkhead) RegistryOption {
	return func(r *ToolRegistry) { r.bulkhead = b }
}

// WithGuard checks every call against g before it runs.
func WithGuard(g Guard) RegistryOption {
	return func(r *ToolRegistry) { r.guard = g }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *ToolRegistry) { r.logger = l }
}

// ToolRegistry holds the registered tools and runs them.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	metrics  *observability.EngineMetrics
	audit    *audit.Logger
	bulkhead *resilience.Bulkhead
	guard    Guard
	logger   *slog.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(opts ...RegistryOption) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Register adds t, replacing any tool with the same name.
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get looks a tool up by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tool names in sorted order.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ToProviderDefs returns every tool definition sorted by name.
func (r *ToolRegistry) ToProviderDefs() []ToolDefinition {
	names := r.List()
	defs := make([]ToolDefinition, 0, len(names))
	for _, n := range names {
		t, ok := r.Get(n)
		if !ok {
			continue
		}
		defs = append(defs, ToolDefinition{
			Type: "function",
			Function: ToolFunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs the named tool. It never returns nil; unknown tools, guard
// denials, a full bulkhead and panics all come back as error results.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) *ToolResult {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("tool %q not found", name))
	}
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	var result *ToolResult
	run := func() error {
		if r.metrics != nil {
			r.metrics.ActiveTools.Inc()
			defer r.metrics.ActiveTools.Dec()
		}
		result = r.safeExecute(ctx, t, args)
		return nil
	}

	var denied error
	if r.guard != nil {
		denied = r.guard.Authorize(ctx, name, args)
	}
	switch {
	case denied != nil:
		result = FailureResult(denied)
	case r.bulkhead != nil:
		if err := r.bulkhead.Execute(ctx, run); err != nil {
			if r.metrics != nil {
				r.metrics.BulkheadRejects.Inc()
			}
			result = ErrorResult(fmt.Sprintf("tool %s not started: %v", name, err)).WithError(err)
		}
	default:
		_ = run()
	}
	elapsed := time.Since(start)

	if r.metrics != nil {
		r.metrics.ToolCalls.Inc()
		r.metrics.ToolLatency.Observe(elapsed.Seconds())
		if result.IsError {
			r.metrics.ToolErrors.Inc()
		}
	}

	fields := []any{"tool", name, "duration_ms", elapsed.Milliseconds()}
	if result.IsError {
		r.logger.Warn("tool call failed", append(fields, "error", errText(result))...)
	} else {
		r.logger.Debug("tool call", fields...)
	}

	if r.audit != nil {
		var callErr string
		if result.IsError {
			callErr = errText(result)
		}
		// The audit write must outlive a cancelled request.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := r.audit.LogToolCall(actx, name, args, elapsed, callErr); err != nil {
			r.logger.Error("audit write failed", "tool", name, "error", err)
		}
		cancel()
	}
	return result
}

func (r *ToolRegistry) safeExecute(ctx context.Context, t Tool, args map[string]any) (result *ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", t.Name(), "panic", p)
			result = ErrorResult(fmt.Sprintf("tool %s failed: %v", t.Name(), p))
		}
	}()
	result = t.Execute(ctx, args)
	if result == nil {
		result = SilentResult("")
	}
	return result
}

func errText(r *ToolResult) string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return r.ForLLM
}
