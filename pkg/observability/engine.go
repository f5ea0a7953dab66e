package observability

// EngineMetrics is the qlikclaw metric suite. Every component takes a
// possibly-nil *EngineMetrics and skips recording when it is nil.
type EngineMetrics struct {
	Registry *MetricsRegistry

	// Engine connection
	Negotiations    *Counter
	DialFailures    *Counter
	ConnectionsLost *Counter
	DocumentsOpened *Counter

	// Engine RPC
	RPCCalls     *Counter
	RPCErrors    *Counter
	RPCTimeouts  *Counter
	RPCLatency   *Histogram
	PendingCalls *Gauge

	// Repository API
	RepositoryRequests *Counter
	RepositoryErrors   *Counter
	CircuitTrips       *Counter

	// Tools
	ToolCalls       *Counter
	ToolErrors      *Counter
	ToolLatency     *Histogram
	BulkheadRejects *Counter
	ActiveTools     *Gauge
}

// NewEngineMetrics creates the metric suite on a fresh registry.
func NewEngineMetrics() *EngineMetrics {
	r := NewMetricsRegistry()
	latency := []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	return &EngineMetrics{
		Registry: r,

		Negotiations:    r.GetCounter("qlikclaw_engine_negotiations_total", "Successful engine endpoint negotiations"),
		DialFailures:    r.GetCounter("qlikclaw_engine_dial_failures_total", "Failed engine dial attempts"),
		ConnectionsLost: r.GetCounter("qlikclaw_engine_connections_lost_total", "Engine connections lost unexpectedly"),
		DocumentsOpened: r.GetCounter("qlikclaw_engine_documents_opened_total", "Applications opened on the engine"),

		RPCCalls:     r.GetCounter("qlikclaw_engine_rpc_calls_total", "Engine JSON-RPC calls completed"),
		RPCErrors:    r.GetCounter("qlikclaw_engine_rpc_errors_total", "Engine JSON-RPC calls that failed"),
		RPCTimeouts:  r.GetCounter("qlikclaw_engine_rpc_timeouts_total", "Engine JSON-RPC calls that timed out"),
		RPCLatency:   r.GetHistogram("qlikclaw_engine_rpc_latency_seconds", "Engine JSON-RPC round-trip latency", latency),
		PendingCalls: r.GetGauge("qlikclaw_engine_pending_calls", "Engine calls awaiting a reply"),

		RepositoryRequests: r.GetCounter("qlikclaw_repository_requests_total", "Repository and Qlik Cloud API requests"),
		RepositoryErrors:   r.GetCounter("qlikclaw_repository_errors_total", "Repository and Qlik Cloud API requests that failed"),
		CircuitTrips:       r.GetCounter("qlikclaw_circuit_breaker_trips_total", "Circuit breaker transitions to open"),

		ToolCalls:       r.GetCounter("qlikclaw_tool_calls_total", "Tool executions"),
		ToolErrors:      r.GetCounter("qlikclaw_tool_errors_total", "Tool executions returning an error"),
		ToolLatency:     r.GetHistogram("qlikclaw_tool_latency_seconds", "Tool execution latency", latency),
		BulkheadRejects: r.GetCounter("qlikclaw_bulkhead_rejects_total", "Tool calls abandoned while waiting for a slot"),
		ActiveTools:     r.GetGauge("qlikclaw_tools_active", "Tool executions in progress"),
	}
}
