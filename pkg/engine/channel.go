package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freitascorp/qlikclaw/pkg/observability"
)

// GlobalHandle addresses the engine's global object.
const GlobalHandle = -1

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Handle  int    `json:"handle"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code      int    `json:"code"`
	Parameter string `json:"parameter,omitempty"`
	Message   string `json:"message"`
}

type rpcFrame struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type reply struct {
	result json.RawMessage
	err    error
}

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	// CallTimeout bounds each Call that has no earlier deadline. Zero means
	// calls wait for the caller's context only.
	CallTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *observability.EngineMetrics
}

// Channel multiplexes concurrent JSON-RPC calls over one Transport. Replies
// are matched to callers by request id, whatever order they arrive in.
type Channel struct {
	transport Transport
	opts      ChannelOptions
	logger    *slog.Logger

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[int64]chan reply
	dead      bool
	deadErr   error
	connected string // qSessionState from OnConnected

	done   chan struct{}
	cancel context.CancelFunc
}

// NewChannel wraps t and starts its read loop.
func NewChannel(t Transport, opts ChannelOptions) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		transport: t,
		opts:      opts,
		logger:    logger,
		pending:   make(map[int64]chan reply),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	go c.readLoop(ctx)
	return c
}

// Call sends method with params to handle and waits for the matching reply.
func (c *Channel) Call(ctx context.Context, handle int, method string, params any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	if c.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.dead {
		err := c.deadErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	c.gauge(1)

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Handle: handle, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	start := time.Now()
	c.writeMu.Lock()
	err = c.transport.WriteFrame(ctx, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		if ctx.Err() != nil {
			return nil, c.timeoutErr(ctx, method)
		}
		lost := &Error{Kind: KindConnectionLost, Method: method, Reason: "write failed: " + err.Error(), cause: err}
		c.fail(lost)
		return nil, lost
	}

	select {
	case r := <-ch:
		c.observe(method, start, r.err)
		if r.err != nil {
			var e *Error
			if errors.As(r.err, &e) && e.Method == "" {
				cp := *e
				cp.Method = method
				return nil, &cp
			}
			return nil, r.err
		}
		return r.result, nil
	case <-ctx.Done():
		c.forget(id)
		err := c.timeoutErr(ctx, method)
		c.observe(method, start, err)
		return nil, err
	}
}

// Alive reports whether the channel can still carry calls.
func (c *Channel) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

// Done is closed once the channel is dead.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns why the channel died, or nil while it is alive.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadErr
}

// SessionState returns the qSessionState announced by OnConnected, if any.
func (c *Channel) SessionState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Pending returns the number of calls awaiting a reply.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails outstanding calls and closes the transport.
func (c *Channel) Close() error {
	c.fail(&Error{Kind: KindConnectionLost, Reason: "channel closed"})
	return c.transport.Close("client closing")
}

func (c *Channel) readLoop(ctx context.Context) {
	for {
		data, err := c.transport.ReadFrame(ctx)
		if err != nil {
			c.fail(&Error{Kind: KindConnectionLost, Reason: "read failed: " + err.Error(), cause: err})
			return
		}

		var f rpcFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("engine sent an undecodable frame", "error", err, "bytes", len(data))
			continue
		}

		if f.ID == nil {
			c.notification(f)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*f.ID]
		delete(c.pending, *f.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("reply for unknown or abandoned request", "id", *f.ID)
			continue
		}
		c.gauge(-1)

		if f.Error != nil {
			reason := f.Error.Message
			if f.Error.Parameter != "" {
				reason += ": " + f.Error.Parameter
			}
			ch <- reply{err: &Error{Kind: KindEngine, Code: f.Error.Code, Reason: reason}}
			continue
		}
		ch <- reply{result: f.Result}
	}
}

func (c *Channel) notification(f rpcFrame) {
	if f.Method != "OnConnected" {
		c.logger.Debug("engine notification ignored", "method", f.Method)
		return
	}
	var p struct {
		State string `json:"qSessionState"`
	}
	_ = json.Unmarshal(f.Params, &p)

	c.mu.Lock()
	if c.connected == "" {
		c.connected = p.State
	}
	c.mu.Unlock()
	c.logger.Debug("engine session announced", "state", p.State)
}

// fail marks the channel dead and fails every pending call with err.
func (c *Channel) fail(err *Error) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	c.deadErr = err
	pending := c.pending
	c.pending = make(map[int64]chan reply)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: err}
	}
	c.gauge(-int64(len(pending)))
	if c.opts.Metrics != nil && err.Reason != "channel closed" {
		c.opts.Metrics.ConnectionsLost.Inc()
	}
	c.cancel()
	close(c.done)
	c.logger.Debug("engine channel closed", "reason", err.Reason, "failed_calls", len(pending))
}

func (c *Channel) forget(id int64) {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		c.gauge(-1)
	}
}

func (c *Channel) timeoutErr(ctx context.Context, method string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindRPCTimeout, Method: method, Reason: "no reply before deadline", cause: ctx.Err()}
	}
	return fmt.Errorf("%s: %w", method, ctx.Err())
}

func (c *Channel) gauge(delta int64) {
	if c.opts.Metrics != nil && delta != 0 {
		c.opts.Metrics.PendingCalls.Add(delta)
	}
}

func (c *Channel) observe(method string, start time.Time, err error) {
	m := c.opts.Metrics
	if m == nil {
		return
	}
	m.RPCCalls.Inc()
	m.RPCLatency.Observe(time.Since(start).Seconds())
	switch KindOf(err) {
	case "":
		if err != nil {
			m.RPCErrors.Inc()
		}
	case KindRPCTimeout:
		m.RPCTimeouts.Inc()
	default:
		m.RPCErrors.Inc()
	}
}
