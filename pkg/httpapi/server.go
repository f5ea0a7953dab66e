// Package httpapi is the HTTP front-end: probes, metrics, direct tool calls
// and the streamable MCP endpoint.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	mcpauth "github.com/modelcontextprotocol/go-sdk/auth"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/freitascorp/qlikclaw/pkg/health"
	"github.com/freitascorp/qlikclaw/pkg/mcp"
	"github.com/freitascorp/qlikclaw/pkg/observability"
	"github.com/freitascorp/qlikclaw/pkg/tools"
)

const maxBodyBytes = 4 << 20

// Options configures the HTTP front-end.
type Options struct {
	Addr        string
	Registry    *tools.ToolRegistry
	Metrics     *observability.EngineMetrics
	Health      *health.Checker
	Version     string
	AuthToken   string
	TLSCertPath string
	TLSKeyPath  string
	Logger      *slog.Logger
}

// Server serves the registry over HTTP.
type Server struct {
	opts    Options
	logger  *slog.Logger
	mcp     *mcpsdk.Server
	handler http.Handler
}

// New builds the server and its routes. Registry is required.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("httpapi: registry is required")
	}
	if opts.Addr == "" {
		opts.Addr = ":8000"
	}
	if opts.Version == "" {
		opts.Version = mcp.ServerVersion
	}
	if opts.Health == nil {
		opts.Health = health.NewChecker(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger.With("component", "http"),
	}
	s.mcp = newMCPServer(opts.Registry, opts.Version)
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// MCPServer exposes the go-sdk server backing /mcp.
func (s *Server) MCPServer() *mcpsdk.Server { return s.mcp }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.opts.Health.HealthHandler)
	mux.HandleFunc("GET /ready", s.opts.Health.ReadyHandler)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", observability.MetricsHandler(s.opts.Metrics.Registry))
	}

	streamable := mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.mcp }, nil)
	mux.Handle("/mcp", s.protect(streamable))
	mux.Handle("GET /tools", s.protect(http.HandlerFunc(s.handleListTools)))
	mux.Handle("POST /tools/{name}", s.protect(http.HandlerFunc(s.handleCallTool)))
	return mux
}

// protect requires the configured bearer token. Without one every caller
// is allowed.
func (s *Server) protect(next http.Handler) http.Handler {
	if s.opts.AuthToken == "" {
		return next
	}
	return mcpauth.RequireBearerToken(staticVerifier(s.opts.AuthToken), nil)(next)
}

// staticVerifier accepts exactly one shared token.
func staticVerifier(want string) mcpauth.TokenVerifier {
	return func(_ context.Context, token string, _ *http.Request) (*mcpauth.TokenInfo, error) {
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
			return nil, mcpauth.ErrInvalidToken
		}
		return &mcpauth.TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
	}
}

type toolsResponse struct {
	Tools []tools.ToolDefinition `json:"tools"`
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toolsResponse{Tools: s.opts.Registry.ToProviderDefs()})
}

// callResponse is the body of POST /tools/{name}. Result holds the tool's
// JSON payload when it has one, otherwise Text carries the raw output.
type callResponse struct {
	Tool    string          `json:"tool"`
	IsError bool            `json:"is_error"`
	Result  json.RawMessage `json:"result,omitempty"`
	Text    string          `json:"text,omitempty"`
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.opts.Registry.Get(name); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":   "not_found",
			"message": fmt.Sprintf("tool %q not found", name),
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": err.Error()})
		return
	}
	var args map[string]any
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "invalid_argument",
				"message": "request body must be a JSON object: " + err.Error(),
			})
			return
		}
	}

	result := s.opts.Registry.Execute(r.Context(), name, args)
	resp := callResponse{Tool: name, IsError: result.IsError}
	if json.Valid([]byte(result.ForLLM)) && strings.TrimSpace(result.ForLLM) != "" {
		resp.Result = json.RawMessage(result.ForLLM)
	} else {
		resp.Text = result.ForLLM
	}
	writeJSON(w, statusFor(result), resp)
}

// statusFor maps a failed tool result onto an HTTP status using the error
// kind in its JSON body.
func statusFor(result *tools.ToolResult) int {
	if !result.IsError {
		return http.StatusOK
	}
	var body struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal([]byte(result.ForLLM), &body)
	switch body.Error {
	case "invalid_argument", "invalid_query_spec", "invalid_page_window":
		return http.StatusBadRequest
	case "connection_exhausted", "connection_lost", "document_open_failed",
		"engine_error", "repository_error":
		return http.StatusBadGateway
	case "forbidden":
		return http.StatusForbidden
	case "rpc_timeout":
		return http.StatusGatewayTimeout
	case "circuit_open":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Run serves until ctx is cancelled, then drains connections for up to
// ten seconds.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.opts.Addr, "tls", s.opts.TLSCertPath != "")
		if s.opts.TLSCertPath != "" {
			errCh <- srv.ListenAndServeTLS(s.opts.TLSCertPath, s.opts.TLSKeyPath)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		s.logger.Info("http server stopped")
		return nil
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
