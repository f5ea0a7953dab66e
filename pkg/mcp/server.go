// QlikClaw - Qlik Sense engine tools for MCP clients
// License: MIT
//
// Copyright (c) 2026 QlikClaw contributors

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/freitascorp/qlikclaw/pkg/tools"
)

const (
	// ProtocolVersion is the newest MCP revision this server speaks.
	ProtocolVersion = "2025-06-18"
	ServerName      = "qlikclaw"
)

// supportedVersions lists the revisions accepted during initialize.
var supportedVersions = []string{"2024-11-05", "2025-03-26", ProtocolVersion}

// ServerVersion is reported in serverInfo. Set at link time by the CLI.
var ServerVersion = "dev"

// Server implements a stdio-based MCP server that exposes a ToolRegistry.
//
// Tool calls run concurrently so a slow engine query does not block ping
// or other calls; responses are written as they complete.
type Server struct {
	registry *tools.ToolRegistry
	in       io.Reader
	out      io.Writer
	logger   *slog.Logger

	mu sync.Mutex // serializes writes to out

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer creates an MCP server on stdin/stdout.
func NewServer(registry *tools.ToolRegistry, logger *slog.Logger) *Server {
	return NewServerWithIO(registry, os.Stdin, os.Stdout, logger)
}

// NewServerWithIO creates an MCP server with custom I/O.
func NewServerWithIO(registry *tools.ToolRegistry, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: registry,
		in:       in,
		out:      out,
		logger:   logger.With("component", "mcp"),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Serve reads requests until EOF or ctx cancellation, then waits for
// in-flight tool calls to finish.
func (s *Server) Serve(ctx context.Context) error {
	defer s.wg.Wait()

	scanner := bufio.NewScanner(s.in)
	// Tool arguments can be large (hypercube specs).
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.sendError(nil, ErrParse, "parse error: "+err.Error())
			continue
		}
		if req.JSONRPC != "2.0" {
			if req.ID != nil {
				s.sendError(req.ID, ErrInvalidReq, "jsonrpc must be \"2.0\"")
			}
			continue
		}

		s.handleRequest(ctx, &req)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdin read error: %w", err)
	}
	return nil
}

// handleRequest dispatches a single JSON-RPC request.
func (s *Server) handleRequest(ctx context.Context, req *Request) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "notifications/initialized":
	case "notifications/cancelled":
		s.handleCancelled(req)
	case "tools/list":
		s.handleToolsList(req)
	case "tools/call":
		s.handleToolsCall(ctx, req)
	case "ping":
		s.sendResult(req.ID, map[string]any{})
	default:
		if req.ID != nil {
			s.sendError(req.ID, ErrNotFound, "method not found: "+req.Method)
		}
	}
}

// ── Method handlers ────────────────────────────────────────────────

func (s *Server) handleInitialize(req *Request) {
	var params InitializeParams
	_ = decodeParams(req.Params, &params)

	version := ProtocolVersion
	if slices.Contains(supportedVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}
	s.logger.Info("client connected",
		"client", params.ClientInfo.Name, "client_version", params.ClientInfo.Version, "protocol", version)

	s.sendResult(req.ID, InitializeResult{
		ProtocolVersion: version,
		Capabilities: ServerCapability{
			Tools: &ToolsCapability{ListChanged: false},
		},
		ServerInfo: EntityInfo{
			Name:    ServerName,
			Version: ServerVersion,
		},
		Instructions: Instructions,
	})
}

// Instructions is the usage hint sent to clients on initialize.
const Instructions = `Tools for exploring Qlik Sense applications. Start with get_apps to find an app_id, ` +
	`then get_app_details or get_app_sheets. Use get_app_field and engine_create_hypercube to read data.`

func (s *Server) handleToolsList(req *Request) {
	defs := s.registry.ToProviderDefs()

	mcpTools := make([]ToolInfo, 0, len(defs))
	for _, d := range defs {
		inputSchema := d.Function.Parameters
		if inputSchema == nil {
			inputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		mcpTools = append(mcpTools, ToolInfo{
			Name:        d.Function.Name,
			Description: d.Function.Description,
			InputSchema: inputSchema,
			Annotations: &ToolAnnotations{ReadOnlyHint: true, OpenWorldHint: true},
		})
	}

	s.sendResult(req.ID, ToolsListResult{Tools: mcpTools})
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) {
	var params ToolCallParams
	if err := decodeParams(req.Params, &params); err != nil {
		s.sendError(req.ID, ErrInvalidParams, "invalid tools/call params: "+err.Error())
		return
	}
	if params.Name == "" {
		s.sendError(req.ID, ErrInvalidParams, "tool name is required")
		return
	}

	callCtx, cancel := context.WithCancel(ctx)
	key := idKey(req.ID)
	s.inflightMu.Lock()
	if _, busy := s.inflight[key]; busy {
		s.inflightMu.Unlock()
		cancel()
		s.sendError(req.ID, ErrInvalidReq, "request id "+key+" is already in flight")
		return
	}
	s.inflight[key] = cancel
	s.inflightMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.inflightMu.Lock()
			delete(s.inflight, key)
			s.inflightMu.Unlock()
			cancel()
		}()

		s.logger.Debug("tool call", "tool", params.Name, "id", key)
		result := s.registry.Execute(callCtx, params.Name, params.Arguments)

		// A cancelled request gets no response.
		if callCtx.Err() != nil && ctx.Err() == nil {
			return
		}
		s.sendResult(req.ID, toCallResult(result))
	}()
}

func (s *Server) handleCancelled(req *Request) {
	var params CancelledParams
	if err := decodeParams(req.Params, &params); err != nil || params.RequestID == nil {
		return
	}
	key := idKey(params.RequestID)
	s.inflightMu.Lock()
	cancel, ok := s.inflight[key]
	s.inflightMu.Unlock()
	if ok {
		s.logger.Info("tool call cancelled by client", "id", key, "reason", params.Reason)
		cancel()
	}
}

// toCallResult converts a registry result into MCP content. Successful
// JSON payloads are also offered as structuredContent.
func toCallResult(result *tools.ToolResult) ToolCallResult {
	text := result.ForLLM
	if text == "" {
		text = result.ForUser
	}
	if text == "" {
		text = "(no output)"
	}

	out := ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: result.IsError,
	}
	if !result.IsError {
		var structured map[string]any
		if json.Unmarshal([]byte(text), &structured) == nil {
			out.StructuredContent = structured
		}
	}
	return out
}

// ── Wire helpers ───────────────────────────────────────────────────

func decodeParams(params any, out any) error {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// idKey is the JSON encoding of a request id, so 1 and "1" stay distinct.
func idKey(id any) string {
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Sprintf("%T:%v", id, id)
	}
	return string(raw)
}

func (s *Server) sendResult(id any, result any) {
	s.writeJSON(Response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (s *Server) sendError(id any, code int, message string) {
	s.writeJSON(Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	})
}

func (s *Server) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// stdio transport: one JSON object per line.
	_, _ = s.out.Write(append(data, '\n'))
}
