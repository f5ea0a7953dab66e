package tools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/freitascorp/qlikclaw/pkg/engine"
	"github.com/freitascorp/qlikclaw/pkg/rbac"
	"github.com/freitascorp/qlikclaw/pkg/repository"
	"github.com/freitascorp/qlikclaw/pkg/resilience"
)

// ToolResult is what a tool hands back to the caller.
//
// ForLLM is the payload the MCP client receives. ForUser is an optional
// short human summary shown by the CLI. Silent results carry no ForUser text.
type ToolResult struct {
	ForLLM  string `json:"for_llm"`
	ForUser string `json:"for_user,omitempty"`
	Silent  bool   `json:"silent"`
	IsError bool   `json:"is_error"`
	Err     error  `json:"-"`
}

// NewToolResult returns a result shown to both the model and the user.
func NewToolResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, ForUser: forLLM}
}

// SilentResult returns a result for the model only.
func SilentResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, Silent: true}
}

// ErrorResult returns a failed result with a plain message.
func ErrorResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, ForUser: message, IsError: true, Err: errors.New(message)}
}

// WithError attaches the underlying error.
func (r *ToolResult) WithError(err error) *ToolResult {
	r.Err = err
	return r
}

// JSONResult marshals v as indented JSON for the model.
func JSONResult(v any) *ToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode result: %v", err))
	}
	return SilentResult(string(data))
}

// errorBody is the JSON shape of every failed Qlik call.
type errorBody struct {
	Error      string           `json:"error"`
	Message    string           `json:"message"`
	Code       int              `json:"code,omitempty"`
	Method     string           `json:"method,omitempty"`
	Attempts   []engine.Attempt `json:"attempts,omitempty"`
	StatusCode int              `json:"status_code,omitempty"`
	Hint       string           `json:"hint,omitempty"`
}

// describe classifies err into the structured error body.
func describe(err error) *errorBody {
	body := &errorBody{Error: "internal_error", Message: err.Error()}

	var ee *engine.Error
	var se *repository.StatusError
	switch {
	case errors.As(err, &ee):
		body.Error = string(ee.Kind)
		body.Message = ee.Reason
		body.Code = ee.Code
		body.Method = ee.Method
		body.Attempts = ee.Attempts
	case errors.As(err, &se):
		body.Error = "repository_error"
		body.StatusCode = se.StatusCode
	case errors.Is(err, resilience.ErrCircuitOpen):
		body.Error = "circuit_open"
	case errors.Is(err, rbac.ErrAccessDenied):
		body.Error = "forbidden"
	case errors.Is(err, errInvalidArgument):
		body.Error = "invalid_argument"
	}

	subject := body.Message
	for _, a := range body.Attempts {
		subject += "; " + a.Err
	}
	body.Hint = hintFor(body.Error, subject)
	return body
}

// FailureResult turns an engine or repository error into a structured
// error result: {"error": kind, "message": reason}.
func FailureResult(err error) *ToolResult {
	data, mErr := json.MarshalIndent(describe(err), "", "  ")
	if mErr != nil {
		return ErrorResult(err.Error())
	}
	return &ToolResult{ForLLM: string(data), ForUser: err.Error(), IsError: true, Err: err}
}
