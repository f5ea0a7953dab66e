// Package runbook runs YAML-defined sequences of tool calls.
//
// A runbook names tools and their arguments step by step. A step can capture
// a value from its JSON result and later steps reference it as {{ name }},
// so "find the app, then read its script" is one file.
package runbook

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/freitascorp/qlikclaw/pkg/tools"
)

// Runbook is a YAML-defined sequence of tool calls.
type Runbook struct {
	Name        string            `yaml:"name"        json:"name"`
	Description string            `yaml:"description" json:"description"`
	Tags        []string          `yaml:"tags"        json:"tags"`
	Vars        map[string]string `yaml:"vars"        json:"vars,omitempty"`
	Steps       []Step            `yaml:"steps"       json:"steps"`
}

// Step is one tool call.
type Step struct {
	Name string         `yaml:"name"           json:"name"`
	Tool string         `yaml:"tool"           json:"tool"`
	Args map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
	// Capture stores the value at CapturePath (dot separated, numeric
	// segments index arrays) under this variable name.
	Capture         string `yaml:"capture,omitempty"           json:"capture,omitempty"`
	CapturePath     string `yaml:"capture_path,omitempty"      json:"capture_path,omitempty"`
	ContinueOnError bool   `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
	TimeoutSec      int    `yaml:"timeout_sec,omitempty"       json:"timeout_sec,omitempty"`
}

// StepResult is the outcome of running a single step.
type StepResult struct {
	StepName string          `json:"step_name"`
	Tool     string          `json:"tool"`
	Status   string          `json:"status"` // success, failure or skipped
	Output   json.RawMessage `json:"output,omitempty"`
	Text     string          `json:"text,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
	Captured string          `json:"captured,omitempty"`
}

// RunResult is the outcome of an entire runbook execution.
type RunResult struct {
	RunbookName string        `json:"runbook_name"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"duration"`
	Status      string        `json:"status"` // success, failure or partial
	Steps       []StepResult  `json:"steps"`
	DryRun      bool          `json:"dry_run"`
}

// Executor runs one tool by name. *tools.ToolRegistry satisfies it.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) *tools.ToolResult
}

// LoadRunbook loads a runbook from a YAML file.
func LoadRunbook(path string) (*Runbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read runbook: %w", err)
	}
	return ParseRunbook(data)
}

// ParseRunbook parses YAML data into a Runbook.
func ParseRunbook(data []byte) (*Runbook, error) {
	var rb Runbook
	if err := yaml.Unmarshal(data, &rb); err != nil {
		return nil, fmt.Errorf("parse runbook YAML: %w", err)
	}
	if rb.Name == "" {
		return nil, fmt.Errorf("runbook must have a name")
	}
	if len(rb.Steps) == 0 {
		return nil, fmt.Errorf("runbook must have at least one step")
	}
	for i, s := range rb.Steps {
		if s.Tool == "" {
			return nil, fmt.Errorf("step %d (%s) has no tool", i+1, s.Name)
		}
		if s.Capture != "" && s.CapturePath == "" {
			return nil, fmt.Errorf("step %d (%s) captures %q without capture_path", i+1, s.Name, s.Capture)
		}
	}
	return &rb, nil
}

// List loads every runbook in dir, skipping files that do not parse.
func List(dir string) ([]*Runbook, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var runbooks []*Runbook
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		rb, err := LoadRunbook(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		runbooks = append(runbooks, rb)
	}
	sort.Slice(runbooks, func(i, j int) bool { return runbooks[i].Name < runbooks[j].Name })
	return runbooks, nil
}

// Engine executes runbooks against an Executor.
type Engine struct {
	exec Executor
}

// NewEngine creates a runbook engine.
func NewEngine(exec Executor) *Engine {
	return &Engine{exec: exec}
}

// Run executes rb step by step. vars seed (and override) the runbook's own
// vars. A failing step stops the run unless it sets continue_on_error.
func (e *Engine) Run(ctx context.Context, rb *Runbook, vars map[string]string, dryRun bool) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{
		RunbookName: rb.Name,
		StartedAt:   start,
		DryRun:      dryRun,
	}

	variables := make(map[string]string, len(rb.Vars)+len(vars))
	for k, v := range rb.Vars {
		variables[k] = v
	}
	for k, v := range vars {
		variables[k] = v
	}

	allSuccess := true
	for _, step := range rb.Steps {
		if err := ctx.Err(); err != nil {
			e.finish(result, false)
			return result, err
		}

		sr := e.executeStep(ctx, step, variables, dryRun)
		result.Steps = append(result.Steps, sr)
		if sr.Captured != "" {
			variables[step.Capture] = sr.Captured
		}

		if sr.Status == "failure" {
			allSuccess = false
			if !step.ContinueOnError {
				break
			}
		}
	}

	e.finish(result, allSuccess)
	return result, nil
}

func (e *Engine) finish(result *RunResult, allSuccess bool) {
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	if allSuccess {
		result.Status = "success"
		return
	}
	result.Status = "failure"
	for _, s := range result.Steps {
		if s.Status == "success" {
			result.Status = "partial"
			return
		}
	}
}

func (e *Engine) executeStep(ctx context.Context, step Step, vars map[string]string, dryRun bool) StepResult {
	start := time.Now()
	sr := StepResult{StepName: step.Name, Tool: step.Tool}
	args, _ := interpolate(step.Args, vars).(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	if dryRun {
		sr.Status = "skipped"
		data, _ := json.Marshal(args)
		sr.Text = fmt.Sprintf("[dry-run] would call %s %s", step.Tool, data)
		sr.Duration = time.Since(start)
		return sr
	}

	stepCtx := ctx
	if step.TimeoutSec > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSec)*time.Second)
		defer cancel()
	}

	res := e.exec.Execute(stepCtx, step.Tool, args)
	sr.Duration = time.Since(start)
	if json.Valid([]byte(res.ForLLM)) && strings.TrimSpace(res.ForLLM) != "" {
		sr.Output = json.RawMessage(res.ForLLM)
	} else {
		sr.Text = res.ForLLM
	}
	if res.IsError {
		sr.Status = "failure"
		sr.Error = res.ForUser
		if sr.Error == "" {
			sr.Error = res.ForLLM
		}
		return sr
	}
	sr.Status = "success"

	if step.Capture != "" {
		v, err := capture(res.ForLLM, step.CapturePath)
		if err != nil {
			sr.Status = "failure"
			sr.Error = err.Error()
			return sr
		}
		sr.Captured = v
	}
	return sr
}

// interpolate replaces {{ name }} placeholders in every string within v.
func interpolate(v any, vars map[string]string) any {
	switch t := v.(type) {
	case string:
		for k, val := range vars {
			t = strings.ReplaceAll(t, "{{ "+k+" }}", val)
			t = strings.ReplaceAll(t, "{{"+k+"}}", val)
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = interpolate(val, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = interpolate(val, vars)
		}
		return out
	}
	return v
}

// capture extracts the value at path from a JSON document as a string.
func capture(doc, path string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return "", fmt.Errorf("capture %s: result is not JSON", path)
	}
	for _, seg := range strings.Split(path, ".") {
		switch node := v.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return "", fmt.Errorf("capture %s: no key %q", path, seg)
			}
			v = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return "", fmt.Errorf("capture %s: index %q out of range", path, seg)
			}
			v = node[i]
		default:
			return "", fmt.Errorf("capture %s: cannot descend into %q", path, seg)
		}
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", fmt.Errorf("capture %s: value is null", path)
	default:
		data, _ := json.Marshal(t)
		return string(data), nil
	}
}

// FormatResult returns a human-readable summary of a runbook run.
func FormatResult(r *RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Runbook: %s\n", r.RunbookName)
	fmt.Fprintf(&b, "Status:  %s\n", r.Status)
	fmt.Fprintf(&b, "Duration: %s\n", r.Duration.Round(time.Millisecond))
	if r.DryRun {
		b.WriteString("Mode:    DRY RUN\n")
	}
	b.WriteString("\nSteps:\n")
	for i, s := range r.Steps {
		icon := "✓"
		switch s.Status {
		case "failure":
			icon = "✗"
		case "skipped":
			icon = "○"
		}
		fmt.Fprintf(&b, "  %d. %s %s [%s] (%s)\n", i+1, icon, s.StepName, s.Tool, s.Duration.Round(time.Millisecond))
		if s.Captured != "" {
			fmt.Fprintf(&b, "     Captured: %s\n", s.Captured)
		}
		if s.Text != "" && s.Status == "skipped" {
			fmt.Fprintf(&b, "     %s\n", s.Text)
		}
		if s.Error != "" {
			fmt.Fprintf(&b, "     Error: %s\n", s.Error)
		}
	}
	return b.String()
}

// FormatResultJSON returns the result as formatted JSON.
func FormatResultJSON(r *RunResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
