package runbook

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/freitascorp/qlikclaw/pkg/tools"
)

// fakeExecutor records calls and answers from a table.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []string
	args    []map[string]any
	answers map[string]*tools.ToolResult
}

func (f *fakeExecutor) Execute(_ context.Context, name string, args map[string]any) *tools.ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.args = append(f.args, args)
	if r, ok := f.answers[name]; ok {
		return r
	}
	return tools.ErrorResult("tool " + name + " not found")
}

const appsThenScript = `
name: script-of-first-app
description: Find an app by name and read its script
tags: [qlik]
vars:
  pattern: Sales*
steps:
  - name: Find app
    tool: get_apps
    args:
      name: "{{ pattern }}"
      limit: 1
    capture: app_id
    capture_path: apps.0.guid
  - name: Read script
    tool: get_app_script
    args:
      app_id: "{{app_id}}"
`

func TestParseRunbook_Valid(t *testing.T) {
	rb, err := ParseRunbook([]byte(appsThenScript))
	if err != nil {
		t.Fatalf("ParseRunbook: %v", err)
	}
	if rb.Name != "script-of-first-app" {
		t.Errorf("Name = %q", rb.Name)
	}
	if len(rb.Tags) != 1 || len(rb.Steps) != 2 {
		t.Errorf("Tags = %v, Steps = %d", rb.Tags, len(rb.Steps))
	}
	if rb.Steps[0].Args["limit"] != 1 {
		t.Errorf("limit = %#v, want int 1", rb.Steps[0].Args["limit"])
	}
	if rb.Vars["pattern"] != "Sales*" {
		t.Errorf("Vars = %v", rb.Vars)
	}
}

func TestParseRunbook_Invalid(t *testing.T) {
	cases := map[string]string{
		"no name":         "steps:\n  - name: s\n    tool: get_apps\n",
		"no steps":        "name: empty\n",
		"no tool":         "name: x\nsteps:\n  - name: s\n",
		"capture no path": "name: x\nsteps:\n  - name: s\n    tool: get_apps\n    capture: id\n",
		"bad yaml":        "name: [unclosed",
	}
	for name, doc := range cases {
		if _, err := ParseRunbook([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestRun_CapturesAndInterpolates(t *testing.T) {
	rb, err := ParseRunbook([]byte(appsThenScript))
	if err != nil {
		t.Fatal(err)
	}
	exec := &fakeExecutor{answers: map[string]*tools.ToolResult{
		"get_apps":       tools.SilentResult(`{"apps":[{"guid":"app-42","name":"Sales"}]}`),
		"get_app_script": tools.SilentResult(`{"app_id":"app-42","script":"LOAD 1;"}`),
	}}

	res, err := NewEngine(exec).Run(context.Background(), rb, nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != "success" {
		t.Fatalf("Status = %s, steps = %+v", res.Status, res.Steps)
	}
	if exec.args[0]["name"] != "Sales*" {
		t.Errorf("first call name = %v", exec.args[0]["name"])
	}
	if exec.args[1]["app_id"] != "app-42" {
		t.Errorf("second call app_id = %v", exec.args[1]["app_id"])
	}
	if res.Steps[0].Captured != "app-42" {
		t.Errorf("Captured = %q", res.Steps[0].Captured)
	}
	if len(res.Steps[1].Output) == 0 {
		t.Error("expected JSON output on step 2")
	}
}

func TestRun_VarsOverride(t *testing.T) {
	rb, _ := ParseRunbook([]byte(appsThenScript))
	exec := &fakeExecutor{answers: map[string]*tools.ToolResult{
		"get_apps":       tools.SilentResult(`{"apps":[{"guid":"x"}]}`),
		"get_app_script": tools.SilentResult(`{}`),
	}}
	if _, err := NewEngine(exec).Run(context.Background(), rb, map[string]string{"pattern": "HR*"}, false); err != nil {
		t.Fatal(err)
	}
	if exec.args[0]["name"] != "HR*" {
		t.Errorf("name = %v, want HR*", exec.args[0]["name"])
	}
}

func TestRun_StopsOnFailure(t *testing.T) {
	rb, _ := ParseRunbook([]byte(`
name: fails
steps:
  - name: ok
    tool: a
  - name: broken
    tool: missing
  - name: never
    tool: a
`))
	exec := &fakeExecutor{answers: map[string]*tools.ToolResult{"a": tools.SilentResult("{}")}}
	res, err := NewEngine(exec).Run(context.Background(), rb, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "partial" {
		t.Errorf("Status = %s, want partial", res.Status)
	}
	if len(res.Steps) != 2 {
		t.Errorf("ran %d steps, want 2", len(res.Steps))
	}
	if !strings.Contains(res.Steps[1].Error, "not found") {
		t.Errorf("Error = %q", res.Steps[1].Error)
	}
}

func TestRun_ContinueOnError(t *testing.T) {
	rb, _ := ParseRunbook([]byte(`
name: keeps-going
steps:
  - name: broken
    tool: missing
    continue_on_error: true
  - name: after
    tool: a
`))
	exec := &fakeExecutor{answers: map[string]*tools.ToolResult{"a": tools.SilentResult("{}")}}
	res, _ := NewEngine(exec).Run(context.Background(), rb, nil, false)
	if len(res.Steps) != 2 || res.Status != "partial" {
		t.Errorf("steps = %d, status = %s", len(res.Steps), res.Status)
	}
}

func TestRun_CaptureMissingPathFails(t *testing.T) {
	rb, _ := ParseRunbook([]byte(`
name: capture
steps:
  - name: find
    tool: a
    capture: id
    capture_path: apps.3.guid
`))
	exec := &fakeExecutor{answers: map[string]*tools.ToolResult{"a": tools.SilentResult(`{"apps":[]}`)}}
	res, _ := NewEngine(exec).Run(context.Background(), rb, nil, false)
	if res.Status != "failure" {
		t.Errorf("Status = %s, want failure", res.Status)
	}
	if !strings.Contains(res.Steps[0].Error, "out of range") {
		t.Errorf("Error = %q", res.Steps[0].Error)
	}
}

func TestRun_DryRun(t *testing.T) {
	rb, _ := ParseRunbook([]byte(appsThenScript))
	exec := &fakeExecutor{}
	res, err := NewEngine(exec).Run(context.Background(), rb, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(exec.calls) != 0 {
		t.Errorf("dry run made %d calls", len(exec.calls))
	}
	for _, s := range res.Steps {
		if s.Status != "skipped" {
			t.Errorf("step %s status = %s", s.StepName, s.Status)
		}
	}
	if !strings.Contains(res.Steps[0].Text, `"name":"Sales*"`) {
		t.Errorf("Text = %q", res.Steps[0].Text)
	}
	if !strings.Contains(FormatResult(res), "DRY RUN") {
		t.Error("FormatResult should mention DRY RUN")
	}
}

func TestRun_CancelledContext(t *testing.T) {
	rb, _ := ParseRunbook([]byte(appsThenScript))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := NewEngine(&fakeExecutor{}).Run(ctx, rb, nil, false)
	if err == nil {
		t.Fatal("expected context error")
	}
	if res.Status != "failure" || len(res.Steps) != 0 {
		t.Errorf("status = %s, steps = %d", res.Status, len(res.Steps))
	}
}

func TestCapture(t *testing.T) {
	doc := `{"a":{"b":[{"c":"x"},{"c":7}]},"n":null}`
	cases := map[string]string{"a.b.0.c": "x", "a.b.1.c": "7", "a.b.1": `{"c":7}`}
	for path, want := range cases {
		got, err := capture(doc, path)
		if err != nil || got != want {
			t.Errorf("capture(%s) = %q, %v; want %q", path, got, err, want)
		}
	}
	for _, bad := range []string{"a.x", "a.b.9", "a.b.0.c.d", "n"} {
		if _, err := capture(doc, bad); err == nil {
			t.Errorf("capture(%s) should fail", bad)
		}
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(appsThenScript), 0o644)
	os.WriteFile(filepath.Join(dir, "a.yml"), []byte("name: alpha\nsteps:\n  - name: s\n    tool: get_apps\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: x\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)

	rbs, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(rbs) != 2 {
		t.Fatalf("List = %d runbooks, want 2", len(rbs))
	}
	if rbs[0].Name != "alpha" {
		t.Errorf("first runbook = %q, want alpha", rbs[0].Name)
	}

	none, err := List(filepath.Join(dir, "missing"))
	if err != nil || none != nil {
		t.Errorf("missing dir: %v, %v", none, err)
	}
}
