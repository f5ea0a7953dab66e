package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/freitascorp/qlikclaw/pkg/engine"
	"github.com/freitascorp/qlikclaw/pkg/rbac"
	"github.com/freitascorp/qlikclaw/pkg/repository"
)

func TestHintFor_Connection(t *testing.T) {
	got := hintFor("connection_exhausted", "no endpoint answered; x509: certificate signed by unknown authority")
	if !strings.Contains(got, "QLIK_CA_CERT_PATH") {
		t.Errorf("expected certificate hint, got: %s", got)
	}
	if !strings.Contains(got, "QLIK_ENGINE_PORT") {
		t.Errorf("expected endpoint hint, got: %s", got)
	}
}

func TestHintFor_Retryable(t *testing.T) {
	for _, kind := range []string{"rpc_timeout", "connection_lost"} {
		if got := hintFor(kind, "GetLayout"); !strings.Contains(got, "retried") {
			t.Errorf("%s: expected retry hint, got: %q", kind, got)
		}
	}
}

func TestHintFor_Queries(t *testing.T) {
	cases := map[string]string{
		"invalid_page_window: 12 columns x 2000 rows":      "max_rows",
		"invalid_query_spec: no dimensions or measures":    "at least one",
		"engine_error: Field not found: Regoin":            "case sensitive",
		"engine_error: Syntax error in expression Sum(":    "square brackets",
		"document_open_failed: App not found":              "get_apps",
		"engine_error: object abc not found in this sheet": "get_app_sheet_objects",
	}
	for subject, want := range cases {
		kind, msg, _ := strings.Cut(subject, ": ")
		if got := hintFor(kind, msg); !strings.Contains(got, want) {
			t.Errorf("hintFor(%q) = %q, want it to mention %q", subject, got, want)
		}
	}
}

func TestHintFor_NoMatch(t *testing.T) {
	if got := hintFor("internal_error", "something odd"); got != "" {
		t.Errorf("expected no hint, got: %q", got)
	}
	if got := hintFor("engine_error", ""); got != "" {
		t.Errorf("expected no hint for empty message, got: %q", got)
	}
}

func TestHintFor_Deduplicates(t *testing.T) {
	got := hintFor("connection_exhausted", "x509: bad; tls: handshake failure; certificate expired")
	if n := strings.Count(got, "QLIK_CA_CERT_PATH"); n != 1 {
		t.Errorf("certificate hint repeated %d times", n)
	}
}

func TestFailureResult_CarriesHint(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&engine.Error{Kind: engine.KindConnectionExhausted, Reason: "all endpoints failed",
			Attempts: []engine.Attempt{{URL: "wss://qlik:4747/app/", Try: 1, Err: "tls: failed to verify certificate"}}}, "QLIK_CA_CERT_PATH"},
		{&repository.StatusError{Path: "/qrs/app/full", StatusCode: 403, Body: "denied"}, "QLIK_API_KEY"},
		{fmt.Errorf("%w: role viewer: permission script:read required", rbac.ErrAccessDenied), "access role"},
	}
	for _, tc := range cases {
		res := FailureResult(tc.err)
		var body errorBody
		if err := json.Unmarshal([]byte(res.ForLLM), &body); err != nil {
			t.Fatalf("decode %s: %v", res.ForLLM, err)
		}
		if !strings.Contains(body.Hint, tc.want) {
			t.Errorf("%v: hint = %q, want it to mention %q", tc.err, body.Hint, tc.want)
		}
	}

	res := FailureResult(errors.New("plain"))
	if strings.Contains(res.ForLLM, `"hint"`) {
		t.Errorf("unexpected hint on plain error: %s", res.ForLLM)
	}
}
