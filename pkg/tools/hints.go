package tools

import (
	"regexp"
	"strings"
)

// errorHint pairs a pattern over "kind: message" with a recovery hint that is
// attached to the structured error so the model can correct its next call.
type errorHint struct {
	pattern *regexp.Regexp
	hint    string
}

// errorHints are tested in order; every matching hint is kept.
var errorHints = []errorHint{
	// ── Connection ──────────────────────────────────────────────────
	{
		pattern: regexp.MustCompile(`(?i)x509|certificate|tls: `),
		hint:    "The engine certificate was rejected. Set QLIK_CA_CERT_PATH to the site's root CA, or QLIK_VERIFY_SSL=false for a test site.",
	},
	{
		pattern: regexp.MustCompile(`(?i)^connection_exhausted: .*(401|403|unauthori[sz]ed|forbidden)`),
		hint:    "The engine refused the identity. Check QLIK_USER_DIRECTORY and QLIK_USER_ID, or the client certificate pair.",
	},
	{
		pattern: regexp.MustCompile(`(?i)^connection_exhausted: `),
		hint:    "No engine endpoint answered. Confirm QLIK_SERVER_URL and QLIK_ENGINE_PORT (4747 direct, 443 through the proxy).",
	},
	{
		pattern: regexp.MustCompile(`(?i)^(connection_lost|rpc_timeout): `),
		hint:    "The call can be retried as is. A new session is opened on the next call.",
	},
	// ── Documents ──────────────────────────────────────────────────
	{
		pattern: regexp.MustCompile(`(?i)^document_open_failed: .*(not found|no such|does not exist|1003)`),
		hint:    "The app id is unknown to the engine. List apps with get_apps and pass the guid field as app_id.",
	},
	{
		pattern: regexp.MustCompile(`(?i)^document_open_failed: .*(access|denied|permission)`),
		hint:    "The configured user cannot open this app. Pick an app from a stream the user can read.",
	},
	// ── Queries ────────────────────────────────────────────────────
	{
		pattern: regexp.MustCompile(`(?i)^invalid_page_window: `),
		hint:    "Lower max_rows or request fewer columns. A page may hold at most 10000 cells.",
	},
	{
		pattern: regexp.MustCompile(`(?i)^invalid_query_spec: `),
		hint:    "Pass at least one dimension or measure. Field names are case sensitive; get_app_details lists them.",
	},
	{
		pattern: regexp.MustCompile(`(?i)^engine_error: .*(field not found|unknown field|bad field)`),
		hint:    "Field names are case sensitive. Call get_app_details and copy the name exactly.",
	},
	{
		pattern: regexp.MustCompile(`(?i)^engine_error: .*(syntax|expression|parse)`),
		hint:    "Check the expression syntax: aggregate measures such as Sum([Sales]) and wrap field names with spaces in square brackets.",
	},
	{
		pattern: regexp.MustCompile(`(?i)^engine_error: .*object.*(not found|invalid handle)`),
		hint:    "The object id does not exist in this app. List ids with get_app_sheet_objects.",
	},
	// ── Service ────────────────────────────────────────────────────
	{
		pattern: regexp.MustCompile(`^circuit_open: `),
		hint:    "The Repository API is failing repeatedly and calls are paused. Wait before retrying.",
	},
	{
		pattern: regexp.MustCompile(`^repository_error: .*\b(401|403)\b`),
		hint:    "The Repository API rejected the credentials. Check QLIK_API_KEY or the OAuth client settings.",
	},
	{
		pattern: regexp.MustCompile(`^forbidden: `),
		hint:    "The server's access role does not allow this call. Choose another tool or an app inside the allowed scope.",
	},
}

// hintFor returns the recovery hints matching an error kind and message,
// joined by a blank line, or "" when none apply.
func hintFor(kind, message string) string {
	subject := kind + ": " + message

	var hints []string
	seen := make(map[string]bool)
	for _, eh := range errorHints {
		if eh.pattern.MatchString(subject) && !seen[eh.hint] {
			hints = append(hints, eh.hint)
			seen[eh.hint] = true
		}
	}
	return strings.Join(hints, "\n\n")
}
