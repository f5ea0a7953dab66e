package tools

import (
	"context"
	"strings"

	"github.com/freitascorp/qlikclaw/pkg/engine"
	"github.com/freitascorp/qlikclaw/pkg/repository"
)

// AppsTool lists applications from the Repository API.
type AppsTool struct {
	repo Repository
}

func (t *AppsTool) Name() string { return "get_apps" }

func (t *AppsTool) Description() string {
	return `List Qlik Sense applications with essential fields, newest first.

Filters:
- name: case-insensitive wildcard match on the application name (* or %; plain text matches anywhere)
- stream: case-insensitive wildcard match on the stream name
- published: "true" (default), "false", or "all"

Results are paginated: limit defaults to 25 and is capped at 50. Use pagination.next_offset to fetch the next page.`
}

func (t *AppsTool) Parameters() map[string]any {
	return object(map[string]any{
		"limit":     map[string]any{"type": "integer", "description": "Maximum apps to return (default 25, max 50)", "default": repository.DefaultAppsLimit},
		"offset":    map[string]any{"type": "integer", "description": "Apps to skip (default 0)", "default": 0},
		"name":      prop("string", "Wildcard case-insensitive search in application name"),
		"stream":    prop("string", "Wildcard case-insensitive search in stream name"),
		"published": map[string]any{"type": "string", "description": "true, false or all (default true)", "default": "true"},
	})
}

func (t *AppsTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	limit, err := intArg(args, "limit", repository.DefaultAppsLimit)
	if err != nil {
		return FailureResult(err)
	}
	offset, err := intArg(args, "offset", 0)
	if err != nil {
		return FailureResult(err)
	}
	if offset < 0 {
		return FailureResult(argError("offset must be >= 0, got %d", offset))
	}

	var f repository.AppFilter
	if f.Name, err = stringArg(args, "name", false); err != nil {
		return FailureResult(err)
	}
	if f.Stream, err = stringArg(args, "stream", false); err != nil {
		return FailureResult(err)
	}
	if s, _ := args["published"].(string); strings.EqualFold(strings.TrimSpace(s), "all") {
		f.Published = nil
	} else {
		published, set, err := boolArg(args, "published")
		if err != nil {
			return FailureResult(err)
		}
		if !set {
			published = true
		}
		f.Published = &published
	}

	list, err := t.repo.ListApplications(ctx, f, offset, limit)
	if err != nil {
		return FailureResult(err)
	}
	return JSONResult(list)
}

// AppDetailsTool combines the Repository API record of an application
// with what the engine reports about its data model. With no engine only
// the catalog record is returned.
type AppDetailsTool struct {
	eng  Engine
	repo Repository
}

func (t *AppDetailsTool) Name() string { return "get_app_details" }

func (t *AppDetailsTool) Description() string {
	return `Get application details: repository metadata (owner, stream, tags, reload time) together with the engine's view of the app (tables, fields, master measures and dimensions).

If the engine cannot be reached the repository metadata is still returned and engine_error explains the failure. On Qlik Cloud the repository section carries the app's data model metadata instead of engine data.`
}

func (t *AppDetailsTool) Parameters() map[string]any {
	return object(map[string]any{"app_id": appIDProp()}, "app_id")
}

type appDetails struct {
	AppID       string                `json:"app_id"`
	Repository  *repository.AppDetail `json:"repository,omitempty"`
	Engine      *engine.AppSummary    `json:"engine,omitempty"`
	Tables      []engine.TableInfo    `json:"tables,omitempty"`
	FieldCount  int                   `json:"field_count"`
	MasterItems *engine.MasterItems   `json:"master_items,omitempty"`
	EngineError *errorBody            `json:"engine_error,omitempty"`
}

func (t *AppDetailsTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	appID, err := stringArg(args, "app_id", true)
	if err != nil {
		return FailureResult(err)
	}
	out := appDetails{AppID: appID}

	if t.repo != nil {
		d, err := t.repo.GetApplicationDetail(ctx, appID)
		if err != nil {
			return FailureResult(err)
		}
		out.Repository = d
	}

	if t.eng == nil {
		return JSONResult(out)
	}
	if err := t.fillEngine(ctx, appID, &out); err != nil {
		if t.repo == nil {
			return FailureResult(err)
		}
		out.EngineError = describe(err)
	}
	return JSONResult(out)
}

func (t *AppDetailsTool) fillEngine(ctx context.Context, appID string, out *appDetails) error {
	summary, err := t.eng.AppLayout(ctx, appID)
	if err != nil {
		return err
	}
	tables, err := t.eng.Fields(ctx, appID)
	if err != nil {
		return err
	}
	items, err := t.eng.MasterItems(ctx, appID)
	if err != nil {
		return err
	}
	out.Engine = summary
	out.Tables = tables
	out.MasterItems = items

	seen := make(map[string]bool)
	for _, tbl := range tables {
		for _, f := range tbl.Fields {
			seen[f.Name] = true
		}
	}
	out.FieldCount = len(seen)
	return nil
}
