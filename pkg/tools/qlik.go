package tools

import (
	"context"

	"github.com/freitascorp/qlikclaw/pkg/cloud"
	"github.com/freitascorp/qlikclaw/pkg/engine"
	"github.com/freitascorp/qlikclaw/pkg/repository"
)

// Engine is the engine client surface the tools use. *engine.Client
// implements it.
type Engine interface {
	AppLayout(ctx context.Context, appID string) (*engine.AppSummary, error)
	Sheets(ctx context.Context, appID string) ([]engine.Sheet, error)
	SheetObjects(ctx context.Context, appID, sheetID string) (*engine.SheetObjectsResult, error)
	Script(ctx context.Context, appID string) (*engine.ScriptResult, error)
	FieldValues(ctx context.Context, q engine.FieldValuesQuery) (*engine.FieldValuesResult, error)
	Variables(ctx context.Context, q engine.VariablesQuery) (*engine.VariablesResult, error)
	FieldStatistics(ctx context.Context, appID, field string) (*engine.FieldStatistics, error)
	CreateHypercube(ctx context.Context, q engine.HypercubeQuery) (*engine.HypercubeResult, error)
	Object(ctx context.Context, appID, objectID string) (*engine.ObjectResult, error)
	Fields(ctx context.Context, appID string) ([]engine.TableInfo, error)
	MasterItems(ctx context.Context, appID string) (*engine.MasterItems, error)
	Evaluate(ctx context.Context, appID, expression string) (string, error)
}

// Repository is the app catalog surface the tools use.
// *repository.Client and *cloud.Client implement it.
type Repository interface {
	ListApplications(ctx context.Context, f repository.AppFilter, offset, limit int) (*repository.AppList, error)
	GetApplicationDetail(ctx context.Context, appID string) (*repository.AppDetail, error)
}

var (
	_ Engine     = (*engine.Client)(nil)
	_ Repository = (*repository.Client)(nil)
	_ Repository = (*cloud.Client)(nil)
)

// RegisterQlikTools registers every Qlik tool. repo may be nil, in which
// case get_apps is not offered and get_app_details reports engine data only.
func RegisterQlikTools(r *ToolRegistry, eng Engine, repo Repository) {
	if repo != nil {
		r.Register(&AppsTool{repo: repo})
	}
	r.Register(&AppDetailsTool{eng: eng, repo: repo})
	r.Register(&SheetsTool{eng: eng})
	r.Register(&SheetObjectsTool{eng: eng})
	r.Register(&ScriptTool{eng: eng})
	r.Register(&FieldTool{eng: eng})
	r.Register(&VariablesTool{eng: eng})
	r.Register(&FieldStatisticsTool{eng: eng})
	r.Register(&HypercubeTool{eng: eng})
	r.Register(&ObjectTool{eng: eng})
	r.Register(&EvaluateTool{eng: eng})
}

// RegisterCloudTools registers the tools a Qlik Cloud tenant serves over
// REST: get_apps and get_app_details without engine data.
func RegisterCloudTools(r *ToolRegistry, catalog Repository) {
	r.Register(&AppsTool{repo: catalog})
	r.Register(&AppDetailsTool{repo: catalog})
}

// schema helpers

func object(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func appIDProp() map[string]any {
	return prop("string", "Application ID (GUID)")
}
