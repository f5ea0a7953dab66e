package tools

import (
	"context"

	"github.com/freitascorp/qlikclaw/pkg/engine"
)

// SheetsTool lists the sheets of an application.
type SheetsTool struct{ eng Engine }

func (t *SheetsTool) Name() string { return "get_app_sheets" }

func (t *SheetsTool) Description() string {
	return "List the sheets of an application in display order, with title, description and object count."
}

func (t *SheetsTool) Parameters() map[string]any {
	return object(map[string]any{"app_id": appIDProp()}, "app_id")
}

func (t *SheetsTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	appID, err := stringArg(args, "app_id", true)
	if err != nil {
		return FailureResult(err)
	}
	sheets, err := t.eng.Sheets(ctx, appID)
	if err != nil {
		return FailureResult(err)
	}
	return JSONResult(struct {
		AppID  string         `json:"app_id"`
		Total  int            `json:"total_sheets"`
		Sheets []engine.Sheet `json:"sheets"`
	}{appID, len(sheets), sheets})
}

// SheetObjectsTool describes the visualizations on one sheet.
type SheetObjectsTool struct{ eng Engine }

func (t *SheetObjectsTool) Name() string { return "get_app_sheet_objects" }

func (t *SheetObjectsTool) Description() string {
	return `List the objects placed on a sheet: type, title, and the fields used by their dimensions and measures.

Objects that cannot be read are listed with an error message instead of failing the whole call.`
}

func (t *SheetObjectsTool) Parameters() map[string]any {
	return object(map[string]any{
		"app_id":   appIDProp(),
		"sheet_id": prop("string", "Sheet ID, as returned by get_app_sheets"),
	}, "app_id", "sheet_id")
}

func (t *SheetObjectsTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	appID, err := stringArg(args, "app_id", true)
	if err != nil {
		return FailureResult(err)
	}
	sheetID, err := stringArg(args, "sheet_id", true)
	if err != nil {
		return FailureResult(err)
	}
	res, err := t.eng.SheetObjects(ctx, appID, sheetID)
	if err != nil {
		return FailureResult(err)
	}
	return JSONResult(res)
}

// ScriptTool returns the load script.
type ScriptTool struct{ eng Engine }

func (t *ScriptTool) Name() string { return "get_app_script" }

func (t *ScriptTool) Description() string {
	return "Get the load script of an application, with its length in characters and lines."
}

func (t *ScriptTool) Parameters() map[string]any {
	return object(map[string]any{"app_id": appIDProp()}, "app_id")
}

func (t *ScriptTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	appID, err := stringArg(args, "app_id", true)
	if err != nil {
		return FailureResult(err)
	}
	res, err := t.eng.Script(ctx, appID)
	if err != nil {
		return FailureResult(err)
	}
	return JSONResult(res)
}

// ObjectTool returns the layout of any object by id.
type ObjectTool struct{ eng Engine }

func (t *ObjectTool) Name() string { return "get_app_object" }

func (t *ObjectTool) Description() string {
	return `Get the layout of a single object by ID. When the object is a chart or table, its data is returned as a table of rows with named columns (first 100 rows).`
}

func (t *ObjectTool) Parameters() map[string]any {
	return object(map[string]any{
		"app_id":    appIDProp(),
		"object_id": prop("string", "Object ID"),
	}, "app_id", "object_id")
}

func (t *ObjectTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	appID, err := stringArg(args, "app_id", true)
	if err != nil {
		return FailureResult(err)
	}
	objectID, err := stringArg(args, "object_id", true)
	if err != nil {
		return FailureResult(err)
	}
	res, err := t.eng.Object(ctx, appID, objectID)
	if err != nil {
		return FailureResult(err)
	}
	return JSONResult(res)
}
