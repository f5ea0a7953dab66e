package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/freitascorp/qlikclaw/pkg/engine"
)

// window reads offset and limit, filling the default limit when absent.
func window(args map[string]any, defLimit int) (engine.Window, error) {
	offset, err := intArg(args, "offset", 0)
	if err != nil {
		return engine.Window{}, err
	}
	limit, err := intArg(args, "limit", defLimit)
	if err != nil {
		return engine.Window{}, err
	}
	return engine.Window{Offset: offset, Limit: limit}, nil
}

// FieldTool lists the distinct values of a field.
type FieldTool struct{ eng Engine }

func (t *FieldTool) Name() string { return "get_app_field" }

func (t *FieldTool) Description() string {
	return fmt.Sprintf(`List distinct values of a field, sorted numerically then alphabetically.

search_string filters values with wildcards: * or %% match any run of characters, ? matches one. Text without wildcards matches anywhere in the value. Matching is case-insensitive unless case_sensitive is true.

Paginated with offset and limit (default %d, max %d); use values.next_offset for the next page.`,
		engine.DefaultFieldValuesLimit, engine.MaxFieldValuesLimit)
}

func (t *FieldTool) Parameters() map[string]any {
	return object(map[string]any{
		"app_id":            appIDProp(),
		"field_name":        prop("string", "Field name"),
		"search_string":     prop("string", "Optional wildcard filter, e.g. AB* or %north%"),
		"case_sensitive":    prop("boolean", "Match search_string case-sensitively (default false)"),
		"include_frequency": prop("boolean", "Include how often each value occurs (default false)"),
		"offset":            map[string]any{"type": "integer", "description": "Values to skip (default 0)", "default": 0},
		"limit":             map[string]any{"type": "integer", "description": fmt.Sprintf("Values to return (default %d, max %d)", engine.DefaultFieldValuesLimit, engine.MaxFieldValuesLimit), "default": engine.DefaultFieldValuesLimit},
	}, "app_id", "field_name")
}

func (t *FieldTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	q := engine.FieldValuesQuery{}
	var err error
	if q.AppID, err = stringArg(args, "app_id", true); err != nil {
		return FailureResult(err)
	}
	if q.Field, err = stringArg(args, "field_name", true); err != nil {
		return FailureResult(err)
	}
	if q.Search, err = stringArg(args, "search_string", false); err != nil {
		return FailureResult(err)
	}
	if q.CaseSensitive, _, err = boolArg(args, "case_sensitive"); err != nil {
		return FailureResult(err)
	}
	if q.IncludeFrequency, _, err = boolArg(args, "include_frequency"); err != nil {
		return FailureResult(err)
	}
	if q.Window, err = window(args, engine.DefaultFieldValuesLimit); err != nil {
		return FailureResult(err)
	}

	res, err := t.eng.FieldValues(ctx, q)
	if err != nil {
		return FailureResult(err)
	}
	return JSONResult(res)
}

// VariablesTool lists application variables.
type VariablesTool struct{ eng Engine }

func (t *VariablesTool) Name() string { return "get_app_variables" }

func (t *VariablesTool) Description() string {
	return fmt.Sprintf(`List application variables with their definitions.

Each variable is tagged with source "script" (created by the load script) or "ui" (created in the app). Filter with source and search_string (wildcards * or %%, case-insensitive). Paginated with offset and limit (default %d, max %d).`,
		engine.DefaultVariablesLimit, engine.MaxVariablesLimit)
}

func (t *VariablesTool) Parameters() map[string]any {
	return object(map[string]any{
		"app_id":        appIDProp(),
		"source":        map[string]any{"type": "string", "enum": []string{"all", "script", "ui"}, "description": "Only variables from this source (default all)"},
		"search_string": prop("string", "Optional wildcard filter on variable name"),
		"offset":        map[string]any{"type": "integer", "description": "Variables to skip (default 0)", "default": 0},
		"limit":         map[string]any{"type": "integer", "description": fmt.Sprintf("Variables to return (default %d, max %d)", engine.DefaultVariablesLimit, engine.MaxVariablesLimit), "default": engine.DefaultVariablesLimit},
	}, "app_id")
}

func (t *VariablesTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	q := engine.VariablesQuery{}
	var err error
	if q.AppID, err = stringArg(args, "app_id", true); err != nil {
		return FailureResult(err)
	}
	if q.Source, err = stringArg(args, "source", false); err != nil {
		return FailureResult(err)
	}
	switch q.Source {
	case "", "all":
		q.Source = ""
	case "script", "ui":
	default:
		return FailureResult(argError("source must be all, script or ui, got %q", q.Source))
	}
	if q.Search, err = stringArg(args, "search_string", false); err != nil {
		return FailureResult(err)
	}
	if q.Window, err = window(args, engine.DefaultVariablesLimit); err != nil {
		return FailureResult(err)
	}

	res, err := t.eng.Variables(ctx, q)
	if err != nil {
		return FailureResult(err)
	}
	return JSONResult(res)
}

// FieldStatisticsTool profiles one field.
type FieldStatisticsTool struct{ eng Engine }

func (t *FieldStatisticsTool) Name() string { return "get_app_field_statistics" }

func (t *FieldStatisticsTool) Description() string {
	return `Profile a field: distinct and total counts, nulls and completeness, and for numeric fields min, max, mean, median, mode, sum and standard deviation.

method is "engine" when every statistic came from the engine and "client" when median, mode or standard deviation had to be computed from the full value list.`
}

func (t *FieldStatisticsTool) Parameters() map[string]any {
	return object(map[string]any{
		"app_id":     appIDProp(),
		"field_name": prop("string", "Field name"),
	}, "app_id", "field_name")
}

func (t *FieldStatisticsTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	appID, err := stringArg(args, "app_id", true)
	if err != nil {
		return FailureResult(err)
	}
	field, err := stringArg(args, "field_name", true)
	if err != nil {
		return FailureResult(err)
	}
	res, err := t.eng.FieldStatistics(ctx, appID, field)
	if err != nil {
		return FailureResult(err)
	}
	return JSONResult(res)
}

// dimensionArg accepts "Field" or {"field": "Field", "label": "L"}.
type dimensionArg engine.DimensionSpec

func (d *dimensionArg) UnmarshalJSON(b []byte) error {
	if b = bytes.TrimSpace(b); len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &d.Field)
	}
	return json.Unmarshal(b, (*engine.DimensionSpec)(d))
}

// measureArg accepts "Sum(Sales)" or {"expression": "Sum(Sales)", "label": "L"}.
type measureArg engine.MeasureSpec

func (m *measureArg) UnmarshalJSON(b []byte) error {
	if b = bytes.TrimSpace(b); len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &m.Expression)
	}
	return json.Unmarshal(b, (*engine.MeasureSpec)(m))
}

// HypercubeTool runs an ad-hoc aggregation.
type HypercubeTool struct{ eng Engine }

func (t *HypercubeTool) Name() string { return "engine_create_hypercube" }

func (t *HypercubeTool) Description() string {
	return fmt.Sprintf(`Aggregate application data: group by dimensions and compute measures, like a SQL GROUP BY.

- dimensions: field names, or objects {"field", "label"}
- measures: Qlik expressions such as "Sum(Sales)", or objects {"expression", "label"}
- sort: ordered sort keys {"column", "descending", "by"}; column is a dimension field/label or a measure label/expression; by is auto, numeric or text
- max_rows: rows to return, 1 to %d (default %d)
- column_order: optional output column order by name

Rows follow the requested sort; columns keep request order unless column_order is given.`,
		engine.MaxHypercubeRows, engine.DefaultHypercubeRows)
}

func (t *HypercubeTool) Parameters() map[string]any {
	return object(map[string]any{
		"app_id": appIDProp(),
		"dimensions": map[string]any{
			"type":        "array",
			"description": "Dimension fields, as names or {field, label} objects",
			"items": map[string]any{
				"oneOf": []any{
					map[string]any{"type": "string"},
					object(map[string]any{"field": prop("string", "Field name"), "label": prop("string", "Column label")}, "field"),
				},
			},
		},
		"measures": map[string]any{
			"type":        "array",
			"description": "Measure expressions, as strings or {expression, label} objects",
			"items": map[string]any{
				"oneOf": []any{
					map[string]any{"type": "string"},
					object(map[string]any{"expression": prop("string", "Qlik expression"), "label": prop("string", "Column label")}, "expression"),
				},
			},
		},
		"sort": map[string]any{
			"type":        "array",
			"description": "Sort keys, applied in order",
			"items": object(map[string]any{
				"column":     prop("string", "Column name"),
				"descending": prop("boolean", "Sort descending (default false)"),
				"by":         map[string]any{"type": "string", "enum": []string{"auto", "numeric", "text"}},
			}, "column"),
		},
		"max_rows":         map[string]any{"type": "integer", "description": fmt.Sprintf("Rows to return (1-%d, default %d)", engine.MaxHypercubeRows, engine.DefaultHypercubeRows)},
		"column_order":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Output column order by name"},
		"suppress_zero":    prop("boolean", "Drop rows where every measure is zero"),
		"suppress_missing": prop("boolean", "Drop rows with missing dimension values"),
	}, "app_id")
}

func (t *HypercubeTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	q := engine.HypercubeQuery{}
	var err error
	if q.AppID, err = stringArg(args, "app_id", true); err != nil {
		return FailureResult(err)
	}

	var dims []dimensionArg
	if err := decodeArg(args, "dimensions", &dims); err != nil {
		return FailureResult(err)
	}
	for _, d := range dims {
		q.Dimensions = append(q.Dimensions, engine.DimensionSpec(d))
	}
	var measures []measureArg
	if err := decodeArg(args, "measures", &measures); err != nil {
		return FailureResult(err)
	}
	for _, m := range measures {
		q.Measures = append(q.Measures, engine.MeasureSpec(m))
	}
	if err := decodeArg(args, "sort", &q.Sort); err != nil {
		return FailureResult(err)
	}
	if err := decodeArg(args, "column_order", &q.ColumnOrder); err != nil {
		return FailureResult(err)
	}
	if q.MaxRows, err = intArg(args, "max_rows", 0); err != nil {
		return FailureResult(err)
	}
	if q.SuppressZero, _, err = boolArg(args, "suppress_zero"); err != nil {
		return FailureResult(err)
	}
	if q.SuppressMissing, _, err = boolArg(args, "suppress_missing"); err != nil {
		return FailureResult(err)
	}

	res, err := t.eng.CreateHypercube(ctx, q)
	if err != nil {
		return FailureResult(err)
	}
	return JSONResult(res)
}

// EvaluateTool evaluates one expression in the context of an app.
type EvaluateTool struct{ eng Engine }

func (t *EvaluateTool) Name() string { return "engine_evaluate" }

func (t *EvaluateTool) Description() string {
	return `Evaluate a Qlik expression over the whole application, e.g. "Sum(Sales)" or "Count(DISTINCT Customer)", and return the result as text.`
}

func (t *EvaluateTool) Parameters() map[string]any {
	return object(map[string]any{
		"app_id":     appIDProp(),
		"expression": prop("string", "Qlik chart expression"),
	}, "app_id", "expression")
}

func (t *EvaluateTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	appID, err := stringArg(args, "app_id", true)
	if err != nil {
		return FailureResult(err)
	}
	expr, err := stringArg(args, "expression", true)
	if err != nil {
		return FailureResult(err)
	}
	val, err := t.eng.Evaluate(ctx, appID, expr)
	if err != nil {
		return FailureResult(err)
	}
	return JSONResult(map[string]string{"app_id": appID, "expression": expr, "value": val})
}
