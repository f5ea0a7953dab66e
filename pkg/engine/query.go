package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// ListPageSize is the row height of one list object data page.
	ListPageSize = 5000
	// maxCellsPerPage is the engine's cap on cells in one data page.
	maxCellsPerPage = 10000

	DefaultFieldValuesLimit = 10
	MaxFieldValuesLimit     = 100
	DefaultVariablesLimit   = 50
	MaxVariablesLimit       = 100
	DefaultHypercubeRows    = 1000
	MaxHypercubeRows        = 10000
)

// Num is an engine number. The engine sends "NaN" for missing numbers.
type Num struct {
	Value float64
	Valid bool
}

func (n *Num) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || b[0] == '"' {
		*n = Num{}
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("engine number %q: %w", b, err)
	}
	*n = Num{Value: v, Valid: !math.IsNaN(v)}
	return nil
}

func (n Num) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// Ptr returns the value or nil when missing.
func (n Num) Ptr() *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

type engineCell struct {
	Text       string `json:"qText"`
	Num        Num    `json:"qNum"`
	ElemNumber int    `json:"qElemNumber"`
	State      string `json:"qState"`
	IsNull     bool   `json:"qIsNull"`
	Frequency  string `json:"qFrequency"`
}

type dataPage struct {
	Matrix [][]engineCell `json:"qMatrix"`
}

type cubeSize struct {
	Cx int `json:"qcx"`
	Cy int `json:"qcy"`
}

type pageRect struct {
	Top    int `json:"qTop"`
	Left   int `json:"qLeft"`
	Width  int `json:"qWidth"`
	Height int `json:"qHeight"`
}

type fieldError struct {
	Code int `json:"qErrorCode"`
}

// Cell is one value in a shaped result row.
type Cell struct {
	Column string   `json:"column"`
	Text   string   `json:"text"`
	Num    *float64 `json:"num,omitempty"`
}

// Column describes one hypercube column.
type Column struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // "dimension" or "measure"
}

// Table is a decoded hypercube.
type Table struct {
	Columns   []Column `json:"columns"`
	Rows      [][]Cell `json:"rows"`
	TotalRows int      `json:"total_rows"`
}

// DimensionSpec is one hypercube dimension.
type DimensionSpec struct {
	Field string `json:"field"`
	Label string `json:"label,omitempty"`
}

func (d DimensionSpec) name() string {
	if d.Label != "" {
		return d.Label
	}
	return d.Field
}

// MeasureSpec is one hypercube measure.
type MeasureSpec struct {
	Expression string `json:"expression"`
	Label      string `json:"label,omitempty"`
}

func (m MeasureSpec) name() string {
	if m.Label != "" {
		return m.Label
	}
	return m.Expression
}

// SortKey orders hypercube rows by one column. Column is the dimension or
// measure name (label, else field or expression). By is "auto", "numeric"
// or "text".
type SortKey struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
	By         string `json:"by,omitempty"`
}

// HypercubeQuery is an ad-hoc aggregation request.
type HypercubeQuery struct {
	AppID      string          `json:"app_id"`
	Dimensions []DimensionSpec `json:"dimensions"`
	Measures   []MeasureSpec   `json:"measures"`
	Sort       []SortKey       `json:"sort,omitempty"`
	// MaxRows caps returned rows; 0 means DefaultHypercubeRows.
	MaxRows int `json:"max_rows,omitempty"`
	// ColumnOrder optionally reorders output columns by name.
	ColumnOrder     []string `json:"column_order,omitempty"`
	SuppressZero    bool     `json:"suppress_zero,omitempty"`
	SuppressMissing bool     `json:"suppress_missing,omitempty"`
}

// HypercubeResult is the shaped hypercube.
type HypercubeResult struct {
	AppID     string   `json:"app_id"`
	Columns   []Column `json:"columns"`
	Rows      [][]Cell `json:"rows"`
	TotalRows int      `json:"total_rows"`
	Returned  int      `json:"returned"`
	Truncated bool     `json:"truncated"`
	MaxRows   int      `json:"max_rows"`
}

type hypercubePlan struct {
	def       map[string]any
	columns   []Column
	width     int
	maxRows   int
	pageRows  int
	sortOrder []int
}

// normalize validates q and fills defaults.
func (q HypercubeQuery) normalize() (HypercubeQuery, error) {
	if strings.TrimSpace(q.AppID) == "" {
		return q, invalidSpec("app_id is required")
	}
	if len(q.Dimensions) == 0 && len(q.Measures) == 0 {
		return q, invalidSpec("at least one dimension or measure is required")
	}
	for i, d := range q.Dimensions {
		if strings.TrimSpace(d.Field) == "" {
			return q, invalidSpec("dimension %d has no field", i)
		}
	}
	for i, m := range q.Measures {
		if strings.TrimSpace(m.Expression) == "" {
			return q, invalidSpec("measure %d has no expression", i)
		}
	}
	switch {
	case q.MaxRows == 0:
		q.MaxRows = DefaultHypercubeRows
	case q.MaxRows < 1 || q.MaxRows > MaxHypercubeRows:
		return q, invalidSpec("max_rows must be between 1 and %d, got %d", MaxHypercubeRows, q.MaxRows)
	}
	return q, nil
}

// plan builds the qHyperCubeDef for q. Sort keys come first in the
// inter-column order; remaining columns follow in request order.
func (q HypercubeQuery) plan() (*hypercubePlan, error) {
	var columns []Column
	index := make(map[string]int)
	for _, d := range q.Dimensions {
		index[d.name()] = len(columns)
		columns = append(columns, Column{Name: d.name(), Kind: "dimension"})
	}
	for _, m := range q.Measures {
		index[m.name()] = len(columns)
		columns = append(columns, Column{Name: m.name(), Kind: "measure"})
	}
	if len(index) != len(columns) {
		return nil, invalidSpec("column names must be unique; set labels to disambiguate")
	}

	dimSort := make([]map[string]any, len(q.Dimensions))
	for i := range dimSort {
		dimSort[i] = map[string]any{"qSortByNumeric": 1, "qSortByAscii": 1, "qSortByLoadOrder": 1}
	}
	measSort := make([]map[string]any, len(q.Measures))
	for i := range measSort {
		measSort[i] = map[string]any{}
	}

	var order []int
	seen := make(map[int]bool)
	for _, k := range q.Sort {
		i, ok := index[k.Column]
		if !ok {
			return nil, invalidSpec("sort names unknown column %q", k.Column)
		}
		if seen[i] {
			return nil, invalidSpec("sort repeats column %q", k.Column)
		}
		seen[i] = true
		order = append(order, i)

		dir := 1
		if k.Descending {
			dir = -1
		}
		crit := map[string]any{}
		switch k.By {
		case "", "auto":
			crit["qSortByNumeric"] = dir
			crit["qSortByAscii"] = dir
		case "numeric":
			crit["qSortByNumeric"] = dir
		case "text":
			crit["qSortByAscii"] = dir
		default:
			return nil, invalidSpec("sort %q: by must be auto, numeric or text", k.Column)
		}
		switch {
		case i < len(q.Dimensions):
			crit["qSortByLoadOrder"] = 1
			dimSort[i] = crit
		case k.By == "text":
			measSort[i-len(q.Dimensions)] = map[string]any{"qSortByAscii": dir}
		default:
			measSort[i-len(q.Dimensions)] = map[string]any{"qSortByNumeric": dir}
		}
	}
	for i := range columns {
		if !seen[i] {
			order = append(order, i)
		}
	}

	dims := make([]map[string]any, len(q.Dimensions))
	for i, d := range q.Dimensions {
		dims[i] = map[string]any{
			"qDef": map[string]any{
				"qFieldDefs":     []string{d.Field},
				"qFieldLabels":   []string{d.name()},
				"qSortCriterias": []map[string]any{dimSort[i]},
			},
			"qNullSuppression": q.SuppressMissing,
		}
	}
	meas := make([]map[string]any, len(q.Measures))
	for i, m := range q.Measures {
		meas[i] = map[string]any{
			"qDef":    map[string]any{"qDef": m.Expression, "qLabel": m.name()},
			"qSortBy": measSort[i],
		}
	}

	width := len(columns)
	pageRows := min(q.MaxRows, maxCellsPerPage/width)

	def := map[string]any{
		"qInfo": map[string]any{"qType": "HyperCube"},
		"qHyperCubeDef": map[string]any{
			"qDimensions":           dims,
			"qMeasures":             meas,
			"qInterColumnSortOrder": order,
			"qSuppressZero":         q.SuppressZero,
			"qSuppressMissing":      q.SuppressMissing,
			"qMode":                 "S",
			"qInitialDataFetch":     []pageRect{{Width: width, Height: pageRows}},
		},
	}
	return &hypercubePlan{def: def, columns: columns, width: width, maxRows: q.MaxRows, pageRows: pageRows, sortOrder: order}, nil
}

func shapeRows(columns []Column, matrix [][]engineCell) [][]Cell {
	rows := make([][]Cell, 0, len(matrix))
	for _, r := range matrix {
		row := make([]Cell, len(columns))
		for j := range columns {
			row[j].Column = columns[j].Name
			if j < len(r) {
				row[j].Text = r[j].Text
				row[j].Num = r[j].Num.Ptr()
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// FieldValuesQuery asks for the distinct values of one field.
type FieldValuesQuery struct {
	AppID  string `json:"app_id"`
	Field  string `json:"field"`
	Search string `json:"search,omitempty"`
	// CaseSensitive narrows engine matches to exact-case hits.
	CaseSensitive    bool `json:"case_sensitive,omitempty"`
	IncludeFrequency bool `json:"include_frequency,omitempty"`
	Window
}

// FieldValue is one distinct field value.
type FieldValue struct {
	Text      string   `json:"value"`
	Num       *float64 `json:"num,omitempty"`
	Frequency *int     `json:"frequency,omitempty"`
	State     string   `json:"state,omitempty"`
}

// FieldValuesResult is a page of distinct values.
type FieldValuesResult struct {
	AppID  string           `json:"app_id"`
	Field  string           `json:"field"`
	Search string           `json:"search,omitempty"`
	Values Page[FieldValue] `json:"values"`
}

// VariablesQuery lists application variables.
type VariablesQuery struct {
	AppID  string `json:"app_id"`
	Source string `json:"source,omitempty"` // "", "script" or "ui"
	Search string `json:"search,omitempty"`
	Window
}

// Variable is an application variable.
type Variable struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Definition  string   `json:"definition"`
	Description string   `json:"description,omitempty"`
	Source      string   `json:"source"`
	Tags        []string `json:"tags,omitempty"`
}

// VariableCounts splits the unfiltered variable set by source.
type VariableCounts struct {
	Total  int `json:"total"`
	Script int `json:"script"`
	UI     int `json:"ui"`
}

// VariablesResult is a page of variables.
type VariablesResult struct {
	AppID     string         `json:"app_id"`
	Counts    VariableCounts `json:"counts"`
	Variables Page[Variable] `json:"variables"`
}

// FieldStatistics describes one field's value distribution.
type FieldStatistics struct {
	AppID  string `json:"app_id"`
	Field  string `json:"field"`
	Method string `json:"method"` // "engine" or "client"

	UniqueValues int `json:"unique_values"`
	// TotalValues counts rows including nulls.
	TotalValues         int     `json:"total_values"`
	NonNullValues       int     `json:"non_null_values"`
	NullValues          int     `json:"null_values"`
	NullPercent         float64 `json:"null_percent"`
	CompletenessPercent float64 `json:"completeness_percent"`

	Numeric bool     `json:"numeric"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Mean    *float64 `json:"mean,omitempty"`
	Median  *float64 `json:"median,omitempty"`
	Mode    *float64 `json:"mode,omitempty"`
	Sum     *float64 `json:"sum,omitempty"`
	// StdDev is the population standard deviation.
	StdDev *float64 `json:"std_deviation,omitempty"`
	// ModeText is set when the most frequent value is not numeric.
	ModeText string `json:"mode_text,omitempty"`
}

// statsMeasures are evaluated in one single-row hypercube, in this order.
var statsMeasures = []struct{ label, format string }{
	{"unique_values", "Count(DISTINCT %s)"},
	{"non_null_values", "Count(%s)"},
	{"null_values", "NullCount(%s)"},
	{"min", "Min(%s)"},
	{"max", "Max(%s)"},
	{"mean", "Avg(%s)"},
	{"sum", "Sum(%s)"},
	{"median", "Median(%s)"},
	{"mode", "Mode(%s)"},
	{"stdev", "Stdev(%s)"},
}

// fieldRef quotes a field name for use inside an expression.
func fieldRef(field string) string {
	return "[" + strings.ReplaceAll(field, "]", "]]") + "]"
}

func statsDefinition(field string) map[string]any {
	ref := fieldRef(field)
	meas := make([]map[string]any, len(statsMeasures))
	for i, m := range statsMeasures {
		meas[i] = map[string]any{"qDef": map[string]any{"qDef": fmt.Sprintf(m.format, ref), "qLabel": m.label}}
	}
	return map[string]any{
		"qInfo": map[string]any{"qType": "FieldStatistics"},
		"qHyperCubeDef": map[string]any{
			"qDimensions":       []any{},
			"qMeasures":         meas,
			"qInitialDataFetch": []pageRect{{Width: len(meas), Height: 1}},
		},
	}
}

func listObjectDefinition(field string, frequency bool) map[string]any {
	mode := "N"
	if frequency {
		mode = "V"
	}
	return map[string]any{
		"qInfo": map[string]any{"qType": "ListObject"},
		"qListObjectDef": map[string]any{
			"qDef": map[string]any{
				"qFieldDefs": []string{field},
				"qSortCriterias": []map[string]any{{
					"qSortByState":     1,
					"qSortByNumeric":   1,
					"qSortByAscii":     1,
					"qSortByLoadOrder": 1,
				}},
			},
			"qFrequencyMode":    mode,
			"qShowAlternatives": true,
			"qInitialDataFetch": []pageRect{{Width: 1, Height: 0}},
		},
	}
}

func variableListDefinition() map[string]any {
	return map[string]any{
		"qInfo": map[string]any{"qType": "VariableList"},
		"qVariableListDef": map[string]any{
			"qType":         "variable",
			"qShowReserved": false,
			"qShowConfig":   false,
			"qData":         map[string]any{"tags": "/tags"},
		},
	}
}

func sheetListDefinition() map[string]any {
	return map[string]any{
		"qInfo": map[string]any{"qType": "SheetList"},
		"qAppObjectListDef": map[string]any{
			"qType": "sheet",
			"qData": map[string]any{
				"title":       "/qMetaDef/title",
				"description": "/qMetaDef/description",
				"rank":        "/rank",
				"cells":       "/cells",
			},
		},
	}
}

func masterListDefinition(kind string) map[string]any {
	switch kind {
	case "measure":
		return map[string]any{
			"qInfo": map[string]any{"qType": "MeasureList"},
			"qMeasureListDef": map[string]any{
				"qType": "measure",
				"qData": map[string]any{
					"title":       "/qMetaDef/title",
					"description": "/qMetaDef/description",
					"tags":        "/qMetaDef/tags",
					"expression":  "/qMeasure/qDef",
					"label":       "/qMeasure/qLabel",
				},
			},
		}
	default:
		return map[string]any{
			"qInfo": map[string]any{"qType": "DimensionList"},
			"qDimensionListDef": map[string]any{
				"qType": "dimension",
				"qData": map[string]any{
					"title":       "/qMetaDef/title",
					"description": "/qMetaDef/description",
					"tags":        "/qMetaDef/tags",
					"fields":      "/qDim/qFieldDefs",
					"grouping":    "/qDim/qGrouping",
				},
			},
		}
	}
}

// withObjectID stamps a fresh session object id into def.
func withObjectID(def map[string]any) string {
	info := def["qInfo"].(map[string]any)
	id := "qlikclaw-" + strings.ToLower(fmt.Sprint(info["qType"])) + "-" + uuid.NewString()
	info["qId"] = id
	return id
}
