package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Sheet is one application sheet.
type Sheet struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Rank        *float64 `json:"rank,omitempty"`
	Published   bool     `json:"published"`
	ObjectCount int      `json:"object_count"`
}

// SheetObject is a visualization placed on a sheet.
type SheetObject struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	Title         string   `json:"title,omitempty"`
	Subtitle      string   `json:"subtitle,omitempty"`
	Visualization string   `json:"visualization,omitempty"`
	Dimensions    []string `json:"dimensions,omitempty"`
	Measures      []string `json:"measures,omitempty"`
	Fields        []string `json:"fields,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// SheetObjectsResult lists the objects of one sheet.
type SheetObjectsResult struct {
	AppID      string        `json:"app_id"`
	SheetID    string        `json:"sheet_id"`
	SheetTitle string        `json:"sheet_title"`
	Objects    []SheetObject `json:"objects"`
}

// ScriptResult holds an application's load script.
type ScriptResult struct {
	AppID  string `json:"app_id"`
	Script string `json:"script"`
	Length int    `json:"length"`
	Lines  int    `json:"lines"`
}

// ObjectResult is the layout of a single object.
type ObjectResult struct {
	AppID  string         `json:"app_id"`
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Title  string         `json:"title,omitempty"`
	Layout map[string]any `json:"layout"`
	Table  *Table         `json:"table,omitempty"`
}

// TableInfo is one table of the data model.
type TableInfo struct {
	Name   string      `json:"name"`
	Rows   int         `json:"rows"`
	Fields []FieldInfo `json:"fields"`
}

// FieldInfo is one field of a data model table.
type FieldInfo struct {
	Name           string   `json:"name"`
	DistinctValues int      `json:"distinct_values"`
	NonNulls       int      `json:"non_nulls"`
	Key            bool     `json:"key"`
	Tags           []string `json:"tags,omitempty"`
}

// MasterItem is a reusable measure or dimension from the app library.
type MasterItem struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Expression  string   `json:"expression,omitempty"`
	Label       string   `json:"label,omitempty"`
	Fields      []string `json:"fields,omitempty"`
	Grouping    string   `json:"grouping,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// MasterItems is the app library.
type MasterItems struct {
	Measures   []MasterItem `json:"measures"`
	Dimensions []MasterItem `json:"dimensions"`
}

// AppSummary is the engine's view of an application.
type AppSummary struct {
	AppID          string `json:"app_id"`
	Title          string `json:"title"`
	FileName       string `json:"file_name,omitempty"`
	LastReloadTime string `json:"last_reload_time,omitempty"`
	HasScript      bool   `json:"has_script"`
	HasData        bool   `json:"has_data"`
	Published      bool   `json:"published"`
}

// withSessionObject creates a temporary object from def, runs fn against
// its handle and destroys it afterwards.
func (c *Client) withSessionObject(ctx context.Context, doc *Document, def map[string]any, fn func(handle int) error) error {
	id := withObjectID(def)
	raw, err := c.call(ctx, doc, doc.Handle, "CreateSessionObject", []any{def})
	if err != nil {
		return err
	}
	ref, err := decodeObjectRef(raw)
	if err != nil {
		return err
	}
	defer c.destroySessionObject(ctx, doc, id)
	return fn(ref.Handle)
}

func (c *Client) destroySessionObject(ctx context.Context, doc *Document, id string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := c.call(dctx, doc, doc.Handle, "DestroySessionObject", []any{id}); err != nil {
		c.logger.Debug("destroy session object failed", "id", id, "error", err)
	}
}

func (c *Client) getObject(ctx context.Context, doc *Document, id string) (objectRef, error) {
	raw, err := c.call(ctx, doc, doc.Handle, "GetObject", map[string]any{"qId": id})
	if err != nil {
		return objectRef{}, err
	}
	ref, err := decodeObjectRef(raw)
	if err != nil {
		return objectRef{}, err
	}
	if ref.Handle == 0 {
		return objectRef{}, invalidSpec("object %q not found in app %s", id, doc.AppID)
	}
	return ref, nil
}

// AppLayout returns the engine's summary of an application.
func (c *Client) AppLayout(ctx context.Context, appID string) (*AppSummary, error) {
	doc, err := c.EnsureDocument(ctx, appID)
	if err != nil {
		return nil, err
	}
	var out struct {
		Layout struct {
			Title          string `json:"qTitle"`
			FileName       string `json:"qFileName"`
			LastReloadTime string `json:"qLastReloadTime"`
			HasScript      bool   `json:"qHasScript"`
			HasData        bool   `json:"qHasData"`
			Meta           struct {
				Published bool `json:"published"`
			} `json:"qMeta"`
		} `json:"qLayout"`
	}
	if err := c.callInto(ctx, doc, doc.Handle, "GetAppLayout", nil, &out); err != nil {
		return nil, err
	}
	l := out.Layout
	return &AppSummary{
		AppID:          appID,
		Title:          l.Title,
		FileName:       l.FileName,
		LastReloadTime: l.LastReloadTime,
		HasScript:      l.HasScript,
		HasData:        l.HasData,
		Published:      l.Meta.Published,
	}, nil
}

// Sheets lists the sheets of an application ordered by rank then title.
func (c *Client) Sheets(ctx context.Context, appID string) ([]Sheet, error) {
	doc, err := c.EnsureDocument(ctx, appID)
	if err != nil {
		return nil, err
	}

	var layout struct {
		Layout struct {
			List struct {
				Items []struct {
					Info struct {
						ID string `json:"qId"`
					} `json:"qInfo"`
					Meta struct {
						Title       string `json:"title"`
						Description string `json:"description"`
						Published   bool   `json:"published"`
					} `json:"qMeta"`
					Data struct {
						Title       string            `json:"title"`
						Description string            `json:"description"`
						Rank        Num               `json:"rank"`
						Cells       []json.RawMessage `json:"cells"`
					} `json:"qData"`
				} `json:"qItems"`
			} `json:"qAppObjectList"`
		} `json:"qLayout"`
	}
	err = c.withSessionObject(ctx, doc, sheetListDefinition(), func(h int) error {
		return c.callInto(ctx, doc, h, "GetLayout", nil, &layout)
	})
	if err != nil {
		return nil, err
	}

	sheets := make([]Sheet, 0, len(layout.Layout.List.Items))
	for _, it := range layout.Layout.List.Items {
		s := Sheet{
			ID:          it.Info.ID,
			Title:       firstNonEmpty(it.Data.Title, it.Meta.Title),
			Description: firstNonEmpty(it.Data.Description, it.Meta.Description),
			Rank:        it.Data.Rank.Ptr(),
			Published:   it.Meta.Published,
			ObjectCount: len(it.Data.Cells),
		}
		sheets = append(sheets, s)
	}
	sort.SliceStable(sheets, func(i, j int) bool {
		a, b := sheets[i], sheets[j]
		switch {
		case a.Rank != nil && b.Rank != nil && *a.Rank != *b.Rank:
			return *a.Rank < *b.Rank
		case (a.Rank == nil) != (b.Rank == nil):
			return a.Rank != nil
		}
		return strings.ToLower(a.Title) < strings.ToLower(b.Title)
	})
	return sheets, nil
}

type objectLayout struct {
	Info struct {
		ID   string `json:"qId"`
		Type string `json:"qType"`
	} `json:"qInfo"`
	Meta struct {
		Title string `json:"title"`
	} `json:"qMeta"`
	Title         json.RawMessage `json:"title"`
	Subtitle      json.RawMessage `json:"subtitle"`
	Visualization string          `json:"visualization"`
	ChildList     *struct {
		Items []struct {
			Info struct {
				ID   string `json:"qId"`
				Type string `json:"qType"`
			} `json:"qInfo"`
		} `json:"qItems"`
	} `json:"qChildList"`
	Cells []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"cells"`
	HyperCube *cubeLayout `json:"qHyperCube"`
}

type cubeLayout struct {
	DimensionInfo []struct {
		FallbackTitle  string      `json:"qFallbackTitle"`
		GroupFieldDefs []string    `json:"qGroupFieldDefs"`
		Error          *fieldError `json:"qError"`
	} `json:"qDimensionInfo"`
	MeasureInfo []struct {
		FallbackTitle string `json:"qFallbackTitle"`
	} `json:"qMeasureInfo"`
	Size      cubeSize   `json:"qSize"`
	DataPages []dataPage `json:"qDataPages"`
}

func (l *objectLayout) title() string {
	return firstNonEmpty(textOf(l.Title), l.Meta.Title)
}

func (h *cubeLayout) columns() []Column {
	cols := make([]Column, 0, len(h.DimensionInfo)+len(h.MeasureInfo))
	for _, d := range h.DimensionInfo {
		cols = append(cols, Column{Name: d.FallbackTitle, Kind: "dimension"})
	}
	for _, m := range h.MeasureInfo {
		cols = append(cols, Column{Name: m.FallbackTitle, Kind: "measure"})
	}
	return cols
}

// SheetObjects describes every object on a sheet: the sheet layout is read
// first, then each child's layout in turn.
func (c *Client) SheetObjects(ctx context.Context, appID, sheetID string) (*SheetObjectsResult, error) {
	if strings.TrimSpace(sheetID) == "" {
		return nil, invalidSpec("sheet_id is required")
	}
	doc, err := c.EnsureDocument(ctx, appID)
	if err != nil {
		return nil, err
	}

	ref, err := c.getObject(ctx, doc, sheetID)
	if err != nil {
		return nil, err
	}
	var sheet struct {
		Layout objectLayout `json:"qLayout"`
	}
	if err := c.callInto(ctx, doc, ref.Handle, "GetLayout", nil, &sheet); err != nil {
		return nil, err
	}

	type child struct{ id, typ string }
	var children []child
	if sheet.Layout.ChildList != nil && len(sheet.Layout.ChildList.Items) > 0 {
		for _, it := range sheet.Layout.ChildList.Items {
			children = append(children, child{it.Info.ID, it.Info.Type})
		}
	} else {
		for _, cell := range sheet.Layout.Cells {
			children = append(children, child{cell.Name, cell.Type})
		}
	}

	res := &SheetObjectsResult{
		AppID:      appID,
		SheetID:    sheetID,
		SheetTitle: sheet.Layout.title(),
		Objects:    make([]SheetObject, 0, len(children)),
	}
	for _, ch := range children {
		obj, err := c.describeObject(ctx, doc, ch.id)
		if err != nil {
			if k := KindOf(err); k != KindEngine && k != KindInvalidQuerySpec {
				return nil, err
			}
			obj = SheetObject{ID: ch.id, Type: ch.typ, Error: err.Error()}
		}
		res.Objects = append(res.Objects, obj)
	}
	return res, nil
}

func (c *Client) describeObject(ctx context.Context, doc *Document, id string) (SheetObject, error) {
	ref, err := c.getObject(ctx, doc, id)
	if err != nil {
		return SheetObject{}, err
	}
	var l struct {
		Layout objectLayout `json:"qLayout"`
	}
	if err := c.callInto(ctx, doc, ref.Handle, "GetLayout", nil, &l); err != nil {
		return SheetObject{}, err
	}

	obj := SheetObject{
		ID:            id,
		Type:          firstNonEmpty(l.Layout.Info.Type, ref.Type),
		Title:         l.Layout.title(),
		Subtitle:      textOf(l.Layout.Subtitle),
		Visualization: l.Layout.Visualization,
	}
	hc := l.Layout.HyperCube
	if hc == nil {
		return obj, nil
	}

	var fields []string
	for _, d := range hc.DimensionInfo {
		obj.Dimensions = append(obj.Dimensions, d.FallbackTitle)
		for _, f := range d.GroupFieldDefs {
			fields = append(fields, fieldRefs(f)...)
		}
	}
	for _, m := range hc.MeasureInfo {
		obj.Measures = append(obj.Measures, m.FallbackTitle)
	}

	var props struct {
		Prop struct {
			HyperCubeDef struct {
				Measures []struct {
					Def struct {
						Def string `json:"qDef"`
					} `json:"qDef"`
				} `json:"qMeasures"`
			} `json:"qHyperCubeDef"`
		} `json:"qProp"`
	}
	if err := c.callInto(ctx, doc, ref.Handle, "GetProperties", nil, &props); err == nil {
		for _, m := range props.Prop.HyperCubeDef.Measures {
			fields = append(fields, fieldRefs(m.Def.Def)...)
		}
	} else if KindOf(err) != KindEngine {
		return SheetObject{}, err
	}
	obj.Fields = dedupe(fields)
	return obj, nil
}

var bracketRef = regexp.MustCompile(`\[((?:[^\]]|\]\])+)\]`)

// fieldRefs extracts field names from a field definition or expression.
func fieldRefs(def string) []string {
	def = strings.TrimSpace(def)
	if def == "" {
		return nil
	}
	if !strings.HasPrefix(def, "=") && !strings.ContainsAny(def, "()[") {
		return []string{def}
	}
	var out []string
	for _, m := range bracketRef.FindAllStringSubmatch(def, -1) {
		out = append(out, strings.ReplaceAll(m[1], "]]", "]"))
	}
	return out
}

// Script returns the application's load script.
func (c *Client) Script(ctx context.Context, appID string) (*ScriptResult, error) {
	doc, err := c.EnsureDocument(ctx, appID)
	if err != nil {
		return nil, err
	}
	var out struct {
		Script string `json:"qScript"`
	}
	if err := c.callInto(ctx, doc, doc.Handle, "GetScript", nil, &out); err != nil {
		return nil, err
	}
	lines := 0
	if out.Script != "" {
		lines = strings.Count(out.Script, "\n") + 1
	}
	return &ScriptResult{AppID: appID, Script: out.Script, Length: len(out.Script), Lines: lines}, nil
}

// FieldValues returns one page of a field's distinct values. The whole
// matching value set is read from the engine before the window is applied.
func (c *Client) FieldValues(ctx context.Context, q FieldValuesQuery) (*FieldValuesResult, error) {
	w, err := q.Window.Validate(MaxFieldValuesLimit)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(q.Field) == "" {
		return nil, invalidSpec("field is required")
	}
	doc, err := c.EnsureDocument(ctx, q.AppID)
	if err != nil {
		return nil, err
	}

	pattern := TranslateWildcard(q.Search)
	values, err := c.listValues(ctx, doc, q.Field, pattern, q.IncludeFrequency)
	if err != nil {
		return nil, err
	}
	if pattern != "" {
		match := MatchWildcard
		if q.CaseSensitive {
			match = MatchWildcardCase
		}
		kept := values[:0]
		for _, v := range values {
			if match(pattern, v.Text) {
				kept = append(kept, v)
			}
		}
		values = kept
	}

	return &FieldValuesResult{
		AppID:  q.AppID,
		Field:  q.Field,
		Search: pattern,
		Values: Paginate(values, w),
	}, nil
}

// listValues reads every value of field through a list object, optionally
// narrowed by an engine search pattern.
func (c *Client) listValues(ctx context.Context, doc *Document, field, pattern string, frequency bool) ([]FieldValue, error) {
	var out []FieldValue
	err := c.withSessionObject(ctx, doc, listObjectDefinition(field, frequency), func(h int) error {
		if pattern != "" {
			if err := c.callInto(ctx, doc, h, "SearchListObjectFor", []any{"/qListObjectDef", pattern}, nil); err != nil {
				return err
			}
		}

		var layout struct {
			Layout struct {
				List struct {
					Size    cubeSize `json:"qSize"`
					DimInfo struct {
						Error *fieldError `json:"qError"`
					} `json:"qDimensionInfo"`
				} `json:"qListObject"`
			} `json:"qLayout"`
		}
		if err := c.callInto(ctx, doc, h, "GetLayout", nil, &layout); err != nil {
			return err
		}
		if e := layout.Layout.List.DimInfo.Error; e != nil {
			return invalidSpec("field %q is not available in app %s (engine error %d)", field, doc.AppID, e.Code)
		}

		total := layout.Layout.List.Size.Cy
		out = make([]FieldValue, 0, total)
		for top := 0; top < total; {
			var data struct {
				Pages []dataPage `json:"qDataPages"`
			}
			rect := pageRect{Top: top, Width: 1, Height: min(ListPageSize, total-top)}
			if err := c.callInto(ctx, doc, h, "GetListObjectData", []any{"/qListObjectDef", []pageRect{rect}}, &data); err != nil {
				return err
			}
			n := 0
			for _, p := range data.Pages {
				for _, row := range p.Matrix {
					if len(row) == 0 {
						continue
					}
					out = append(out, toFieldValue(row[0], frequency))
					n++
				}
			}
			if n == 0 {
				break
			}
			top += n
		}
		return nil
	})
	return out, err
}

func toFieldValue(cell engineCell, frequency bool) FieldValue {
	v := FieldValue{Text: cell.Text, Num: cell.Num.Ptr(), State: cell.State}
	if frequency {
		if f, err := strconv.Atoi(strings.TrimSpace(cell.Frequency)); err == nil {
			v.Frequency = &f
		}
	}
	return v
}

// Variables lists application variables with their origin.
func (c *Client) Variables(ctx context.Context, q VariablesQuery) (*VariablesResult, error) {
	w, err := q.Window.Validate(MaxVariablesLimit)
	if err != nil {
		return nil, err
	}
	source := strings.ToLower(strings.TrimSpace(q.Source))
	switch source {
	case "", "all":
		source = ""
	case "script", "ui":
	default:
		return nil, invalidSpec("source must be script, ui or all, got %q", q.Source)
	}
	doc, err := c.EnsureDocument(ctx, q.AppID)
	if err != nil {
		return nil, err
	}

	var layout struct {
		Layout struct {
			List struct {
				Items []struct {
					Info struct {
						ID string `json:"qId"`
					} `json:"qInfo"`
					Name        string `json:"qName"`
					Definition  string `json:"qDefinition"`
					Description string `json:"qDescription"`
					Script      bool   `json:"qIsScriptCreated"`
					Data        struct {
						Tags []string `json:"tags"`
					} `json:"qData"`
				} `json:"qItems"`
			} `json:"qVariableList"`
		} `json:"qLayout"`
	}
	err = c.withSessionObject(ctx, doc, variableListDefinition(), func(h int) error {
		return c.callInto(ctx, doc, h, "GetLayout", nil, &layout)
	})
	if err != nil {
		return nil, err
	}

	var counts VariableCounts
	all := make([]Variable, 0, len(layout.Layout.List.Items))
	for _, it := range layout.Layout.List.Items {
		v := Variable{
			ID:          it.Info.ID,
			Name:        it.Name,
			Definition:  it.Definition,
			Description: it.Description,
			Source:      "ui",
			Tags:        it.Data.Tags,
		}
		if it.Script {
			v.Source = "script"
			counts.Script++
		} else {
			counts.UI++
		}
		all = append(all, v)
	}
	counts.Total = len(all)
	sort.SliceStable(all, func(i, j int) bool {
		return strings.ToLower(all[i].Name) < strings.ToLower(all[j].Name)
	})

	filtered := make([]Variable, 0, len(all))
	for _, v := range all {
		if source != "" && v.Source != source {
			continue
		}
		if !MatchWildcard(q.Search, v.Name) {
			continue
		}
		filtered = append(filtered, v)
	}

	return &VariablesResult{AppID: q.AppID, Counts: counts, Variables: Paginate(filtered, w)}, nil
}

// FieldStatistics evaluates descriptive statistics for a field in one
// engine hypercube. When the engine cannot produce the median or standard
// deviation for the field, the numeric statistics are recomputed locally
// from the complete value listing and Method is "client".
func (c *Client) FieldStatistics(ctx context.Context, appID, field string) (*FieldStatistics, error) {
	if strings.TrimSpace(field) == "" {
		return nil, invalidSpec("field is required")
	}
	doc, err := c.EnsureDocument(ctx, appID)
	if err != nil {
		return nil, err
	}

	var layout struct {
		Layout struct {
			Cube cubeLayout `json:"qHyperCube"`
		} `json:"qLayout"`
	}
	err = c.withSessionObject(ctx, doc, statsDefinition(field), func(h int) error {
		return c.callInto(ctx, doc, h, "GetLayout", nil, &layout)
	})
	if err != nil {
		return nil, err
	}
	pages := layout.Layout.Cube.DataPages
	if len(pages) == 0 || len(pages[0].Matrix) == 0 || len(pages[0].Matrix[0]) < len(statsMeasures) {
		return nil, &Error{Kind: KindEngine, Method: "GetLayout", Reason: "statistics hypercube returned no data"}
	}
	row := pages[0].Matrix[0]

	st := &FieldStatistics{
		AppID:         appID,
		Field:         field,
		Method:        "engine",
		UniqueValues:  int(row[0].Num.Value),
		NonNullValues: int(row[1].Num.Value),
		NullValues:    int(row[2].Num.Value),
	}
	st.TotalValues = st.NonNullValues + st.NullValues
	if st.TotalValues > 0 {
		st.NullPercent = Round(float64(st.NullValues)/float64(st.TotalValues)*100, 2)
		st.CompletenessPercent = Round(100-st.NullPercent, 2)
	}

	minV, maxV, mean, sum, median, mode, stdev := row[3].Num, row[4].Num, row[5].Num, row[6].Num, row[7].Num, row[8].Num, row[9].Num
	if !mode.Valid && row[8].Text != "" && row[8].Text != "-" {
		st.ModeText = row[8].Text
	}
	st.Numeric = minV.Valid && maxV.Valid
	if !st.Numeric {
		return st, nil
	}

	n := st.NonNullValues
	if median.Valid && (stdev.Valid || n <= 1) {
		st.Min, st.Max, st.Mean, st.Sum, st.Median, st.Mode = minV.Ptr(), maxV.Ptr(), mean.Ptr(), sum.Ptr(), median.Ptr(), mode.Ptr()
		pop := 0.0
		if n > 1 {
			// Stdev() is the sample deviation; rescale to population.
			pop = stdev.Value * math.Sqrt(float64(n-1)/float64(n))
		}
		st.StdDev = &pop
		return st, nil
	}

	c.logger.Debug("engine statistics incomplete, computing locally", "app_id", appID, "field", field)
	values, err := c.listValues(ctx, doc, field, "", true)
	if err != nil {
		return nil, err
	}
	weighted := make([]WeightedValue, 0, len(values))
	for _, v := range values {
		if v.Num == nil {
			continue
		}
		freq := 1
		if v.Frequency != nil && *v.Frequency > 0 {
			freq = *v.Frequency
		}
		weighted = append(weighted, WeightedValue{Value: *v.Num, Weight: freq})
	}
	s := ComputeWeightedStats(weighted)
	st.Method = "client"
	if s.Count == 0 {
		st.Numeric = false
		return st, nil
	}
	st.Min, st.Max, st.Mean, st.Sum = &s.Min, &s.Max, &s.Mean, &s.Sum
	st.Median, st.Mode, st.StdDev = &s.Median, &s.Mode, &s.StdDev
	st.ModeText = ""
	return st, nil
}

// CreateHypercube evaluates an ad-hoc hypercube and returns at most
// MaxRows rows in the engine's sort order.
func (c *Client) CreateHypercube(ctx context.Context, q HypercubeQuery) (*HypercubeResult, error) {
	q, err := q.normalize()
	if err != nil {
		return nil, err
	}
	plan, err := q.plan()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(plan.columns))
	for i, col := range plan.columns {
		names[i] = col.Name
	}
	if _, _, err := ReorderColumns[Cell](names, nil, q.ColumnOrder); err != nil {
		return nil, err
	}

	doc, err := c.EnsureDocument(ctx, q.AppID)
	if err != nil {
		return nil, err
	}

	var matrix [][]engineCell
	total := 0
	err = c.withSessionObject(ctx, doc, plan.def, func(h int) error {
		var layout struct {
			Layout struct {
				Cube cubeLayout `json:"qHyperCube"`
			} `json:"qLayout"`
		}
		if err := c.callInto(ctx, doc, h, "GetLayout", nil, &layout); err != nil {
			return err
		}
		cube := layout.Layout.Cube
		for i, d := range cube.DimensionInfo {
			if d.Error != nil && i < len(q.Dimensions) {
				return invalidSpec("dimension %q: field not available (engine error %d)", q.Dimensions[i].Field, d.Error.Code)
			}
		}
		total = cube.Size.Cy
		for _, p := range cube.DataPages {
			matrix = append(matrix, p.Matrix...)
		}

		want := min(total, plan.maxRows)
		for len(matrix) < want {
			var data struct {
				Pages []dataPage `json:"qDataPages"`
			}
			rect := pageRect{Top: len(matrix), Width: plan.width, Height: min(plan.pageRows, want-len(matrix))}
			if err := c.callInto(ctx, doc, h, "GetHyperCubeData", []any{"/qHyperCubeDef", []pageRect{rect}}, &data); err != nil {
				return err
			}
			n := 0
			for _, p := range data.Pages {
				matrix = append(matrix, p.Matrix...)
				n += len(p.Matrix)
			}
			if n == 0 {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(matrix) > plan.maxRows {
		matrix = matrix[:plan.maxRows]
	}

	columns := plan.columns
	rows := shapeRows(columns, matrix)
	if len(q.ColumnOrder) > 0 {
		byName := make(map[string]Column, len(columns))
		for _, col := range columns {
			byName[col.Name] = col
		}
		ordered, reordered, err := ReorderColumns(names, rows, q.ColumnOrder)
		if err != nil {
			return nil, err
		}
		columns = make([]Column, len(ordered))
		for i, n := range ordered {
			columns[i] = byName[n]
		}
		rows = reordered
	}

	return &HypercubeResult{
		AppID:     q.AppID,
		Columns:   columns,
		Rows:      rows,
		TotalRows: total,
		Returned:  len(rows),
		Truncated: total > len(rows),
		MaxRows:   plan.maxRows,
	}, nil
}

// objectPreviewRows bounds the data fetched for Object when the layout
// carries no data pages of its own.
const objectPreviewRows = 100

// Object returns an object's layout and, for hypercube-based objects, its
// first page of data as a table.
func (c *Client) Object(ctx context.Context, appID, objectID string) (*ObjectResult, error) {
	if strings.TrimSpace(objectID) == "" {
		return nil, invalidSpec("object_id is required")
	}
	doc, err := c.EnsureDocument(ctx, appID)
	if err != nil {
		return nil, err
	}
	ref, err := c.getObject(ctx, doc, objectID)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Layout json.RawMessage `json:"qLayout"`
	}
	if err := c.callInto(ctx, doc, ref.Handle, "GetLayout", nil, &raw); err != nil {
		return nil, err
	}
	var typed objectLayout
	if err := json.Unmarshal(raw.Layout, &typed); err != nil {
		return nil, fmt.Errorf("decode object layout: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw.Layout, &generic); err != nil {
		return nil, fmt.Errorf("decode object layout: %w", err)
	}

	res := &ObjectResult{
		AppID:  appID,
		ID:     objectID,
		Type:   firstNonEmpty(typed.Info.Type, ref.Type),
		Title:  typed.title(),
		Layout: generic,
	}
	hc := typed.HyperCube
	if hc == nil {
		return res, nil
	}
	if m, ok := generic["qHyperCube"].(map[string]any); ok {
		delete(m, "qDataPages")
	}

	cols := hc.columns()
	var matrix [][]engineCell
	for _, p := range hc.DataPages {
		matrix = append(matrix, p.Matrix...)
	}
	if len(matrix) == 0 && hc.Size.Cy > 0 && len(cols) > 0 {
		height := min(hc.Size.Cy, objectPreviewRows, maxCellsPerPage/len(cols))
		var data struct {
			Pages []dataPage `json:"qDataPages"`
		}
		rect := pageRect{Width: len(cols), Height: height}
		if err := c.callInto(ctx, doc, ref.Handle, "GetHyperCubeData", []any{"/qHyperCubeDef", []pageRect{rect}}, &data); err != nil {
			return nil, err
		}
		for _, p := range data.Pages {
			matrix = append(matrix, p.Matrix...)
		}
	}
	res.Table = &Table{Columns: cols, Rows: shapeRows(cols, matrix), TotalRows: hc.Size.Cy}
	return res, nil
}

// Fields describes the data model: tables and their fields.
func (c *Client) Fields(ctx context.Context, appID string) ([]TableInfo, error) {
	doc, err := c.EnsureDocument(ctx, appID)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tables []struct {
			Name   string `json:"qName"`
			Rows   int    `json:"qNoOfRows"`
			Fields []struct {
				Name     string   `json:"qName"`
				Distinct int      `json:"qnTotalDistinctValues"`
				NonNulls int      `json:"qnNonNulls"`
				Tags     []string `json:"qTags"`
				KeyType  string   `json:"qKeyType"`
			} `json:"qFields"`
		} `json:"qtr"`
	}
	params := []any{
		map[string]int{"qcx": 1000, "qcy": 1000},
		map[string]int{"qcx": 0, "qcy": 0},
		30, true, false,
	}
	if err := c.callInto(ctx, doc, doc.Handle, "GetTablesAndKeys", params, &out); err != nil {
		return nil, err
	}

	tables := make([]TableInfo, 0, len(out.Tables))
	for _, t := range out.Tables {
		ti := TableInfo{Name: t.Name, Rows: t.Rows, Fields: make([]FieldInfo, 0, len(t.Fields))}
		for _, f := range t.Fields {
			ti.Fields = append(ti.Fields, FieldInfo{
				Name:           f.Name,
				DistinctValues: f.Distinct,
				NonNulls:       f.NonNulls,
				Key:            f.KeyType != "" && f.KeyType != "NOT_KEY",
				Tags:           f.Tags,
			})
		}
		tables = append(tables, ti)
	}
	return tables, nil
}

// MasterItems lists the library measures and dimensions.
func (c *Client) MasterItems(ctx context.Context, appID string) (*MasterItems, error) {
	doc, err := c.EnsureDocument(ctx, appID)
	if err != nil {
		return nil, err
	}

	type item struct {
		Info struct {
			ID string `json:"qId"`
		} `json:"qInfo"`
		Meta struct {
			Title string `json:"title"`
		} `json:"qMeta"`
		Data struct {
			Title       string   `json:"title"`
			Description string   `json:"description"`
			Tags        []string `json:"tags"`
			Expression  string   `json:"expression"`
			Label       string   `json:"label"`
			Fields      []string `json:"fields"`
			Grouping    string   `json:"grouping"`
		} `json:"qData"`
	}
	convert := func(items []item) []MasterItem {
		out := make([]MasterItem, 0, len(items))
		for _, it := range items {
			out = append(out, MasterItem{
				ID:          it.Info.ID,
				Title:       firstNonEmpty(it.Data.Title, it.Meta.Title),
				Description: it.Data.Description,
				Expression:  it.Data.Expression,
				Label:       it.Data.Label,
				Fields:      it.Data.Fields,
				Grouping:    it.Data.Grouping,
				Tags:        it.Data.Tags,
			})
		}
		sort.SliceStable(out, func(i, j int) bool { return strings.ToLower(out[i].Title) < strings.ToLower(out[j].Title) })
		return out
	}

	var measures struct {
		Layout struct {
			List struct {
				Items []item `json:"qItems"`
			} `json:"qMeasureList"`
		} `json:"qLayout"`
	}
	err = c.withSessionObject(ctx, doc, masterListDefinition("measure"), func(h int) error {
		return c.callInto(ctx, doc, h, "GetLayout", nil, &measures)
	})
	if err != nil {
		return nil, err
	}

	var dims struct {
		Layout struct {
			List struct {
				Items []item `json:"qItems"`
			} `json:"qDimensionList"`
		} `json:"qLayout"`
	}
	err = c.withSessionObject(ctx, doc, masterListDefinition("dimension"), func(h int) error {
		return c.callInto(ctx, doc, h, "GetLayout", nil, &dims)
	})
	if err != nil {
		return nil, err
	}

	return &MasterItems{
		Measures:   convert(measures.Layout.List.Items),
		Dimensions: convert(dims.Layout.List.Items),
	}, nil
}

// Evaluate computes a chart-less expression in the app's current state.
func (c *Client) Evaluate(ctx context.Context, appID, expression string) (string, error) {
	if strings.TrimSpace(expression) == "" {
		return "", invalidSpec("expression is required")
	}
	doc, err := c.EnsureDocument(ctx, appID)
	if err != nil {
		return "", err
	}
	var out struct {
		Return string `json:"qReturn"`
	}
	if err := c.callInto(ctx, doc, doc.Handle, "Evaluate", map[string]any{"qExpression": expression}, &out); err != nil {
		return "", err
	}
	return out.Return, nil
}

func textOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
