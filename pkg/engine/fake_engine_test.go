package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// pipeTransport: an in-memory Transport for channel tests
// ---------------------------------------------------------------------------

type pipeTransport struct {
	toServer chan []byte
	toClient chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newPipe() *pipeTransport {
	return &pipeTransport{
		toServer: make(chan []byte, 256),
		toClient: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

func (p *pipeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.toClient:
		return b, nil
	case <-p.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) WriteFrame(ctx context.Context, b []byte) error {
	select {
	case p.toServer <- b:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Close(string) error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// serverRead decodes the next request the client wrote.
func (p *pipeTransport) serverRead(t *testing.T) rpcRequestIn {
	t.Helper()
	select {
	case b := <-p.toServer:
		var r rpcRequestIn
		if err := json.Unmarshal(b, &r); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a request")
	}
	return rpcRequestIn{}
}

func (p *pipeTransport) serverSend(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	p.toClient <- b
}

type rpcRequestIn struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Handle  int             `json:"handle"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// ---------------------------------------------------------------------------
// fakeEngine: a Qlik engine stand-in speaking JSON-RPC over WebSocket
// ---------------------------------------------------------------------------

type record map[string]any // field → string, float64 or nil

type fakeApp struct {
	ID      string
	Title   string
	Script  string
	Records []record

	Sheets     []map[string]any          // SheetList qItems
	Objects    map[string]map[string]any // persistent object layouts by qId
	Props      map[string]map[string]any // persistent object properties by qId
	Variables  []map[string]any          // VariableList qItems
	Measures   []map[string]any          // MeasureList qItems
	Dimensions []map[string]any          // DimensionList qItems
	Tables     []map[string]any          // GetTablesAndKeys qtr

	MedianUnsupported bool
	ReportAlreadyOpen bool
}

type fakeHandle struct {
	kind   string
	id     string
	app    *fakeApp
	def    map[string]any
	search string
}

type fakeConn struct {
	next           int
	handles        map[int]*fakeHandle
	docs           map[string]int
	active         string
	reportedAlready map[string]bool
}

type fakeEngine struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	apps      map[string]*fakeApp
	calls     map[string]int
	created   []string
	destroyed []string
	dropOn    string
	conns     int
}

func newFakeEngine(t *testing.T, apps ...*fakeApp) *fakeEngine {
	t.Helper()
	f := &fakeEngine{t: t, apps: map[string]*fakeApp{}, calls: map[string]int{}}
	for _, a := range apps {
		f.apps[a.ID] = a
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEngine) hostPort() (string, int) {
	u, err := url.Parse(f.srv.URL)
	if err != nil {
		f.t.Fatalf("parse server url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return u.Hostname(), port
}

func (f *fakeEngine) client(t *testing.T) *Client {
	t.Helper()
	host, port := f.hostPort()
	c := NewClient(Options{
		Host: host,
		Port: port,
		Negotiator: &Negotiator{
			Dialer:     &WSDialer{},
			Timeout:    2 * time.Second,
			Retries:    1,
			RetryDelay: time.Millisecond,
			Logger:     testLogger(),
		},
		CallTimeout: 5 * time.Second,
		Logger:      testLogger(),
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (f *fakeEngine) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeEngine) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.calls {
		n += v
	}
	return n
}

func (f *fakeEngine) dropConnectionOn(method string) {
	f.mu.Lock()
	f.dropOn = method
	f.mu.Unlock()
}

func (f *fakeEngine) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns
}

func (f *fakeEngine) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/app/engineData" {
		http.NotFound(w, r)
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	c.SetReadLimit(64 << 20)
	ctx := r.Context()

	f.mu.Lock()
	f.conns++
	f.mu.Unlock()

	st := &fakeConn{next: 1, handles: map[int]*fakeHandle{}, docs: map[string]int{}, reportedAlready: map[string]bool{}}
	_ = wsjson.Write(ctx, c, map[string]any{
		"jsonrpc": "2.0",
		"method":  "OnConnected",
		"params":  map[string]any{"qSessionState": "SESSION_CREATED"},
	})

	for {
		var req rpcRequestIn
		if err := wsjson.Read(ctx, c, &req); err != nil {
			return
		}
		f.mu.Lock()
		f.calls[req.Method]++
		drop := f.dropOn != "" && f.dropOn == req.Method
		if drop {
			f.dropOn = ""
		}
		f.mu.Unlock()
		if drop {
			_ = c.CloseNow()
			return
		}

		result, rerr := f.handle(st, req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rerr != nil {
			resp["error"] = rerr
		} else {
			resp["result"] = result
		}
		if err := wsjson.Write(ctx, c, resp); err != nil {
			return
		}
	}
}

func engineErr(code int, msg string) *rpcError {
	return &rpcError{Code: code, Message: msg}
}

func (st *fakeConn) add(h *fakeHandle) int {
	st.next++
	st.handles[st.next] = h
	return st.next
}

func (f *fakeEngine) handle(st *fakeConn, req rpcRequestIn) (any, *rpcError) {
	if req.Handle == GlobalHandle {
		return f.global(st, req)
	}
	h, ok := st.handles[req.Handle]
	if !ok {
		return nil, engineErr(-32602, "Invalid handle")
	}
	if h.kind == "doc" {
		return f.docMethod(st, h, req)
	}
	return f.objectMethod(h, req)
}

func (f *fakeEngine) global(st *fakeConn, req rpcRequestIn) (any, *rpcError) {
	switch req.Method {
	case "EngineVersion":
		return map[string]any{"qVersion": map[string]any{"qComponentVersion": "12.2015.0"}}, nil
	case "GetActiveDoc":
		if st.active == "" {
			return nil, engineErr(1007, "App invalid")
		}
		return qReturn("Doc", st.docs[st.active], st.active), nil
	case "GetDocList":
		var list []map[string]any
		for id, a := range f.apps {
			list = append(list, map[string]any{"qDocId": id, "qDocName": a.Title})
		}
		return map[string]any{"qDocList": list}, nil
	case "OpenDoc":
		var params []any
		_ = json.Unmarshal(req.Params, &params)
		if len(params) == 0 {
			return nil, engineErr(-32602, "Invalid params")
		}
		id, _ := params[0].(string)
		app, ok := f.apps[id]
		if !ok {
			return nil, engineErr(1003, "App not found")
		}
		if _, open := st.docs[id]; open {
			return nil, engineErr(1002, "App already open")
		}
		h := st.add(&fakeHandle{kind: "doc", id: id, app: app})
		st.docs[id] = h
		st.active = id
		if app.ReportAlreadyOpen && !st.reportedAlready[id] {
			st.reportedAlready[id] = true
			return nil, engineErr(1002, "App already open")
		}
		return qReturn("Doc", h, id), nil
	}
	return nil, engineErr(-32601, "Method not found: "+req.Method)
}

func qReturn(typ string, handle int, id string) map[string]any {
	return map[string]any{"qReturn": map[string]any{"qType": typ, "qHandle": handle, "qGenericId": id}}
}

func (f *fakeEngine) docMethod(st *fakeConn, doc *fakeHandle, req rpcRequestIn) (any, *rpcError) {
	app := doc.app
	switch req.Method {
	case "GetScript":
		return map[string]any{"qScript": app.Script}, nil
	case "GetAppLayout":
		return map[string]any{"qLayout": map[string]any{
			"qTitle": app.Title, "qFileName": app.ID, "qHasScript": app.Script != "", "qHasData": len(app.Records) > 0,
			"qLastReloadTime": "2026-01-02T03:04:05.000Z", "qMeta": map[string]any{"published": true},
		}}, nil
	case "CreateSessionObject":
		var params []map[string]any
		if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
			return nil, engineErr(-32602, "Invalid params")
		}
		def := params[0]
		info, _ := def["qInfo"].(map[string]any)
		id, _ := info["qId"].(string)
		if id == "" {
			return nil, engineErr(-32602, "qInfo.qId required")
		}
		kind := ""
		for _, k := range []string{"qListObjectDef", "qHyperCubeDef", "qAppObjectListDef", "qVariableListDef", "qMeasureListDef", "qDimensionListDef"} {
			if _, ok := def[k]; ok {
				kind = k
			}
		}
		f.mu.Lock()
		f.created = append(f.created, id)
		f.mu.Unlock()
		h := st.add(&fakeHandle{kind: kind, id: id, app: app, def: def})
		return qReturn("GenericObject", h, id), nil
	case "DestroySessionObject":
		var params []string
		_ = json.Unmarshal(req.Params, &params)
		f.mu.Lock()
		f.destroyed = append(f.destroyed, params...)
		f.mu.Unlock()
		return map[string]any{"qSuccess": true}, nil
	case "GetObject":
		var p map[string]string
		_ = json.Unmarshal(req.Params, &p)
		layout, ok := app.Objects[p["qId"]]
		if !ok {
			return map[string]any{"qReturn": map[string]any{"qType": nil, "qHandle": nil}}, nil
		}
		typ := ""
		if info, ok := layout["qInfo"].(map[string]any); ok {
			typ, _ = info["qType"].(string)
		}
		h := st.add(&fakeHandle{kind: "generic", id: p["qId"], app: app})
		return qReturn(typ, h, p["qId"]), nil
	case "GetTablesAndKeys":
		return map[string]any{"qtr": app.Tables, "qk": []any{}}, nil
	case "Evaluate":
		var p map[string]string
		_ = json.Unmarshal(req.Params, &p)
		v := aggregate(p["qExpression"], app.Records, app)
		return map[string]any{"qReturn": v.Text}, nil
	}
	return nil, engineErr(-32601, "Method not found: "+req.Method)
}

func (f *fakeEngine) objectMethod(h *fakeHandle, req rpcRequestIn) (any, *rpcError) {
	app := h.app
	switch req.Method {
	case "GetProperties":
		return map[string]any{"qProp": app.Props[h.id]}, nil
	case "SearchListObjectFor":
		var p []string
		_ = json.Unmarshal(req.Params, &p)
		if len(p) == 2 {
			h.search = p[1]
		}
		return map[string]any{"qSuccess": true}, nil
	case "GetListObjectData", "GetHyperCubeData":
		var p []json.RawMessage
		_ = json.Unmarshal(req.Params, &p)
		var rects []pageRect
		if len(p) == 2 {
			_ = json.Unmarshal(p[1], &rects)
		}
		var matrix [][]fakeCell
		switch h.kind {
		case "qListObjectDef":
			matrix = f.listMatrix(h)
		case "qHyperCubeDef":
			matrix, _ = f.cubeMatrix(h)
		}
		pages := []map[string]any{}
		for _, r := range rects {
			pages = append(pages, map[string]any{"qMatrix": window(matrix, r)})
		}
		return map[string]any{"qDataPages": pages}, nil
	case "GetLayout":
	default:
		return nil, engineErr(-32601, "Method not found: "+req.Method)
	}

	switch h.kind {
	case "generic":
		return map[string]any{"qLayout": app.Objects[h.id]}, nil
	case "qAppObjectListDef":
		return map[string]any{"qLayout": map[string]any{"qAppObjectList": map[string]any{"qItems": app.Sheets}}}, nil
	case "qVariableListDef":
		return map[string]any{"qLayout": map[string]any{"qVariableList": map[string]any{"qItems": app.Variables}}}, nil
	case "qMeasureListDef":
		return map[string]any{"qLayout": map[string]any{"qMeasureList": map[string]any{"qItems": app.Measures}}}, nil
	case "qDimensionListDef":
		return map[string]any{"qLayout": map[string]any{"qDimensionList": map[string]any{"qItems": app.Dimensions}}}, nil
	case "qListObjectDef":
		field := listField(h.def)
		dimInfo := map[string]any{"qFallbackTitle": field}
		if !app.hasField(field) {
			dimInfo["qError"] = map[string]any{"qErrorCode": 7}
		}
		matrix := f.listMatrix(h)
		return map[string]any{"qLayout": map[string]any{"qListObject": map[string]any{
			"qSize":          map[string]int{"qcx": 1, "qcy": len(matrix)},
			"qDimensionInfo": dimInfo,
			"qDataPages":     []any{},
		}}}, nil
	case "qHyperCubeDef":
		matrix, info := f.cubeMatrix(h)
		cube := info
		cube["qSize"] = map[string]int{"qcx": len(cubeColumns(h.def)), "qcy": len(matrix)}
		var pages []map[string]any
		for _, r := range initialFetch(h.def, "qHyperCubeDef") {
			pages = append(pages, map[string]any{"qMatrix": window(matrix, r)})
		}
		cube["qDataPages"] = pages
		return map[string]any{"qLayout": map[string]any{"qHyperCube": cube}}, nil
	}
	return nil, engineErr(-32601, "GetLayout unsupported for "+h.kind)
}

func window(matrix [][]fakeCell, r pageRect) [][]fakeCell {
	start := min(r.Top, len(matrix))
	end := min(r.Top+r.Height, len(matrix))
	return matrix[start:end]
}

func initialFetch(def map[string]any, key string) []pageRect {
	inner, _ := def[key].(map[string]any)
	b, _ := json.Marshal(inner["qInitialDataFetch"])
	var rects []pageRect
	_ = json.Unmarshal(b, &rects)
	return rects
}

func (a *fakeApp) hasField(field string) bool {
	for _, r := range a.Records {
		if _, ok := r[field]; ok {
			return true
		}
	}
	return false
}

type fakeCell struct {
	Text      string `json:"qText"`
	Num       any    `json:"qNum"`
	State     string `json:"qState,omitempty"`
	Frequency string `json:"qFrequency,omitempty"`
}

func numCell(v float64) fakeCell {
	if math.IsNaN(v) {
		return fakeCell{Text: "-", Num: "NaN"}
	}
	return fakeCell{Text: strconv.FormatFloat(v, 'f', -1, 64), Num: v}
}

func valueCell(v any) fakeCell {
	switch x := v.(type) {
	case float64:
		return numCell(x)
	case string:
		return fakeCell{Text: x, Num: "NaN"}
	}
	return fakeCell{Text: "-", Num: "NaN"}
}

func listField(def map[string]any) string {
	lo, _ := def["qListObjectDef"].(map[string]any)
	d, _ := lo["qDef"].(map[string]any)
	defs, _ := d["qFieldDefs"].([]any)
	if len(defs) == 0 {
		return ""
	}
	s, _ := defs[0].(string)
	return s
}

// listMatrix returns the distinct values of the list object's field,
// numeric values first ascending, then text ascending, narrowed by the
// active search.
func (f *fakeEngine) listMatrix(h *fakeHandle) [][]fakeCell {
	field := listField(h.def)
	lo, _ := h.def["qListObjectDef"].(map[string]any)
	withFreq := lo["qFrequencyMode"] == "V"

	freq := map[string]int{}
	vals := map[string]any{}
	for _, r := range h.app.Records {
		v, ok := r[field]
		if !ok || v == nil {
			continue
		}
		key := valueCell(v).Text
		freq[key]++
		vals[key] = v
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		if h.search != "" {
			ok, _ := path.Match(strings.ToLower(h.search), strings.ToLower(k))
			if !ok {
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, aNum := vals[keys[i]].(float64)
		b, bNum := vals[keys[j]].(float64)
		switch {
		case aNum && bNum:
			return a < b
		case aNum != bNum:
			return aNum
		}
		return keys[i] < keys[j]
	})

	out := make([][]fakeCell, len(keys))
	for i, k := range keys {
		c := valueCell(vals[k])
		c.State = "O"
		if withFreq {
			c.Frequency = strconv.Itoa(freq[k])
		}
		out[i] = []fakeCell{c}
	}
	return out
}

type cubeCol struct {
	dim       bool
	field     string // dimension field
	expr      string // measure expression
	label     string
	numSort   int
	asciiSort int
}

func cubeColumns(def map[string]any) []cubeCol {
	hc, _ := def["qHyperCubeDef"].(map[string]any)
	var cols []cubeCol
	dims, _ := hc["qDimensions"].([]any)
	for _, d := range dims {
		dm := d.(map[string]any)
		qd := dm["qDef"].(map[string]any)
		fields := qd["qFieldDefs"].([]any)
		col := cubeCol{dim: true, field: fields[0].(string), label: fields[0].(string)}
		if labels, ok := qd["qFieldLabels"].([]any); ok && len(labels) > 0 {
			col.label = labels[0].(string)
		}
		if crits, ok := qd["qSortCriterias"].([]any); ok && len(crits) > 0 {
			cm := crits[0].(map[string]any)
			col.numSort = toInt(cm["qSortByNumeric"])
			col.asciiSort = toInt(cm["qSortByAscii"])
		}
		cols = append(cols, col)
	}
	meas, _ := hc["qMeasures"].([]any)
	for _, m := range meas {
		mm := m.(map[string]any)
		qd := mm["qDef"].(map[string]any)
		col := cubeCol{expr: qd["qDef"].(string)}
		col.label, _ = qd["qLabel"].(string)
		if sb, ok := mm["qSortBy"].(map[string]any); ok {
			col.numSort = toInt(sb["qSortByNumeric"])
			col.asciiSort = toInt(sb["qSortByAscii"])
		}
		cols = append(cols, col)
	}
	return cols
}

func toInt(v any) int {
	f, _ := v.(float64)
	return int(f)
}

// cubeMatrix evaluates the hypercube over the app records, grouping by
// the dimension fields and sorting by qInterColumnSortOrder.
func (f *fakeEngine) cubeMatrix(h *fakeHandle) ([][]fakeCell, map[string]any) {
	cols := cubeColumns(h.def)
	hc := h.def["qHyperCubeDef"].(map[string]any)

	var dimCols, measCols []cubeCol
	for _, c := range cols {
		if c.dim {
			dimCols = append(dimCols, c)
		} else {
			measCols = append(measCols, c)
		}
	}

	type group struct {
		key  []any
		recs []record
	}
	var groups []*group
	index := map[string]*group{}
	for _, r := range h.app.Records {
		key := make([]any, len(dimCols))
		parts := make([]string, len(dimCols))
		for i, d := range dimCols {
			key[i] = r[d.field]
			parts[i] = fmt.Sprint(r[d.field])
		}
		k := strings.Join(parts, "\x00")
		g, ok := index[k]
		if !ok {
			g = &group{key: key}
			index[k] = g
			groups = append(groups, g)
		}
		g.recs = append(g.recs, r)
	}
	if len(dimCols) == 0 {
		groups = []*group{{recs: h.app.Records}}
	}

	matrix := make([][]fakeCell, 0, len(groups))
	for _, g := range groups {
		row := make([]fakeCell, 0, len(cols))
		for _, v := range g.key {
			row = append(row, valueCell(v))
		}
		for _, m := range measCols {
			row = append(row, aggregate(m.expr, g.recs, h.app))
		}
		matrix = append(matrix, row)
	}

	var order []int
	if raw, ok := hc["qInterColumnSortOrder"].([]any); ok {
		for _, v := range raw {
			order = append(order, toInt(v))
		}
	}
	sort.SliceStable(matrix, func(i, j int) bool {
		for _, ci := range order {
			c := cols[ci]
			a, b := matrix[i][ci], matrix[j][ci]
			an, aok := a.Num.(float64)
			bn, bok := b.Num.(float64)
			if c.numSort != 0 && aok && bok && an != bn {
				return (an < bn) == (c.numSort > 0)
			}
			if c.asciiSort != 0 && a.Text != b.Text {
				return (a.Text < b.Text) == (c.asciiSort > 0)
			}
		}
		return false
	})

	info := map[string]any{}
	var dimInfo, measInfo []map[string]any
	for _, d := range dimCols {
		di := map[string]any{"qFallbackTitle": d.label, "qGroupFieldDefs": []string{d.field}}
		if !h.app.hasField(d.field) {
			di["qError"] = map[string]any{"qErrorCode": 7}
		}
		dimInfo = append(dimInfo, di)
	}
	for _, m := range measCols {
		measInfo = append(measInfo, map[string]any{"qFallbackTitle": m.label})
	}
	info["qDimensionInfo"] = dimInfo
	info["qMeasureInfo"] = measInfo
	return matrix, info
}

var aggExpr = regexp.MustCompile(`^(\w+)\((DISTINCT )?\[?([^\]\)]+)\]?\)$`)

// aggregate evaluates the small expression subset used by the client.
func aggregate(expr string, recs []record, app *fakeApp) fakeCell {
	m := aggExpr.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return fakeCell{Text: "Error in expression", Num: "NaN"}
	}
	fn, distinct, field := m[1], m[2] != "", m[3]

	var nums []float64
	nonNull, nulls := 0, 0
	seen := map[string]bool{}
	counts := map[string]int{}
	for _, r := range recs {
		v := r[field]
		if v == nil {
			nulls++
			continue
		}
		nonNull++
		key := valueCell(v).Text
		seen[key] = true
		counts[key]++
		if x, ok := v.(float64); ok {
			nums = append(nums, x)
		}
	}

	nan := math.NaN()
	switch fn {
	case "Count":
		if distinct {
			return numCell(float64(len(seen)))
		}
		return numCell(float64(nonNull))
	case "NullCount":
		return numCell(float64(nulls))
	}
	if len(nums) == 0 {
		return numCell(nan)
	}
	sorted := append([]float64(nil), nums...)
	sort.Float64s(sorted)
	sum := 0.0
	for _, x := range nums {
		sum += x
	}
	mean := sum / float64(len(nums))

	switch fn {
	case "Sum":
		return numCell(sum)
	case "Min":
		return numCell(sorted[0])
	case "Max":
		return numCell(sorted[len(sorted)-1])
	case "Avg":
		return numCell(mean)
	case "Median":
		if app.MedianUnsupported {
			return numCell(nan)
		}
		n := len(sorted)
		if n%2 == 1 {
			return numCell(sorted[n/2])
		}
		return numCell((sorted[n/2-1] + sorted[n/2]) / 2)
	case "Mode":
		best, bestKey, tie := 0, "", false
		for k, c := range counts {
			switch {
			case c > best:
				best, bestKey, tie = c, k, false
			case c == best:
				tie = true
			}
		}
		if tie {
			return numCell(nan)
		}
		x, err := strconv.ParseFloat(bestKey, 64)
		if err != nil {
			return fakeCell{Text: bestKey, Num: "NaN"}
		}
		return numCell(x)
	case "Stdev":
		if len(nums) < 2 {
			return numCell(nan)
		}
		sq := 0.0
		for _, x := range nums {
			sq += (x - mean) * (x - mean)
		}
		return numCell(math.Sqrt(sq / float64(len(nums)-1)))
	}
	return fakeCell{Text: "Error in expression", Num: "NaN"}
}
