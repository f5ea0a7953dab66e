package engine

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// Window is a caller-requested slice of a result set.
type Window struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Validate rejects negative offsets and non-positive limits and clamps the
// limit to max. It never touches the network.
func (w Window) Validate(max int) (Window, error) {
	if w.Offset < 0 {
		return w, newError(KindInvalidPageWindow, "offset must be >= 0, got %d", w.Offset)
	}
	if w.Limit <= 0 {
		return w, newError(KindInvalidPageWindow, "limit must be >= 1, got %d", w.Limit)
	}
	if max > 0 && w.Limit > max {
		w.Limit = max
	}
	return w, nil
}

// Page is one window of a larger result set.
type Page[T any] struct {
	Items      []T  `json:"items"`
	Total      int  `json:"total"`
	Offset     int  `json:"offset"`
	Limit      int  `json:"limit"`
	Returned   int  `json:"returned"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset,omitempty"`
}

// Paginate slices items by w. Windows stepping by NextOffset partition the
// input exactly.
func Paginate[T any](items []T, w Window) Page[T] {
	total := len(items)
	start := min(w.Offset, total)
	end := min(start+w.Limit, total)

	page := Page[T]{
		Items:    append([]T(nil), items[start:end]...),
		Total:    total,
		Offset:   w.Offset,
		Limit:    w.Limit,
		Returned: end - start,
		HasMore:  end < total,
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	if page.HasMore {
		next := end
		page.NextOffset = &next
	}
	return page
}

// TranslateWildcard converts a user search pattern to the engine's glob
// syntax: % becomes *, and a pattern with no wildcard becomes a contains
// match. Applying it twice gives the same result as applying it once.
func TranslateWildcard(pattern string) string {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "%", "*")
	if !strings.ContainsAny(p, "*?") {
		p = "*" + p + "*"
	}
	return p
}

// MatchWildcard reports whether s matches pattern, case-insensitively.
// pattern is translated first, so % and * behave the same. An empty pattern
// matches everything.
func MatchWildcard(pattern, s string) bool {
	p := TranslateWildcard(pattern)
	if p == "" {
		return true
	}
	return globMatch(strings.ToLower(p), strings.ToLower(s))
}

// MatchWildcardCase is MatchWildcard without case folding.
func MatchWildcardCase(pattern, s string) bool {
	p := TranslateWildcard(pattern)
	if p == "" {
		return true
	}
	return globMatch(p, s)
}

// globMatch implements * (any run) and ? (one rune) with single-star
// backtracking.
func globMatch(pattern, s string) bool {
	px, sx := 0, 0
	starPx, starSx := -1, -1
	for sx < len(s) {
		if px < len(pattern) {
			pr, pw := utf8.DecodeRuneInString(pattern[px:])
			sr, sw := utf8.DecodeRuneInString(s[sx:])
			switch {
			case pr == '*':
				starPx, starSx = px, sx
				px += pw
				continue
			case pr == '?' || pr == sr:
				px += pw
				sx += sw
				continue
			}
		}
		if starPx < 0 {
			return false
		}
		_, sw := utf8.DecodeRuneInString(s[starSx:])
		starSx += sw
		sx = starSx
		px = starPx + 1
	}
	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// ReorderColumns moves the named columns to the front in the given order.
// Columns not named keep their relative position after them.
func ReorderColumns[T any](headers []string, rows [][]T, order []string) ([]string, [][]T, error) {
	if len(order) == 0 {
		return headers, rows, nil
	}
	index := make(map[string]int, len(headers))
	for i, h := range headers {
		index[h] = i
	}

	perm := make([]int, 0, len(headers))
	used := make([]bool, len(headers))
	for _, name := range order {
		i, ok := index[name]
		if !ok {
			return nil, nil, invalidSpec("column_order names unknown column %q", name)
		}
		if used[i] {
			return nil, nil, invalidSpec("column_order repeats column %q", name)
		}
		used[i] = true
		perm = append(perm, i)
	}
	for i := range headers {
		if !used[i] {
			perm = append(perm, i)
		}
	}

	outHeaders := make([]string, len(perm))
	for j, i := range perm {
		outHeaders[j] = headers[i]
	}
	outRows := make([][]T, len(rows))
	for r, row := range rows {
		out := make([]T, len(perm))
		for j, i := range perm {
			if i < len(row) {
				out[j] = row[i]
			}
		}
		outRows[r] = out
	}
	return outHeaders, outRows, nil
}

// Stats summarises a numeric sample.
type Stats struct {
	Count  int     `json:"count"`
	Sum    float64 `json:"sum"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Mode   float64 `json:"mode"`
	// StdDev is the population standard deviation.
	StdDev float64 `json:"std_deviation"`
}

// WeightedValue is a distinct value and the number of times it occurs.
type WeightedValue struct {
	Value  float64
	Weight int
}

// ComputeStats computes Stats over values. Ties for the mode resolve to the
// smallest value. An empty input yields the zero Stats.
func ComputeStats(values []float64) Stats {
	weighted := make([]WeightedValue, len(values))
	for i, v := range values {
		weighted[i] = WeightedValue{Value: v, Weight: 1}
	}
	return ComputeWeightedStats(weighted)
}

// ComputeWeightedStats computes Stats over distinct values with occurrence
// counts, without expanding them. Entries with a weight below one are
// ignored; repeated values are merged.
func ComputeWeightedStats(values []WeightedValue) Stats {
	sorted := make([]WeightedValue, 0, len(values))
	for _, v := range values {
		if v.Weight > 0 {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		return Stats{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value < sorted[j].Value })

	merged := sorted[:1]
	for _, v := range sorted[1:] {
		if last := &merged[len(merged)-1]; last.Value == v.Value {
			last.Weight += v.Weight
			continue
		}
		merged = append(merged, v)
	}

	var n int
	var sum float64
	mode, best := merged[0].Value, 0
	for _, v := range merged {
		n += v.Weight
		sum += v.Value * float64(v.Weight)
		if v.Weight > best {
			mode, best = v.Value, v.Weight
		}
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range merged {
		d := v.Value - mean
		sq += d * d * float64(v.Weight)
	}

	// Median from cumulative counts: the values at positions (n-1)/2 and n/2.
	lo, hi := (n-1)/2, n/2
	var loV, hiV float64
	seen := 0
	for _, v := range merged {
		next := seen + v.Weight
		if lo >= seen && lo < next {
			loV = v.Value
		}
		if hi >= seen && hi < next {
			hiV = v.Value
			break
		}
		seen = next
	}

	return Stats{
		Count:  n,
		Sum:    sum,
		Min:    merged[0].Value,
		Max:    merged[len(merged)-1].Value,
		Mean:   mean,
		Median: (loV + hiV) / 2,
		Mode:   mode,
		StdDev: math.Sqrt(sq / float64(n)),
	}
}
