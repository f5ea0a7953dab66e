package engine

import "fmt"

var products = []string{"ABC", "ABD", "abx", "AB", "XYZ", "Other", "CAB"}
var regions = []string{"North", "South", "East", "West"}

// salesApp has 1000 rows with unique customers and unique Sales values,
// and a Score field populated only on the first five rows.
func salesApp() *fakeApp {
	recs := make([]record, 1000)
	for i := range recs {
		r := record{
			"Customer": fmt.Sprintf("C%04d", i),
			"Region":   regions[i%len(regions)],
			"Product":  products[i%len(products)],
			"Sales":    float64((i*37)%1000 + 1),
		}
		if i < 5 {
			r["Score"] = float64(i + 1)
		} else {
			r["Score"] = nil
		}
		recs[i] = r
	}

	return &fakeApp{
		ID:      "app-sales",
		Title:   "Sales",
		Script:  "LOAD * INLINE [\nRegion, Sales\nNorth, 1\n];",
		Records: recs,
		Sheets: []map[string]any{
			{"qInfo": map[string]any{"qId": "sheet-2"}, "qMeta": map[string]any{"title": "Details", "published": true},
				"qData": map[string]any{"title": "Details", "rank": 2, "cells": []any{}}},
			{"qInfo": map[string]any{"qId": "sheet-1"}, "qMeta": map[string]any{"title": "Overview"},
				"qData": map[string]any{"title": "Overview", "description": "Top level", "rank": 1,
					"cells": []any{map[string]any{"name": "chart-1"}, map[string]any{"name": "missing-1"}}}},
		},
		Objects: map[string]map[string]any{
			"sheet-1": {
				"qInfo": map[string]any{"qId": "sheet-1", "qType": "sheet"},
				"qMeta": map[string]any{"title": "Overview"},
				"qChildList": map[string]any{"qItems": []any{
					map[string]any{"qInfo": map[string]any{"qId": "chart-1", "qType": "barchart"}},
					map[string]any{"qInfo": map[string]any{"qId": "missing-1", "qType": "table"}},
				}},
			},
			"chart-1": {
				"qInfo":         map[string]any{"qId": "chart-1", "qType": "barchart"},
				"title":         "Sales by Region",
				"subtitle":      "All years",
				"visualization": "barchart",
				"qHyperCube": map[string]any{
					"qDimensionInfo": []any{map[string]any{"qFallbackTitle": "Region", "qGroupFieldDefs": []string{"Region"}}},
					"qMeasureInfo":   []any{map[string]any{"qFallbackTitle": "Total Sales"}},
					"qSize":          map[string]int{"qcx": 2, "qcy": 4},
					"qDataPages": []any{map[string]any{"qMatrix": []any{
						[]any{map[string]any{"qText": "North", "qNum": "NaN"}, map[string]any{"qText": "100", "qNum": 100}},
						[]any{map[string]any{"qText": "South", "qNum": "NaN"}, map[string]any{"qText": "90", "qNum": 90}},
					}}},
				},
			},
			"text-1": {
				"qInfo": map[string]any{"qId": "text-1", "qType": "text-image"},
				"qMeta": map[string]any{"title": "Notes"},
			},
		},
		Props: map[string]map[string]any{
			"chart-1": {"qHyperCubeDef": map[string]any{"qMeasures": []any{
				map[string]any{"qDef": map[string]any{"qDef": "Sum([Sales]) / Count([Customer])"}},
			}}},
		},
		Variables: []map[string]any{
			{"qInfo": map[string]any{"qId": "v3"}, "qName": "vThreshold", "qDefinition": "100", "qIsScriptCreated": true},
			{"qInfo": map[string]any{"qId": "v1"}, "qName": "vRegion", "qDefinition": "'North'", "qIsScriptCreated": true},
			{"qInfo": map[string]any{"qId": "v2"}, "qName": "vTarget", "qDefinition": "=Sum(Sales)*1.1", "qDescription": "Sales target"},
		},
		Measures: []map[string]any{
			{"qInfo": map[string]any{"qId": "m1"}, "qMeta": map[string]any{"title": "Revenue"},
				"qData": map[string]any{"title": "Revenue", "expression": "Sum(Sales)", "label": "Revenue"}},
		},
		Dimensions: []map[string]any{
			{"qInfo": map[string]any{"qId": "d1"}, "qMeta": map[string]any{"title": "Region"},
				"qData": map[string]any{"title": "Region", "fields": []string{"Region"}, "grouping": "N"}},
		},
		Tables: []map[string]any{
			{"qName": "Sales", "qNoOfRows": 1000, "qFields": []any{
				map[string]any{"qName": "Customer", "qnTotalDistinctValues": 1000, "qnNonNulls": 1000, "qKeyType": "PRIMARY_KEY"},
				map[string]any{"qName": "Region", "qnTotalDistinctValues": 4, "qnNonNulls": 1000, "qKeyType": "NOT_KEY", "qTags": []string{"$text"}},
			}},
		},
	}
}

// wideApp has enough distinct keys to need several list pages and enough
// rows to need several hypercube pages.
func wideApp() *fakeApp {
	recs := make([]record, 12001)
	for i := range recs {
		recs[i] = record{"Key": fmt.Sprintf("K%05d", i), "Amount": float64(i)}
	}
	return &fakeApp{ID: "app-wide", Title: "Wide", Records: recs}
}

// repeatApp holds 6000 distinct Reading values, more than one list page.
// Value i occurs (i%3)+1 times.
func repeatApp() *fakeApp {
	var recs []record
	for i := 0; i < 6000; i++ {
		for j := 0; j <= i%3; j++ {
			recs = append(recs, record{"Reading": float64(i)})
		}
	}
	return &fakeApp{ID: "app-repeat", Title: "Repeat", Records: recs, MedianUnsupported: true}
}
