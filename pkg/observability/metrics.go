// Package observability holds the in-process metrics registry and its
// Prometheus text exposition handler.
package observability

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// MetricsRegistry collects and exposes application metrics.
type MetricsRegistry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewMetricsRegistry creates a metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name  string
	desc  string
	value atomic.Int64
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	name  string
	desc  string
	value atomic.Int64
}

// Histogram tracks value distributions with fixed upper bounds.
type Histogram struct {
	mu      sync.Mutex
	name    string
	desc    string
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

// GetCounter returns (or creates) a counter metric.
func (r *MetricsRegistry) GetCounter(name, description string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = &Counter{name: name, desc: description}
	r.counters[name] = c
	return c
}

// GetGauge returns (or creates) a gauge metric.
func (r *MetricsRegistry) GetGauge(name, description string) *Gauge {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok = r.gauges[name]; ok {
		return g
	}
	g = &Gauge{name: name, desc: description}
	r.gauges[name] = g
	return g
}

// GetHistogram returns (or creates) a histogram metric. buckets are copied
// and sorted.
func (r *MetricsRegistry) GetHistogram(name, description string, buckets []float64) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	b := append([]float64(nil), buckets...)
	sort.Float64s(b)
	h = &Histogram{name: name, desc: description, buckets: b, counts: make([]int64, len(b)+1)}
	r.histograms[name] = h
	return h
}

// Inc increments a counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments a counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the counter's current value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Set sets the gauge value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Add moves the gauge by delta.
func (g *Gauge) Add(delta int64) { g.value.Add(delta) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the gauge's current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	if math.IsNaN(v) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	i := sort.SearchFloat64s(h.buckets, v)
	h.counts[i]++
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// MetricsHandler serves the registry in Prometheus text exposition format,
// metrics sorted by name.
func MetricsHandler(registry *MetricsRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		registry.mu.RLock()
		defer registry.mu.RUnlock()

		for _, name := range sortedKeys(registry.counters) {
			c := registry.counters[name]
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, c.desc, name, name, c.value.Load())
		}
		for _, name := range sortedKeys(registry.gauges) {
			g := registry.gauges[name]
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, g.desc, name, name, g.value.Load())
		}
		for _, name := range sortedKeys(registry.histograms) {
			h := registry.histograms[name]
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", name, h.desc, name)
			h.mu.Lock()
			var cumulative int64
			for i, b := range h.buckets {
				cumulative += h.counts[i]
				fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", name, b, cumulative)
			}
			cumulative += h.counts[len(h.buckets)]
			fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, cumulative)
			fmt.Fprintf(w, "%s_sum %g\n%s_count %d\n", name, h.sum, name, h.count)
			h.mu.Unlock()
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
