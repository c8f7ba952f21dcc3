package otelx

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Counter is a monotonic counter exported through the global otel meter
// provider. It also keeps an in-process total so loops and tests can read it
// back without an exporter.
type Counter struct {
	name  string
	inst  metric.Int64Counter
	total atomic.Int64
}

// Registry hands out named counters and serves their totals as JSON.
type Registry struct {
	meter    metric.Meter
	mu       sync.Mutex
	counters map[string]*Counter
}

func NewRegistry(scope string) *Registry {
	return &Registry{
		meter:    otel.Meter(scope),
		counters: make(map[string]*Counter),
	}
}

// Counter returns the counter registered under name, creating it on first use.
func (r *Registry) Counter(name, description string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{name: name}
	inst, err := r.meter.Int64Counter(name, metric.WithDescription(description))
	if err == nil {
		c.inst = inst
	}
	r.counters[name] = c
	return c
}

func (c *Counter) Add(ctx context.Context, n int64, attrs ...attribute.KeyValue) {
	if c == nil || n <= 0 {
		return
	}
	c.total.Add(n)
	if c.inst != nil {
		c.inst.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}

func (c *Counter) Inc(ctx context.Context, attrs ...attribute.KeyValue) {
	c.Add(ctx, 1, attrs...)
}

func (c *Counter) Value() int64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}

func (c *Counter) Name() string {
	return c.name
}

// Snapshot returns the current totals keyed by counter name.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		out[name] = c.Value()
	}
	return out
}

// Handler serves the counter totals, sorted by name, for /debug/counters.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		snap := r.Snapshot()
		names := make([]string, 0, len(snap))
		for name := range snap {
			names = append(names, name)
		}
		sort.Strings(names)

		type entry struct {
			Name  string `json:"name"`
			Value int64  `json:"value"`
		}
		out := make([]entry, 0, len(names))
		for _, name := range names {
			out = append(out, entry{Name: name, Value: snap[name]})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}
