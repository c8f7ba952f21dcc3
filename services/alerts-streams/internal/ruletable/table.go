package ruletable

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/rgq/edabank/libs/alerting"
)

// Table holds the latest rule per key. One ingestion goroutine calls Apply;
// any number of evaluator goroutines call Lookup. Only the table mutates the
// map.
type Table struct {
	mu    sync.RWMutex
	rules map[string]alerting.Rule
}

func New() *Table {
	return &Table{rules: make(map[string]alerting.Rule)}
}

// Apply replaces the stored rule for its key unconditionally. Later calls win.
func (t *Table) Apply(r alerting.Rule) {
	t.mu.Lock()
	t.rules[r.Key] = r
	t.mu.Unlock()
}

// Lookup returns the rule stored under exactly key. There is no fallback from
// a tenant-scoped key to the plain type key.
func (t *Table) Lookup(key string) (alerting.Rule, bool) {
	t.mu.RLock()
	r, ok := t.rules[key]
	t.mu.RUnlock()
	return r, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rules)
}

// Snapshot returns a copy of the current rules.
func (t *Table) Snapshot() map[string]alerting.Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]alerting.Rule, len(t.rules))
	for k, v := range t.rules {
		out[k] = v
	}
	return out
}

// Handler serves the current rules as a JSON array sorted by key.
func (t *Table) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		snap := t.Snapshot()
		rules := make([]alerting.Rule, 0, len(snap))
		for _, rule := range snap {
			rules = append(rules, rule)
		}
		sort.Slice(rules, func(i, j int) bool { return rules[i].Key < rules[j].Key })

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rules)
	})
}
