package ruletable

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rgq/edabank/libs/alerting"
	otelx "github.com/rgq/edabank/libs/otel"
	"github.com/segmentio/kafka-go"
)

func TestTable_LastWriteWins(t *testing.T) {
	table := New()
	table.Apply(alerting.Rule{Key: "payment", Type: "payment", Threshold: 500, Enabled: true})
	table.Apply(alerting.Rule{Key: "payment", Type: "payment", Threshold: 100, Enabled: false})

	r, ok := table.Lookup("payment")
	if !ok {
		t.Fatalf("expected rule")
	}
	if r.Threshold != 100 || r.Enabled {
		t.Fatalf("expected last update to win, got %+v", r)
	}
	if table.Len() != 1 {
		t.Fatalf("expected 1 rule, got %d", table.Len())
	}
}

func TestTable_LookupExactKeyOnly(t *testing.T) {
	table := New()
	table.Apply(alerting.Rule{Key: "payment", Type: "payment", Threshold: 1, Enabled: true})

	if _, ok := table.Lookup("tenantA:payment"); ok {
		t.Fatalf("tenant key must not fall back to the type key")
	}
	if _, ok := table.Lookup("transfer"); ok {
		t.Fatalf("expected no rule for transfer")
	}
}

func TestTable_SnapshotIsCopy(t *testing.T) {
	table := New()
	table.Apply(alerting.Rule{Key: "payment", Threshold: 1, Enabled: true})
	snap := table.Snapshot()
	snap["payment"] = alerting.Rule{Key: "payment", Threshold: 99}

	r, _ := table.Lookup("payment")
	if r.Threshold != 1 {
		t.Fatalf("snapshot mutation leaked into table: %+v", r)
	}
}

func TestTable_ConcurrentReadersOneWriter(t *testing.T) {
	table := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if r, ok := table.Lookup("payment"); ok && r.Key != "payment" {
					t.Errorf("unexpected rule %+v", r)
					return
				}
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		table.Apply(alerting.Rule{Key: "payment", Threshold: float64(i), Enabled: true})
	}
	cancel()
	wg.Wait()

	r, _ := table.Lookup("payment")
	if r.Threshold != 999 {
		t.Fatalf("expected final threshold 999, got %v", r.Threshold)
	}
}

type fakeReader struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
	// availableAt holds messages back until then, like a slow first fetch.
	availableAt time.Time
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if wait := time.Until(f.availableAt); wait > 0 {
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	f.mu.Lock()
	if len(f.msgs) > 0 {
		msg := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func ruleMsg(offset int64, key, value string) kafka.Message {
	return kafka.Message{Topic: alerting.TopicRules, Offset: offset, Key: []byte(key), Value: []byte(value)}
}

func newIngester(table *Table, reader Reader, cfg IngesterConfig) (*Ingester, *otelx.Registry) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := otelx.NewRegistry("ruletable-test")
	return NewIngester(table, reader, logger, metrics, cfg), metrics
}

func endOffsets(ends map[int]int64, err error) func(context.Context) (map[int]int64, error) {
	return func(context.Context) (map[int]int64, error) { return ends, err }
}

func TestIngester_ReplayThenReady(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		ruleMsg(0, "payment", `{"type":"payment","threshold":500}`),
		ruleMsg(1, "T1:transfer", `{"type":"transfer","tenantId":"T1","threshold":200}`),
		ruleMsg(2, "", `{"threshold":5}`),
		ruleMsg(3, "payment", `{"type":"payment","threshold":500,"enabled":false}`),
	}}
	table := New()
	ing, metrics := newIngester(table, reader, IngesterConfig{
		EndOffsets: endOffsets(map[int]int64{0: 4}, nil),
		IdleAfter:  time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ing.Run(ctx)
		close(done)
	}()

	if !ing.WaitReady(context.Background(), 2*time.Second) {
		t.Fatalf("expected ingester to become ready after replay")
	}
	if !ing.IsReady() {
		t.Fatalf("IsReady should report true")
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 rules, got %d", table.Len())
	}
	if r, _ := table.Lookup("payment"); r.Enabled {
		t.Fatalf("expected last payment update to disable the rule: %+v", r)
	}
	if got := metrics.Counter("rules.applied", "").Value(); got != 3 {
		t.Fatalf("expected 3 applied, got %d", got)
	}
	if got := metrics.Counter("rules.malformed", "").Value(); got != 1 {
		t.Fatalf("expected 1 malformed, got %d", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("ingester did not stop")
	}
	if !reader.closed {
		t.Fatalf("expected reader to be closed on shutdown")
	}
}

func TestIngester_ReadyAfterIdleWithoutEndOffsets(t *testing.T) {
	ing, _ := newIngester(New(), &fakeReader{}, IngesterConfig{
		EndOffsets: endOffsets(nil, errors.New("metadata unavailable")),
		IdleAfter:  20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ing.Run(ctx)

	if !ing.WaitReady(context.Background(), 2*time.Second) {
		t.Fatalf("expected ready after idle period on an empty topic")
	}
}

func TestIngester_WaitReadyTimeout(t *testing.T) {
	ing, _ := newIngester(New(), &fakeReader{}, IngesterConfig{IdleAfter: time.Minute})
	if ing.WaitReady(context.Background(), 10*time.Millisecond) {
		t.Fatalf("expected timeout before the ingester runs")
	}
}

func TestIngester_MessageKeyWins(t *testing.T) {
	table := New()
	ing, _ := newIngester(table, &fakeReader{}, IngesterConfig{})

	if !ing.Apply(context.Background(), ruleMsg(0, "legacy-key", `{"type":"payment","threshold":3}`)) {
		t.Fatalf("expected update to apply")
	}
	if _, ok := table.Lookup("legacy-key"); !ok {
		t.Fatalf("expected rule stored under message key, have %v", keys(table))
	}
}

func keys(table *Table) []string {
	var out []string
	for k := range table.Snapshot() {
		out = append(out, k)
	}
	return out
}

func TestTable_Handler(t *testing.T) {
	table := New()
	table.Apply(alerting.Rule{Key: "payment", Type: "payment", Threshold: 5, Enabled: true})
	table.Apply(alerting.Rule{Key: "T1:transfer", TenantID: "T1", Type: "transfer", Threshold: 200, Enabled: true})

	rec := httptest.NewRecorder()
	table.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/rules", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rules []alerting.Rule
	if err := json.Unmarshal(rec.Body.Bytes(), &rules); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rules) != 2 || rules[0].Key != "T1:transfer" || rules[1].Key != "payment" {
		t.Fatalf("unexpected rules: %+v", rules)
	}
}

func TestIngester_EmptyTopicReadyImmediately(t *testing.T) {
	ing, _ := newIngester(New(), &fakeReader{}, IngesterConfig{
		EndOffsets: endOffsets(map[int]int64{0: 0, 1: 0}, nil),
		IdleAfter:  time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ing.Run(ctx)

	if !ing.WaitReady(context.Background(), time.Second) {
		t.Fatalf("expected ready immediately for an empty rule topic")
	}
}

func TestIngester_WaitsForEveryPartition(t *testing.T) {
	ing, _ := newIngester(New(), &fakeReader{}, IngesterConfig{IdleAfter: time.Minute})
	ing.pending = map[int]int64{0: 2, 1: 1}

	ing.advance(0, 1)
	if ing.IsReady() {
		t.Fatalf("partition 1 has not been read yet")
	}
	ing.advance(1, 0)
	if !ing.IsReady() {
		t.Fatalf("expected ready once every partition caught up")
	}
}

func TestIngester_IdleDoesNotMarkReadyWhileEndOffsetsUnread(t *testing.T) {
	reader := &fakeReader{
		msgs:        []kafka.Message{ruleMsg(0, "payment", `{"type":"payment","threshold":500,"enabled":false}`)},
		availableAt: time.Now().Add(200 * time.Millisecond),
	}
	table := New()
	ing, _ := newIngester(table, reader, IngesterConfig{
		EndOffsets: endOffsets(map[int]int64{0: 1}, nil),
		IdleAfter:  20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ing.Run(ctx)

	if ing.WaitReady(context.Background(), 100*time.Millisecond) {
		t.Fatalf("ready with %d rules before partition 0 reached end offset 1", table.Len())
	}
	if !ing.WaitReady(context.Background(), 2*time.Second) {
		t.Fatalf("expected ready once the slow fetch delivered the rule")
	}
	r, ok := table.Lookup("payment")
	if !ok || r.Enabled {
		t.Fatalf("expected the replayed disabled rule at readiness, got %+v ok=%v", r, ok)
	}
}
