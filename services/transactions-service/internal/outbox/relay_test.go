package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rgq/edabank/libs/kafkax"
	otelx "github.com/rgq/edabank/libs/otel"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type memStore struct {
	mu       sync.Mutex
	rows     []Record
	fetchErr error
	markErr  error
}

func (s *memStore) add(id int64, topic, aggregateID string, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, Record{
		ID:            id,
		EventID:       "evt",
		AggregateType: "payment",
		AggregateID:   aggregateID,
		Topic:         topic,
		Payload:       []byte(`{"id":"` + aggregateID + `","type":"payment","amount":10}`),
		CreatedAt:     createdAt,
	})
}

func (s *memStore) FetchUnsent(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []Record
	for _, r := range s.rows {
		if !r.Sent {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MarkSent(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return false, s.markErr
	}
	for i := range s.rows {
		if s.rows[i].ID == id {
			if s.rows[i].Sent {
				return false, nil
			}
			s.rows[i].Sent = true
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) sent(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID == id {
			return r.Sent
		}
	}
	return false
}

type fakePublisher struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	failKey map[string]bool
	down    bool
}

func (p *fakePublisher) Publish(_ context.Context, msg kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return errors.New("broker unavailable")
	}
	if p.failKey[string(msg.Key)] {
		return errors.New("message rejected")
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(store Store, pub Publisher, batch int) (*Relay, *otelx.Registry) {
	reg := otelx.NewRegistry("test")
	return NewRelay(store, pub, testLogger(), reg, RelayConfig{BatchSize: batch}), reg
}

func TestRelay_PublishesAndMarksSent(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &memStore{}
	store.add(1, "payments-events", "p-1", base)
	store.add(2, "transfers-events", "t-1", base.Add(time.Second))
	pub := &fakePublisher{}
	relay, reg := newTestRelay(store, pub, 50)

	res := relay.Poll(context.Background())
	if res.Fetched != 2 || res.Published != 2 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(pub.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(pub.msgs))
	}
	first := pub.msgs[0]
	if first.Topic != "payments-events" || string(first.Key) != "p-1" {
		t.Fatalf("unexpected first message: topic=%s key=%s", first.Topic, first.Key)
	}
	if !store.sent(1) || !store.sent(2) {
		t.Fatalf("expected both rows marked sent")
	}
	if got := reg.Counter("outbox.publish.success", "").Value(); got != 2 {
		t.Fatalf("expected 2 successes, got %d", got)
	}
}

func TestRelay_SecondPollIsNoop(t *testing.T) {
	store := &memStore{}
	store.add(1, "payments-events", "p-1", time.Now())
	pub := &fakePublisher{}
	relay, _ := newTestRelay(store, pub, 50)

	relay.Poll(context.Background())
	res := relay.Poll(context.Background())
	res2 := relay.Poll(context.Background())
	if res.Fetched != 0 || res.Published != 0 || res2.Published != 0 {
		t.Fatalf("expected idle polls, got %+v and %+v", res, res2)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected exactly 1 publish, got %d", len(pub.msgs))
	}
}

func TestRelay_BrokerUnavailableLeavesRowUnsent(t *testing.T) {
	store := &memStore{}
	store.add(1, "payments-events", "p-1", time.Now())
	pub := &fakePublisher{down: true}
	relay, reg := newTestRelay(store, pub, 50)

	res := relay.Poll(context.Background())
	if res.Failed != 1 || res.Published != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if store.sent(1) {
		t.Fatalf("row must stay unsent when publish fails")
	}
	if got := reg.Counter("outbox.publish.failure", "").Value(); got != 1 {
		t.Fatalf("expected failure counter 1, got %d", got)
	}

	pub.mu.Lock()
	pub.down = false
	pub.mu.Unlock()
	res = relay.Poll(context.Background())
	if res.Published != 1 || !store.sent(1) {
		t.Fatalf("expected retry on next poll to succeed, got %+v", res)
	}
}

func TestRelay_FailingRowDoesNotBlockOthers(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &memStore{}
	store.add(1, "payments-events", "poison", base)
	store.add(2, "payments-events", "p-2", base.Add(time.Second))
	store.add(3, "payments-events", "p-3", base.Add(2*time.Second))
	pub := &fakePublisher{failKey: map[string]bool{"poison": true}}
	relay, reg := newTestRelay(store, pub, 50)

	for i := 0; i < 3; i++ {
		relay.Poll(context.Background())
	}
	if store.sent(1) {
		t.Fatalf("poisoned row must never be marked sent")
	}
	if !store.sent(2) || !store.sent(3) {
		t.Fatalf("rows behind the poisoned one must be published")
	}
	if got := reg.Counter("outbox.publish.failure", "").Value(); got != 3 {
		t.Fatalf("expected one failure per poll, got %d", got)
	}
}

func TestRelay_OldestFirstWithinBatch(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &memStore{}
	store.add(3, "payments-events", "newest", base.Add(2*time.Second))
	store.add(1, "payments-events", "oldest", base)
	store.add(2, "payments-events", "middle", base.Add(time.Second))
	pub := &fakePublisher{}
	relay, _ := newTestRelay(store, pub, 2)

	res := relay.Poll(context.Background())
	if res.Fetched != 2 {
		t.Fatalf("expected batch size to cap the fetch, got %+v", res)
	}
	if string(pub.msgs[0].Key) != "oldest" || string(pub.msgs[1].Key) != "middle" {
		t.Fatalf("expected oldest-first order, got %s, %s", pub.msgs[0].Key, pub.msgs[1].Key)
	}
	if store.sent(3) {
		t.Fatalf("row beyond the batch must wait for the next poll")
	}
}

func TestRelay_FetchErrorIsContained(t *testing.T) {
	store := &memStore{fetchErr: errors.New("db down")}
	relay, reg := newTestRelay(store, &fakePublisher{}, 50)

	res := relay.Poll(context.Background())
	if res != (PollResult{}) {
		t.Fatalf("expected empty result, got %+v", res)
	}
	if got := reg.Counter("outbox.fetch.failure", "").Value(); got != 1 {
		t.Fatalf("expected fetch failure counter 1, got %d", got)
	}
}

func TestRelay_MarkFailureRepublishes(t *testing.T) {
	store := &memStore{markErr: errors.New("db down")}
	store.add(1, "payments-events", "p-1", time.Now())
	pub := &fakePublisher{}
	relay, _ := newTestRelay(store, pub, 50)

	relay.Poll(context.Background())
	store.mu.Lock()
	store.markErr = nil
	store.mu.Unlock()
	relay.Poll(context.Background())

	if len(pub.msgs) != 2 {
		t.Fatalf("expected the row to be published again after a failed mark, got %d", len(pub.msgs))
	}
	if !store.sent(1) {
		t.Fatalf("expected row marked sent on second poll")
	}
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	store := &memStore{}
	store.add(1, "payments-events", "p-1", time.Now())
	pub := &fakePublisher{}
	reg := otelx.NewRegistry("test")
	relay := NewRelay(store, pub, testLogger(), reg, RelayConfig{PollEvery: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for !store.sent(1) {
		select {
		case <-deadline:
			t.Fatalf("relay did not publish the row")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop")
	}
}

type ctxPublisher struct {
	spans []trace.SpanContext
	msgs  []kafka.Message
}

func (p *ctxPublisher) Publish(ctx context.Context, msg kafka.Message) error {
	p.spans = append(p.spans, trace.SpanContextFromContext(ctx))
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestRelay_CarriesStoredTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	store := &memStore{}
	store.add(1, "payments-events", "p-1", time.Now())
	store.rows[0].EventID = "evt-1"
	store.rows[0].Trace = otelx.TraceContext{Traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}
	pub := &ctxPublisher{}
	relay, _ := newTestRelay(store, pub, 10)

	relay.Poll(context.Background())

	if len(pub.spans) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.spans))
	}
	if got := pub.spans[0].TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("expected stored trace to be the publish parent, got %s", got)
	}
	meta := kafkax.ExtractEventMeta(pub.msgs[0])
	if meta.EventID != "evt-1" || meta.EventType != "payment" {
		t.Fatalf("unexpected event meta: %+v", meta)
	}
}

type gatedPublisher struct {
	fakePublisher
	release chan struct{}
}

func (p *gatedPublisher) Publish(ctx context.Context, msg kafka.Message) error {
	<-p.release
	return p.fakePublisher.Publish(ctx, msg)
}

func TestRelay_ConcurrentPollsPublishEachRowOnce(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &memStore{}
	store.add(1, "payments-events", "p-1", base)
	store.add(2, "payments-events", "p-2", base.Add(time.Second))
	store.add(3, "transfers-events", "t-1", base.Add(2*time.Second))
	pub := &gatedPublisher{release: make(chan struct{})}
	relay, reg := newTestRelay(store, pub, 50)

	var entered, done sync.WaitGroup
	results := make([]PollResult, 2)
	for i := range results {
		entered.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			entered.Done()
			results[i] = relay.Poll(context.Background())
		}()
	}
	entered.Wait()
	time.Sleep(20 * time.Millisecond)
	close(pub.release)
	done.Wait()

	seen := map[string]int{}
	for _, msg := range pub.msgs {
		seen[string(msg.Key)]++
	}
	for _, key := range []string{"p-1", "p-2", "t-1"} {
		if seen[key] != 1 {
			t.Fatalf("expected %s published once, got %d (all: %v)", key, seen[key], seen)
		}
	}
	if total := results[0].Published + results[1].Published; total != 3 {
		t.Fatalf("expected 3 publishes across both polls, got %+v", results)
	}
	if got := reg.Counter("outbox.publish.success", "").Value(); got != 3 {
		t.Fatalf("expected success counter 3, got %d", got)
	}
}
