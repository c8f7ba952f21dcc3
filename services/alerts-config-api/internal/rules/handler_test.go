package rules

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rgq/edabank/libs/alerting"
	"github.com/segmentio/kafka-go"
)

type fakePublisher struct {
	msgs []kafka.Message
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, msg kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func newTestMux(pub Publisher, cfg Config) http.Handler {
	mux := http.NewServeMux()
	New(pub, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg).Register(mux)
	return mux
}

func postRule(h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/rules", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	return rw
}

func TestUpsert_PublishesKeyedByDerivedKey(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestMux(pub, Config{})

	rw := postRule(h, `{"type":"transfer","tenantId":"T1","threshold":200}`, nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(rw.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Fatalf("unexpected response: %v", resp)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(pub.msgs))
	}
	msg := pub.msgs[0]
	if msg.Topic != alerting.TopicRules || string(msg.Key) != "T1:transfer" {
		t.Fatalf("unexpected message topic=%s key=%s", msg.Topic, msg.Key)
	}

	u, err := alerting.DecodeRuleUpdate(msg.Value)
	if err != nil {
		t.Fatalf("decode published rule: %v", err)
	}
	if u.Threshold == nil || *u.Threshold != 200 || u.Enabled == nil || !*u.Enabled {
		t.Fatalf("expected explicit threshold and enabled, got %s", msg.Value)
	}
}

func TestUpsert_DefaultsThresholdAndEnabled(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestMux(pub, Config{Topic: "rules-test"})

	rw := postRule(h, `{"type":"payment"}`, nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	msg := pub.msgs[0]
	if msg.Topic != "rules-test" || string(msg.Key) != "payment" {
		t.Fatalf("unexpected message topic=%s key=%s", msg.Topic, msg.Key)
	}
	u, _ := alerting.DecodeRuleUpdate(msg.Value)
	if r := u.Normalize(); r.Threshold != 0 || !r.Enabled {
		t.Fatalf("unexpected defaults: %+v", r)
	}
}

func TestUpsert_TypeRequired(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestMux(pub, Config{})

	for _, body := range []string{`{"threshold":5}`, `{"type":"  "}`, `{`} {
		if rw := postRule(h, body, nil); rw.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", body, rw.Code)
		}
	}
	if rw := postRule(h, `{"type":"payment","threshold":-1}`, nil); rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative threshold, got %d", rw.Code)
	}
	if len(pub.msgs) != 0 {
		t.Fatalf("nothing should be published, got %d", len(pub.msgs))
	}
}

func TestUpsert_APIKey(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestMux(pub, Config{APIKey: "secret"})

	if rw := postRule(h, `{"type":"payment"}`, nil); rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rw.Code)
	}
	if rw := postRule(h, `{"type":"payment"}`, map[string]string{APIKeyHeader: "wrong"}); rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rw.Code)
	}
	if rw := postRule(h, `{"type":"payment"}`, map[string]string{APIKeyHeader: "secret"}); rw.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rw.Code)
	}
}

func TestUpsert_EnforceTenantHeader(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestMux(pub, Config{EnforceTenantHeader: true})

	cases := []struct {
		body   string
		header string
		want   int
	}{
		{`{"type":"payment","tenantId":"T1"}`, "", http.StatusForbidden},
		{`{"type":"payment"}`, "T1", http.StatusForbidden},
		{`{"type":"payment","tenantId":"T1"}`, "T2", http.StatusForbidden},
		{`{"type":"payment","tenantId":"T1"}`, "T1", http.StatusOK},
	}
	for _, tc := range cases {
		headers := map[string]string{}
		if tc.header != "" {
			headers[TenantIDHeader] = tc.header
		}
		if rw := postRule(h, tc.body, headers); rw.Code != tc.want {
			t.Fatalf("body=%s header=%q: expected %d, got %d", tc.body, tc.header, tc.want, rw.Code)
		}
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected only the matching request to publish, got %d", len(pub.msgs))
	}
}

func TestUpsert_PublishFailure(t *testing.T) {
	h := newTestMux(&fakePublisher{err: errors.New("broker down")}, Config{})
	if rw := postRule(h, `{"type":"payment"}`, nil); rw.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rw.Code)
	}
}

func TestUpsert_MethodNotAllowed(t *testing.T) {
	h := newTestMux(&fakePublisher{}, Config{})
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/api/rules", nil))
	if rw.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rw.Code)
	}
}
