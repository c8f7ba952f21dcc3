package rules

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rgq/edabank/libs/alerting"
	"github.com/rgq/edabank/libs/httpx"
	"github.com/rgq/edabank/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

const (
	APIKeyHeader   = "X-API-Key"
	TenantIDHeader = "X-Tenant-Id"
)

type Publisher interface {
	Publish(ctx context.Context, msg kafka.Message) error
}

type Config struct {
	Topic string
	// APIKey, when set, must match the X-API-Key header.
	APIKey string
	// EnforceTenantHeader requires X-Tenant-Id to equal the body tenantId.
	EnforceTenantHeader bool
}

// Handler accepts rule upserts and publishes them to the rule topic. It never
// touches a rule table; evaluators ingest the topic on their own.
type Handler struct {
	publisher Publisher
	logger    *slog.Logger
	cfg       Config
}

func New(publisher Publisher, logger *slog.Logger, cfg Config) *Handler {
	if cfg.Topic == "" {
		cfg.Topic = alerting.TopicRules
	}
	return &Handler{publisher: publisher, logger: logger, cfg: cfg}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/rules", h.Upsert)
	mux.HandleFunc("/api/rules/health", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "UP"})
	})
}

func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorized(r) {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	var req alerting.RuleUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.Type == "" {
		httpx.WriteError(w, http.StatusBadRequest, "type is required")
		return
	}
	if req.Threshold != nil && (*req.Threshold < 0 || math.IsNaN(*req.Threshold) || math.IsInf(*req.Threshold, 0)) {
		httpx.WriteError(w, http.StatusBadRequest, "threshold must be a non-negative number")
		return
	}
	if h.cfg.EnforceTenantHeader {
		header := strings.TrimSpace(r.Header.Get(TenantIDHeader))
		if header == "" || req.TenantID == "" || header != req.TenantID {
			httpx.WriteError(w, http.StatusForbidden, "tenant header/body mismatch")
			return
		}
	}

	rule := req.Normalize()
	threshold, enabled := rule.Threshold, rule.Enabled
	req.Threshold, req.Enabled = &threshold, &enabled

	value, err := json.Marshal(req)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "failed to upsert rule")
		return
	}
	err = h.publisher.Publish(r.Context(), kafka.Message{
		Topic:   h.cfg.Topic,
		Key:     []byte(rule.Key),
		Value:   value,
		Headers: kafkax.EventMeta{EventID: uuid.NewString(), EventType: "rule.upserted"}.Headers(),
	})
	if err != nil {
		h.logger.Error("failed to publish rule", "key", rule.Key, "topic", h.cfg.Topic, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to upsert rule")
		return
	}

	h.logger.Info("rule upserted", "key", rule.Key, "threshold", threshold, "enabled", enabled, "topic", h.cfg.Topic)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "key": rule.Key})
}

func (h *Handler) authorized(r *http.Request) bool {
	if strings.TrimSpace(h.cfg.APIKey) == "" {
		return true
	}
	got := r.Header.Get(APIKeyHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.APIKey)) == 1
}
