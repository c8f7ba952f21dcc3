package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/rgq/edabank/libs/httpx"
	"github.com/rgq/edabank/services/alerts-persist/internal/storage"
)

type Store interface {
	Recent(ctx context.Context, tenantID string, limit int) ([]storage.Record, error)
}

type Handler struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/alerts", h.List)
}

type listResponse struct {
	Items []storage.Record `json:"items"`
}

// List returns the most recent alerts: GET /alerts?tenantId=T1&limit=20.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := storage.MaxRecent
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, storage.MaxRecent)
	}
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenantId"))

	items, err := h.store.Recent(r.Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("failed to list alerts", "tenant_id", tenantID, "err", err)
		http.Error(w, "failed to list alerts", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []storage.Record{}
	}

	httpx.WriteJSON(w, http.StatusOK, listResponse{Items: items})
}
