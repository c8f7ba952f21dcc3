package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rgq/edabank/libs/httpx"
	"github.com/rgq/edabank/services/transactions-service/internal/storage"
)

type Store interface {
	CreatePayment(ctx context.Context, p storage.Payment, topic string) (string, error)
	CreateTransfer(ctx context.Context, t storage.Transfer, topic string) (string, error)
}

type Config struct {
	PaymentsTopic  string
	TransfersTopic string
}

type Handler struct {
	store          Store
	logger         *slog.Logger
	paymentsTopic  string
	transfersTopic string
}

func New(store Store, logger *slog.Logger, cfg Config) *Handler {
	return &Handler{
		store:          store,
		logger:         logger,
		paymentsTopic:  cfg.PaymentsTopic,
		transfersTopic: cfg.TransfersTopic,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/events/payments", h.CreatePayment)
	mux.HandleFunc("/events/transfers", h.CreateTransfer)
}

type paymentRequest struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	TenantID  string   `json:"tenantId,omitempty"`
	Amount    *float64 `json:"amount"`
	Currency  string   `json:"currency,omitempty"`
	AccountID string   `json:"accountId,omitempty"`
}

type transferRequest struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	TenantID string   `json:"tenantId,omitempty"`
	Amount   *float64 `json:"amount"`
	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
}

type acceptedResponse struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	EventID string `json:"event_id"`
	Topic   string `json:"topic"`
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ID = normalizeID(req.ID)
	req.Type = defaultType(req.Type, "payment")
	req.TenantID = strings.TrimSpace(req.TenantID)
	if msg := validateAmount(req.Amount); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		http.Error(w, "failed to encode event", http.StatusInternalServerError)
		return
	}

	eventID, err := h.store.CreatePayment(r.Context(), storage.Payment{
		ID:        req.ID,
		Type:      req.Type,
		TenantID:  req.TenantID,
		Amount:    *req.Amount,
		Currency:  req.Currency,
		AccountID: req.AccountID,
		Payload:   payload,
	}, h.paymentsTopic)
	if !h.handleStoreError(w, err, "payment", req.ID) {
		return
	}

	h.logger.Info("payment recorded", "id", req.ID, "type", req.Type, "tenant_id", req.TenantID, "event_id", eventID)
	httpx.WriteJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", ID: req.ID, EventID: eventID, Topic: h.paymentsTopic})
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ID = normalizeID(req.ID)
	req.Type = defaultType(req.Type, "transfer")
	req.TenantID = strings.TrimSpace(req.TenantID)
	if msg := validateAmount(req.Amount); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		http.Error(w, "failed to encode event", http.StatusInternalServerError)
		return
	}

	eventID, err := h.store.CreateTransfer(r.Context(), storage.Transfer{
		ID:          req.ID,
		Type:        req.Type,
		TenantID:    req.TenantID,
		Amount:      *req.Amount,
		FromAccount: req.From,
		ToAccount:   req.To,
		Payload:     payload,
	}, h.transfersTopic)
	if !h.handleStoreError(w, err, "transfer", req.ID) {
		return
	}

	h.logger.Info("transfer recorded", "id", req.ID, "type", req.Type, "tenant_id", req.TenantID, "event_id", eventID)
	httpx.WriteJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", ID: req.ID, EventID: eventID, Topic: h.transfersTopic})
}

func (h *Handler) handleStoreError(w http.ResponseWriter, err error, kind, id string) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, storage.ErrDuplicate) {
		http.Error(w, kind+" already exists", http.StatusConflict)
		return false
	}
	h.logger.Error("failed to record "+kind, "id", id, "err", err)
	http.Error(w, "failed to record "+kind, http.StatusInternalServerError)
	return false
}

func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func defaultType(t, fallback string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return fallback
	}
	return t
}

func validateAmount(amount *float64) string {
	if amount == nil {
		return "amount is required"
	}
	if *amount <= 0 || math.IsInf(*amount, 0) || math.IsNaN(*amount) {
		return "amount must be positive"
	}
	return ""
}
