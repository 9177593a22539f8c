package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/service"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *service.Service
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc *service.Service, version string) *Handler {
	return &Handler{
		svc:     svc,
		version: version,
	}
}

// TrainRequest is the request body for POST /model/train.
type TrainRequest struct {
	Transactions []domain.Transaction `json:"transactions"`
}

// AcknowledgeRequest is the request body for POST /alerts/{id}/acknowledge.
type AcknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledgedBy"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// Score handles POST /score.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	var in domain.TransactionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	result, err := h.svc.Score(r.Context(), &in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Train handles POST /model/train.
func (h *Handler) Train(w http.ResponseWriter, r *http.Request) {
	var req TrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	for i := range req.Transactions {
		tx := &req.Transactions[i]
		if tx.ID == "" {
			tx.ID = uuid.New().String()
		}
		if tx.TransactionID == "" {
			tx.TransactionID = tx.ID
		}
	}

	if err := h.svc.Train(r.Context(), req.Transactions); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.GetMetadata())
}

// Retrain handles POST /model/retrain.
func (h *Handler) Retrain(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Retrain(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.GetMetadata())
}

// GetModel handles GET /model.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetMetadata())
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// ListTransactions handles GET /transactions. ?type=flagged lists flagged
// transactions only; ?limit bounds the count.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var flagged bool
	switch q.Get("type") {
	case "", "recent":
	case "flagged":
		flagged = true
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "type must be recent or flagged"})
		return
	}

	var limit int
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	txs, err := h.svc.RecentTransactions(r.Context(), limit, flagged)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// GetUserRisk handles GET /users/{id}/risk.
func (h *Handler) GetUserRisk(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.UserRiskSummary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListAlerts handles GET /alerts. ?status=unacknowledged limits the list
// to open alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	open := r.URL.Query().Get("status") == "unacknowledged"
	alerts := h.svc.Alerts(open)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// AcknowledgeAlert handles POST /alerts/{id}/acknowledge.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req AcknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.AcknowledgedBy == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "acknowledgedBy is required"})
		return
	}

	a, err := h.svc.AcknowledgeAlert(r.Context(), chi.URLParam(r, "id"), req.AcknowledgedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListAlertConfigs handles GET /alerts/configs.
func (h *Handler) ListAlertConfigs(w http.ResponseWriter, r *http.Request) {
	configs := h.svc.AlertConfigs()
	writeJSON(w, http.StatusOK, map[string]any{
		"configs": configs,
		"count":   len(configs),
	})
}

// CreateAlertConfig handles POST /alerts/configs.
func (h *Handler) CreateAlertConfig(w http.ResponseWriter, r *http.Request) {
	var cfg domain.AlertConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	created, err := h.svc.AddAlertConfig(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// DeleteAlertConfig handles DELETE /alerts/configs/{id}.
func (h *Handler) DeleteAlertConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemoveAlertConfig(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleAlertConfig handles POST /alerts/configs/{id}/toggle.
func (h *Handler) ToggleAlertConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.ToggleAlertConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if err := h.svc.Ready(r.Context()); err != nil {
		status = "degraded"
	}

	meta := h.svc.GetMetadata()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"version":      h.version,
		"modelTrained": meta.ID != "",
	})
}

// Ready reports whether every backend is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps service errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: verr.Errors})
	case errors.Is(err, domain.ErrEmptyDataset), errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrAlreadyScored):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrNotTrained), errors.Is(err, service.ErrNoRepository):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
