package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/diewo77/payment-core/internal/httpx"
	"github.com/diewo77/payment-core/internal/janitor"
	"github.com/diewo77/payment-core/internal/models"
	"github.com/diewo77/payment-core/internal/services"
)

// AdminHandler exposes the narrowly-scoped operational escape hatches:
// force-fixing a transaction's state and triggering a janitor pass.
type AdminHandler struct {
	Svc     *services.PaymentService
	Janitor *janitor.Janitor
}

func NewAdminHandler(svc *services.PaymentService, j *janitor.Janitor) *AdminHandler {
	return &AdminHandler{Svc: svc, Janitor: j}
}

// FixTransaction: POST /admin/payments/fix
// Requires explicit target status and state name; nothing is inferred.
func (h *AdminHandler) FixTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID string `json:"transaction_id"`
		Status        string `json:"status"`
		StateName     string `json:"state_name"`
		Comment       string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	if req.TransactionID == "" || req.Status == "" || req.StateName == "" {
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed",
			map[string]string{"transaction_id": "required", "status": "required", "state_name": "required"})
		return
	}
	view, err := h.Svc.FixTransactionState(r.Context(), req.TransactionID,
		models.TransactionStatus(req.Status), req.StateName, req.Comment)
	writeResult(w, view, err)
}

// RunJanitor: POST /admin/janitor/run runs a synchronous single pass.
func (h *AdminHandler) RunJanitor(w http.ResponseWriter, r *http.Request) {
	n, err := h.Janitor.RunOnce(r.Context())
	if err != nil {
		httpx.JSONError(w, http.StatusInternalServerError, "janitor_failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"advanced": n})
}
