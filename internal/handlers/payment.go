package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/diewo77/payment-core/internal/httpx"
	"github.com/diewo77/payment-core/internal/payments"
	"github.com/diewo77/payment-core/internal/services"
)

// PaymentHandler exposes the payment pipeline as JSON endpoints.
type PaymentHandler struct {
	Svc *services.PaymentService
}

func NewPaymentHandler(svc *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{Svc: svc}
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (services.TransactionRequest, bool) {
	var req services.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return req, false
	}
	if req.AccountID == "" {
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed", map[string]string{"account_id": "required"})
		return req, false
	}
	return req, true
}

// Authorize: POST /payments/authorize
func (h *PaymentHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	view, err := h.Svc.CreateAuthorization(r.Context(), req)
	writeResult(w, view, err)
}

// Capture: POST /payments/capture
func (h *PaymentHandler) Capture(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	view, err := h.Svc.CreateCapture(r.Context(), req)
	writeResult(w, view, err)
}

// Purchase: POST /payments/purchase
func (h *PaymentHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	view, err := h.Svc.CreatePurchase(r.Context(), req)
	writeResult(w, view, err)
}

// Void: POST /payments/void
func (h *PaymentHandler) Void(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	view, err := h.Svc.CreateVoid(r.Context(), req)
	writeResult(w, view, err)
}

// Credit: POST /payments/credit
func (h *PaymentHandler) Credit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	view, err := h.Svc.CreateCredit(r.Context(), req)
	writeResult(w, view, err)
}

// Refund: POST /payments/refund
func (h *PaymentHandler) Refund(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	view, err := h.Svc.CreateRefund(r.Context(), req)
	writeResult(w, view, err)
}

// Chargeback: POST /payments/chargeback
func (h *PaymentHandler) Chargeback(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	view, err := h.Svc.NotifyChargeback(r.Context(), req)
	writeResult(w, view, err)
}

// ChargebackReversal: POST /payments/chargeback-reversal
func (h *PaymentHandler) ChargebackReversal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID     string `json:"account_id"`
		ChargebackKey string `json:"chargeback_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	if req.AccountID == "" || req.ChargebackKey == "" {
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed",
			map[string]string{"account_id": "required", "chargeback_key": "required"})
		return
	}
	view, err := h.Svc.NotifyChargebackReversal(r.Context(), req.AccountID, req.ChargebackKey)
	writeResult(w, view, err)
}

// Get: GET /payments/get?id=... or ?external_key=...
func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	if id := strings.TrimSpace(r.URL.Query().Get("id")); id != "" {
		view, err := h.Svc.GetPayment(r.Context(), id)
		writeResult(w, view, err)
		return
	}
	if key := strings.TrimSpace(r.URL.Query().Get("external_key")); key != "" {
		view, err := h.Svc.GetPaymentByExternalKey(r.Context(), key)
		writeResult(w, view, err)
		return
	}
	httpx.JSONError(w, http.StatusBadRequest, "validation_failed",
		map[string]string{"id": "id or external_key required"})
}

// List: GET /payments?account_id=&q=&limit=&page=
func (h *PaymentHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 1 {
			offset = (n - 1) * limit
		}
	}
	accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	views, total, err := h.Svc.SearchPayments(r.Context(), accountID, q, limit, offset)
	if err != nil {
		writeResult(w, nil, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items": views, "total": total, "limit": limit, "offset": offset,
	})
}

func writeResult(w http.ResponseWriter, view *services.PaymentView, err error) {
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

// writeDomainError maps the error taxonomy onto HTTP statuses while keeping
// the domain code visible in the body.
func writeDomainError(w http.ResponseWriter, err error) {
	code := payments.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case payments.CodeInvalidParameter, payments.CodeExternalKeyLimitExceeded:
		status = http.StatusBadRequest
	case payments.CodeActiveTransactionKey:
		status = http.StatusConflict
	case payments.CodeDifferentAccountID, payments.CodeInvalidOperation, payments.CodePluginAborted:
		status = http.StatusUnprocessableEntity
	case payments.CodeNoSuchPayment, payments.CodeNoSuchSuccessPayment:
		status = http.StatusNotFound
	case payments.CodePluginTimeout:
		status = http.StatusGatewayTimeout
	case payments.CodePluginError, payments.CodeControlPluginError:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		log.Printf("payment handler error: %v", err)
		httpx.JSONError(w, status, "internal_error", nil)
		return
	}
	httpx.JSONError(w, status, string(code), err.Error())
}
