package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/diewo77/payment-core/internal/db"
	"github.com/diewo77/payment-core/internal/janitor"
	"github.com/diewo77/payment-core/internal/models"
	"github.com/diewo77/payment-core/internal/plugin"
	"github.com/diewo77/payment-core/internal/services"
	"github.com/diewo77/payment-core/internal/statemachine"
)

func setupRouter(t *testing.T) http.Handler {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	d, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	if err := d.AutoMigrate(&models.Account{}, &models.PaymentMethod{}, &models.Payment{},
		&models.PaymentTransaction{}, &models.PaymentAttempt{}, &models.AuditLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.EnsureActiveKeyIndex(d); err != nil {
		t.Fatalf("index: %v", err)
	}
	acc := models.Account{ID: "acc-1", ExternalKey: "acc-1-key", Currency: "USD"}
	if err := d.Create(&acc).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}

	reg := plugin.NewRegistry()
	reg.RegisterGateway(plugin.NewNoOpGateway("noop"))
	svc := services.NewPaymentService(d, reg, statemachine.Default(), time.Second)
	j := janitor.New(d, reg, time.Minute, 0)
	return New(d, svc, j)
}

func TestHealthz(t *testing.T) {
	h := setupRouter(t)
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
}

func TestPaymentRoutesRequirePost(t *testing.T) {
	h := setupRouter(t)
	for _, path := range []string{
		"/payments/authorize", "/payments/capture", "/payments/refund",
		"/payments/chargeback", "/admin/payments/fix", "/admin/janitor/run",
	} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405 got %d", path, w.Code)
		}
		if allow := w.Header().Get("Allow"); allow != "POST" {
			t.Errorf("%s: Allow = %q", path, allow)
		}
	}
}

func TestAuthorizeThroughRouter(t *testing.T) {
	h := setupRouter(t)
	body := `{"account_id":"acc-1","payment_external_key":"pay-1","transaction_external_key":"tx-1","amount":"10"}`
	r := httptest.NewRequest(http.MethodPost, "/payments/authorize", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", w.Code, w.Body.String())
	}
	var view struct {
		Payment struct {
			State string `json:"State"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Payment.State != "AUTH_SUCCESS" {
		t.Fatalf("state = %q body = %s", view.Payment.State, w.Body.String())
	}

	// Retrieval by external key through the query endpoint.
	r = httptest.NewRequest(http.MethodGet, "/payments/get?external_key=pay-1", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200 got %d", w.Code)
	}
}

func TestJanitorTriggerEndpoint(t *testing.T) {
	h := setupRouter(t)
	r := httptest.NewRequest(http.MethodPost, "/admin/janitor/run", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp["advanced"]; !ok {
		t.Fatalf("missing advanced count: %v", resp)
	}
}
