package statemachine

import (
	"github.com/diewo77/payment-core/internal/ledger"
	"github.com/diewo77/payment-core/internal/models"
	"github.com/diewo77/payment-core/internal/payments"
)

// State names are derived per (transaction type, terminal outcome), e.g.
// AUTH_SUCCESS, CAPTURE_ERRORED, REFUND_FAILED.
func StateFor(t models.TransactionType, s models.TransactionStatus) string {
	return prefixFor(t) + "_" + suffixFor(s)
}

func prefixFor(t models.TransactionType) string {
	switch t {
	case models.TransactionAuthorize:
		return "AUTH"
	default:
		return string(t)
	}
}

func suffixFor(s models.TransactionStatus) string {
	switch s {
	case models.StatusSuccess:
		return "SUCCESS"
	case models.StatusPending:
		return "PENDING"
	case models.StatusPaymentFailure:
		return "FAILED"
	default:
		// PLUGIN_FAILURE and UNKNOWN both leave the payment errored; the row
		// status keeps the finer distinction.
		return "ERRORED"
	}
}

// Config is a transition table: which transaction types may run next given
// the payment's last successful state. Legality is configuration-driven so a
// deployment can load the permissive table instead.
type Config struct {
	Name    string
	allowed map[string][]models.TransactionType
}

// initialState keys the table before any transaction succeeded.
const initialState = ""

// Default forbids VOID once a capture succeeded and forbids CAPTURE after a
// void. Permissive allows void-after-capture and capturing again once a
// capture-void released the funds (as long as the auth itself is not voided).
func Default() *Config {
	return &Config{
		Name: "default",
		allowed: map[string][]models.TransactionType{
			initialState:         {models.TransactionAuthorize, models.TransactionPurchase, models.TransactionCredit, models.TransactionChargeback},
			"AUTH_SUCCESS":       {models.TransactionCapture, models.TransactionVoid, models.TransactionChargeback},
			"CAPTURE_SUCCESS":    {models.TransactionCapture, models.TransactionRefund, models.TransactionChargeback},
			"PURCHASE_SUCCESS":   {models.TransactionRefund, models.TransactionChargeback},
			"CREDIT_SUCCESS":     {models.TransactionRefund, models.TransactionChargeback},
			"REFUND_SUCCESS":     {models.TransactionCapture, models.TransactionRefund, models.TransactionChargeback},
			"VOID_SUCCESS":       {},
			"CHARGEBACK_SUCCESS": {models.TransactionChargeback},
		},
	}
}

func Permissive() *Config {
	cfg := Default()
	cfg.Name = "permissive"
	cfg.allowed["CAPTURE_SUCCESS"] = append(cfg.allowed["CAPTURE_SUCCESS"], models.TransactionVoid)
	cfg.allowed["VOID_SUCCESS"] = []models.TransactionType{models.TransactionCapture, models.TransactionVoid}
	return cfg
}

// ForName returns the named configuration, defaulting to Default.
func ForName(name string) *Config {
	if name == "permissive" {
		return Permissive()
	}
	return Default()
}

// Validate checks whether next may run against the payment as it stands.
// The payment's transactions must be loaded in insertion order; the aggregate
// fold supplies the guards that the bare table cannot express.
func (c *Config) Validate(p *models.Payment, next models.TransactionType) error {
	agg := ledger.Compute(p)

	if next == models.TransactionRefund && agg.ChargebackActive {
		return payments.Errf(payments.CodeInvalidOperation,
			"refund forbidden while a chargeback is in dispute on payment %s", p.ID)
	}
	if next == models.TransactionCapture && agg.AuthVoided {
		return payments.Errf(payments.CodeInvalidOperation,
			"capture forbidden: authorization on payment %s was voided", p.ID)
	}
	if next == models.TransactionVoid && agg.AuthVoided {
		return payments.Errf(payments.CodeInvalidOperation,
			"void forbidden: authorization on payment %s is already voided", p.ID)
	}

	allowed, ok := c.allowed[p.LastSuccessState]
	if !ok {
		// Failed-only history keeps the initial choices open.
		allowed = c.allowed[initialState]
	}
	for _, t := range allowed {
		if t == next {
			return nil
		}
	}
	return payments.Errf(payments.CodeInvalidOperation,
		"%s not allowed from state %s under %s configuration", next, stateOrInitial(p.LastSuccessState), c.Name)
}

func stateOrInitial(s string) string {
	if s == "" {
		return "INITIAL"
	}
	return s
}
