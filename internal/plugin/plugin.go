package plugin

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/diewo77/payment-core/internal/models"
	"github.com/diewo77/payment-core/internal/payments"
)

// Status is what a gateway reports for an operation. The invoker maps it onto
// the ledger's transaction statuses.
type Status string

const (
	StatusProcessed Status = "PROCESSED"
	StatusPending   Status = "PENDING"
	StatusError     Status = "ERROR"
	StatusCanceled  Status = "CANCELED"
	StatusUndefined Status = "UNDEFINED"
)

// CallRequest is the normalized request handed to a gateway operation.
type CallRequest struct {
	AccountID     string
	PaymentID     string
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Properties    map[string]string
}

// CallResult is a gateway's answer, trusted only after normalization.
type CallResult struct {
	Status            Status
	ProcessedAmount   decimal.NullDecimal
	ProcessedCurrency string
	GatewayErrorCode  string
	GatewayErrorMsg   string
}

// Gateway is the external payment plugin. It is treated as untrusted and
// unreliable: any call may block, fail, or report UNDEFINED.
type Gateway interface {
	Name() string
	Authorize(ctx context.Context, req CallRequest) (*CallResult, error)
	Capture(ctx context.Context, req CallRequest) (*CallResult, error)
	Purchase(ctx context.Context, req CallRequest) (*CallResult, error)
	Void(ctx context.Context, req CallRequest) (*CallResult, error)
	Credit(ctx context.Context, req CallRequest) (*CallResult, error)
	Refund(ctx context.Context, req CallRequest) (*CallResult, error)

	// GetTransactionInfo re-queries the authoritative status of a previously
	// submitted transaction; the janitor relies on it.
	GetTransactionInfo(ctx context.Context, paymentID, transactionID string) (*CallResult, error)
}

// ControlContext is the mutable view a control plugin sees of the operation
// about to run (or just finished).
type ControlContext struct {
	AccountID              string
	PaymentExternalKey     string
	TransactionExternalKey string
	TransactionType        models.TransactionType
	Amount                 decimal.Decimal
	Currency               string
	PaymentMethodID        string
	Properties             map[string]string
}

// PriorResult lets a control plugin redirect the operation before the gateway
// is invoked. Nil pointer fields mean "unchanged".
type PriorResult struct {
	Aborted                 bool
	AdjustedAmount          *decimal.Decimal
	AdjustedCurrency        string
	AdjustedPaymentMethodID string
	AdjustedProperties      map[string]string
}

// Control is the optional pre/post hook plugin. OnSuccessCall/OnFailureCall
// are informational; returned properties are merged into the attempt record.
type Control interface {
	Name() string
	PriorCall(ctx context.Context, cc *ControlContext) (*PriorResult, error)
	OnSuccessCall(ctx context.Context, cc *ControlContext) (map[string]string, error)
	OnFailureCall(ctx context.Context, cc *ControlContext) (map[string]string, error)
}

// Registry is an explicit named lookup of gateway and control plugins. It is
// passed by reference into the invoker and orchestrator so tests can build
// one per scenario; there is deliberately no process-wide instance.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	controls map[string]Control
}

func NewRegistry() *Registry {
	return &Registry{
		gateways: make(map[string]Gateway),
		controls: make(map[string]Control),
	}
}

func (r *Registry) RegisterGateway(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Name()] = g
}

func (r *Registry) Gateway(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[name]
	if !ok {
		return nil, payments.Errf(payments.CodeInvalidParameter, "unknown gateway plugin %q", name)
	}
	return g, nil
}

func (r *Registry) RegisterControl(c Control) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controls[c.Name()] = c
}

func (r *Registry) Control(name string) (Control, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controls[name]
	if !ok {
		return nil, payments.Errf(payments.CodeInvalidParameter, "unknown control plugin %q", name)
	}
	return c, nil
}
