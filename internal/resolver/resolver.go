package resolver

import (
	"context"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/diewo77/payment-core/internal/ledger"
	"github.com/diewo77/payment-core/internal/models"
	"github.com/diewo77/payment-core/internal/payments"
)

// Request is everything the resolver needs to classify an incoming call
// before any gateway work happens.
type Request struct {
	AccountID              string
	PaymentID              string // optional
	PaymentExternalKey     string // optional
	TransactionExternalKey string // required (service generates one if absent)
	Type                   models.TransactionType
	Amount                 decimal.Decimal
	Currency               string
}

// Kind tags the resolver's decision.
type Kind int

const (
	// KindCreate means: append a brand-new transaction row (creating the
	// payment when Payment is nil).
	KindCreate Kind = iota
	// KindComplete means: this call completes the existing PENDING/UNKNOWN
	// row in Target; no new row may be created.
	KindComplete
)

type Decision struct {
	Kind Kind
	// Payment is loaded with ordered transactions; nil for a first-ever call.
	Payment *models.Payment
	// Target is the in-flight row to complete when Kind is KindComplete.
	Target *models.PaymentTransaction
}

// Resolver classifies requests against the ledger. Its read-then-decide
// answer is re-validated at write time by the ledger's unique constraints, so
// a concurrent duplicate resolves as one winner and one rejected caller.
type Resolver struct {
	ledger *ledger.Ledger
}

func New(l *ledger.Ledger) *Resolver { return &Resolver{ledger: l} }

const maxExternalKeyLen = 255

func validateKey(key string, required bool) error {
	if key == "" {
		if required {
			return payments.Errf(payments.CodeInvalidParameter, "transaction external key is required")
		}
		return nil
	}
	if len(key) > maxExternalKeyLen {
		return payments.Errf(payments.CodeExternalKeyLimitExceeded,
			"external key exceeds %d characters", maxExternalKeyLen)
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return payments.Errf(payments.CodeInvalidParameter, "external key contains control characters")
		}
	}
	return nil
}

// Resolve applies the decision table in order. See the package tests for the
// full matrix.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Decision, error) {
	if !req.Type.Valid() {
		return nil, payments.Errf(payments.CodeInvalidParameter, "unknown transaction type %q", req.Type)
	}
	if err := validateKey(req.TransactionExternalKey, true); err != nil {
		return nil, err
	}
	if err := validateKey(req.PaymentExternalKey, false); err != nil {
		return nil, err
	}

	pay, err := r.lookupPayment(ctx, req)
	if err != nil {
		return nil, err
	}
	if pay != nil && pay.AccountID != req.AccountID {
		return nil, payments.Errf(payments.CodeDifferentAccountID,
			"payment external key belongs to another account")
	}

	rows, err := r.ledger.TransactionsByExternalKey(ctx, req.TransactionExternalKey)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		row := &rows[i]
		if row.AccountID != req.AccountID {
			return nil, payments.Errf(payments.CodeDifferentAccountID,
				"transaction external key belongs to another account")
		}
		switch row.Status {
		case models.StatusSuccess:
			// A key bound to a SUCCESS row is spent forever.
			return nil, payments.Errf(payments.CodeActiveTransactionKey,
				"transaction external key %q already succeeded", req.TransactionExternalKey)
		case models.StatusPending, models.StatusUnknown:
			// The key references an in-flight row: this call may only
			// complete that exact row, never create a sibling.
			if row.Type != req.Type {
				return nil, payments.Errf(payments.CodeInvalidParameter,
					"completion type %s does not match pending transaction type %s", req.Type, row.Type)
			}
			if pay != nil && pay.ID != row.PaymentID {
				return nil, payments.Errf(payments.CodeInvalidParameter,
					"transaction external key belongs to a different payment")
			}
			if pay == nil {
				pay, err = r.ledger.Get(ctx, row.PaymentID)
				if err != nil {
					return nil, err
				}
			}
			return &Decision{Kind: KindComplete, Payment: pay, Target: row}, nil
		}
		// FAILURE rows release the key: fall through and allow a fresh row.
	}

	if req.Type.Initiating() {
		if pay != nil && hasInitiatingSuccess(pay) {
			return nil, payments.Errf(payments.CodeInvalidOperation,
				"payment %s already has a successful initiating transaction", pay.ID)
		}
	} else if pay == nil {
		return nil, payments.Errf(payments.CodeNoSuchPayment,
			"%s requires an existing payment", req.Type)
	}

	return &Decision{Kind: KindCreate, Payment: pay}, nil
}

func (r *Resolver) lookupPayment(ctx context.Context, req Request) (*models.Payment, error) {
	if req.PaymentID != "" {
		return r.ledger.Get(ctx, req.PaymentID)
	}
	if req.PaymentExternalKey != "" {
		pay, err := r.ledger.ByExternalKey(ctx, req.PaymentExternalKey)
		if err != nil {
			if payments.IsCode(err, payments.CodeNoSuchPayment) {
				return nil, nil // first transaction under this key
			}
			return nil, err
		}
		return pay, nil
	}
	return nil, nil
}

func hasInitiatingSuccess(p *models.Payment) bool {
	for i := range p.Transactions {
		t := &p.Transactions[i]
		if t.Type.Initiating() && t.Status == models.StatusSuccess {
			return true
		}
	}
	return false
}
