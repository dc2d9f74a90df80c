package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/diewo77/payment-core/internal/control"
	"github.com/diewo77/payment-core/internal/invoker"
	"github.com/diewo77/payment-core/internal/ledger"
	"github.com/diewo77/payment-core/internal/models"
	"github.com/diewo77/payment-core/internal/payments"
	"github.com/diewo77/payment-core/internal/plugin"
	"github.com/diewo77/payment-core/internal/resolver"
	"github.com/diewo77/payment-core/internal/statemachine"
)

// PaymentService drives every money-moving operation through the pipeline:
// resolver -> control prior hooks -> ledger append -> gateway invoker ->
// advance/state -> control post hooks. Aggregates are recomputed on read.
type PaymentService struct {
	db           *gorm.DB
	ledger       *ledger.Ledger
	resolver     *resolver.Resolver
	invoker      *invoker.Invoker
	registry     *plugin.Registry
	orchestrator *control.Orchestrator
	sm           *statemachine.Config

	// DefaultPluginName backs payment methods that do not name a gateway.
	DefaultPluginName string
}

func NewPaymentService(db *gorm.DB, registry *plugin.Registry, sm *statemachine.Config, pluginTimeout time.Duration) *PaymentService {
	l := ledger.New(db)
	return &PaymentService{
		db:                db,
		ledger:            l,
		resolver:          resolver.New(l),
		invoker:           invoker.New(pluginTimeout),
		registry:          registry,
		orchestrator:      control.New(registry, db),
		sm:                sm,
		DefaultPluginName: "noop",
	}
}

// Ledger exposes the underlying ledger (janitor and handlers share it).
func (s *PaymentService) Ledger() *ledger.Ledger { return s.ledger }

// TransactionRequest is the caller-facing input for every operation.
type TransactionRequest struct {
	AccountID              string            `json:"account_id"`
	PaymentID              string            `json:"payment_id,omitempty"`
	PaymentExternalKey     string            `json:"payment_external_key,omitempty"`
	TransactionExternalKey string            `json:"transaction_external_key,omitempty"`
	Amount                 decimal.Decimal   `json:"amount"`
	Currency               string            `json:"currency,omitempty"`
	PaymentMethodID        string            `json:"payment_method_id,omitempty"`
	ControlPluginNames     []string          `json:"control_plugin_names,omitempty"`
	Properties             map[string]string `json:"properties,omitempty"`
}

// PaymentView is a payment with its derived aggregate amounts.
type PaymentView struct {
	Payment   *models.Payment  `json:"payment"`
	Aggregate ledger.Aggregate `json:"aggregate"`
}

func (s *PaymentService) CreateAuthorization(ctx context.Context, req TransactionRequest) (*PaymentView, error) {
	return s.createTransaction(ctx, req, models.TransactionAuthorize)
}

func (s *PaymentService) CreateCapture(ctx context.Context, req TransactionRequest) (*PaymentView, error) {
	return s.createTransaction(ctx, req, models.TransactionCapture)
}

func (s *PaymentService) CreatePurchase(ctx context.Context, req TransactionRequest) (*PaymentView, error) {
	return s.createTransaction(ctx, req, models.TransactionPurchase)
}

func (s *PaymentService) CreateVoid(ctx context.Context, req TransactionRequest) (*PaymentView, error) {
	return s.createTransaction(ctx, req, models.TransactionVoid)
}

func (s *PaymentService) CreateCredit(ctx context.Context, req TransactionRequest) (*PaymentView, error) {
	return s.createTransaction(ctx, req, models.TransactionCredit)
}

func (s *PaymentService) CreateRefund(ctx context.Context, req TransactionRequest) (*PaymentView, error) {
	return s.createTransaction(ctx, req, models.TransactionRefund)
}

func (s *PaymentService) createTransaction(ctx context.Context, req TransactionRequest, txType models.TransactionType) (*PaymentView, error) {
	account, err := s.loadAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if req.Currency == "" {
		req.Currency = account.Currency
	}
	if req.TransactionExternalKey == "" {
		req.TransactionExternalKey = uuid.NewString()
	}
	if txType.Initiating() && req.PaymentExternalKey == "" && req.PaymentID == "" {
		req.PaymentExternalKey = uuid.NewString()
	}

	decision, err := s.resolver.Resolve(ctx, resolver.Request{
		AccountID:              req.AccountID,
		PaymentID:              req.PaymentID,
		PaymentExternalKey:     req.PaymentExternalKey,
		TransactionExternalKey: req.TransactionExternalKey,
		Type:                   txType,
		Amount:                 req.Amount,
		Currency:               req.Currency,
	})
	if err != nil {
		return nil, err
	}

	// A completion call may omit the amount and inherit the pending row's;
	// only a fresh row needs one up front.
	if requiresAmount(txType) {
		if req.Amount.IsNegative() ||
			(decision.Kind == resolver.KindCreate && !req.Amount.IsPositive()) {
			return nil, payments.Errf(payments.CodeInvalidParameter, "%s requires a positive amount", txType)
		}
	}

	if decision.Payment != nil && decision.Kind == resolver.KindCreate {
		if err := s.sm.Validate(decision.Payment, txType); err != nil {
			return nil, err
		}
	}

	methodID, gw, err := s.resolveGateway(ctx, account, req.PaymentMethodID, decision.Payment)
	if err != nil {
		return nil, err
	}

	// Control plugins may redirect amount, currency or payment method, or
	// abort the whole operation before any transaction row exists.
	var attempt *models.PaymentAttempt
	cc := &plugin.ControlContext{
		AccountID:              req.AccountID,
		PaymentExternalKey:     req.PaymentExternalKey,
		TransactionExternalKey: req.TransactionExternalKey,
		TransactionType:        txType,
		Amount:                 req.Amount,
		Currency:               req.Currency,
		PaymentMethodID:        methodID,
		Properties:             req.Properties,
	}
	if len(req.ControlPluginNames) > 0 {
		attempt, err = s.orchestrator.Prior(ctx, req.ControlPluginNames, cc)
		if err != nil {
			return nil, err
		}
		if cc.PaymentMethodID != methodID {
			methodID, gw, err = s.resolveGateway(ctx, account, cc.PaymentMethodID, nil)
			if err != nil {
				return nil, err
			}
		}
	}

	pay, txn, err := s.prepareRow(ctx, req, decision, cc, txType, methodID, attempt)
	if err != nil {
		return nil, err
	}
	if attempt != nil && attempt.TransactionID == "" {
		if err := s.orchestrator.BindTransaction(ctx, attempt, txn.ID); err != nil {
			log.Printf("payment %s: bind attempt %s: %v", pay.ID, attempt.ID, err)
		}
	}

	outcome := s.invoker.Invoke(ctx, gw, txType, plugin.CallRequest{
		AccountID:     req.AccountID,
		PaymentID:     pay.ID,
		TransactionID: txn.ID,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Properties:    cc.Properties,
	})

	txn.Status = outcome.Status
	txn.ProcessedAmount = outcome.ProcessedAmount
	txn.ProcessedCurrency = outcome.ProcessedCurrency
	txn.GatewayErrorCode = outcome.GatewayErrorCode
	txn.GatewayErrorMsg = outcome.GatewayErrorMsg
	state := statemachine.StateFor(txType, outcome.Status)
	lastSuccess := ""
	if outcome.Status == models.StatusSuccess {
		lastSuccess = state
	}
	if _, advErr := s.ledger.Advance(ctx, txn, state, lastSuccess); advErr != nil {
		return nil, advErr
	}

	if attempt != nil {
		if cerr := s.orchestrator.OnCompletion(ctx, attempt, req.ControlPluginNames, cc, outcome.Status == models.StatusSuccess); cerr != nil {
			log.Printf("payment %s: control completion hooks: %v", pay.ID, cerr)
		}
	}

	// A timeout or an unexplained plugin failure surfaces as an error even
	// though the row was persisted: the caller must re-query by external key
	// to learn the true state once the janitor has reconciled it.
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	return s.view(ctx, pay.ID)
}

// prepareRow either appends a fresh transaction row or claims the in-flight
// row a completion call targets.
func (s *PaymentService) prepareRow(ctx context.Context, req TransactionRequest, decision *resolver.Decision, cc *plugin.ControlContext, txType models.TransactionType, methodID string, attempt *models.PaymentAttempt) (*models.Payment, *models.PaymentTransaction, error) {
	if decision.Kind == resolver.KindComplete {
		txn := decision.Target
		if req.Amount.IsZero() {
			if req.Currency != "" && txn.Currency != "" && req.Currency != txn.Currency {
				return nil, nil, payments.Errf(payments.CodeInvalidParameter,
					"currency %s does not match pending transaction currency %s", req.Currency, txn.Currency)
			}
		} else {
			txn.Amount = cc.Amount
			txn.Currency = cc.Currency
		}
		return decision.Payment, txn, nil
	}

	pay := decision.Payment
	if pay == nil {
		pay = &models.Payment{
			AccountID:       req.AccountID,
			PaymentMethodID: methodID,
			ExternalKey:     req.PaymentExternalKey,
			Currency:        cc.Currency,
		}
	}
	txn := &models.PaymentTransaction{
		Type:        txType,
		ExternalKey: req.TransactionExternalKey,
		Status:      models.StatusPending,
		Amount:      cc.Amount,
		Currency:    cc.Currency,
	}
	if txType == models.TransactionVoid {
		txn.Currency = "" // a void carries no amount
		txn.Amount = decimal.Zero
	}
	if attempt != nil {
		txn.AttemptID = attempt.ID
	}
	if err := s.ledger.Append(ctx, pay, txn); err != nil {
		return nil, nil, err
	}
	return pay, txn, nil
}

// NotifyChargeback records a dispute clawing back settled funds. No gateway
// call is made: the chargeback already happened at the processor.
func (s *PaymentService) NotifyChargeback(ctx context.Context, req TransactionRequest) (*PaymentView, error) {
	if req.TransactionExternalKey == "" {
		req.TransactionExternalKey = uuid.NewString()
	}
	if !req.Amount.IsPositive() {
		return nil, payments.Errf(payments.CodeInvalidParameter, "chargeback requires a positive amount")
	}
	decision, err := s.resolver.Resolve(ctx, resolver.Request{
		AccountID:              req.AccountID,
		PaymentID:              req.PaymentID,
		PaymentExternalKey:     req.PaymentExternalKey,
		TransactionExternalKey: req.TransactionExternalKey,
		Type:                   models.TransactionChargeback,
		Amount:                 req.Amount,
		Currency:               req.Currency,
	})
	if err != nil {
		return nil, err
	}
	if decision.Kind != resolver.KindCreate || decision.Payment == nil {
		return nil, payments.Errf(payments.CodeNoSuchPayment, "chargeback requires an existing payment")
	}
	pay := decision.Payment
	if err := s.sm.Validate(pay, models.TransactionChargeback); err != nil {
		return nil, err
	}
	currency := req.Currency
	if currency == "" {
		currency = pay.Currency
	}
	txn := &models.PaymentTransaction{
		Type:        models.TransactionChargeback,
		ExternalKey: req.TransactionExternalKey,
		Status:      models.StatusSuccess,
		Amount:      req.Amount,
		Currency:    currency,
		ProcessedAmount: decimal.NullDecimal{
			Decimal: req.Amount,
			Valid:   true,
		},
		ProcessedCurrency: currency,
	}
	if err := s.ledger.Append(ctx, pay, txn); err != nil {
		return nil, err
	}
	state := statemachine.StateFor(models.TransactionChargeback, models.StatusSuccess)
	if err := s.ledger.SetPaymentState(ctx, pay.ID, state, state); err != nil {
		return nil, err
	}
	return s.view(ctx, pay.ID)
}

// NotifyChargebackReversal records that a previously notified chargeback was
// won: a CHARGEBACK row in PAYMENT_FAILURE restores the disputed funds.
// chargebackKey must reference a successful chargeback on this account.
func (s *PaymentService) NotifyChargebackReversal(ctx context.Context, accountID, chargebackKey string) (*PaymentView, error) {
	rows, err := s.ledger.TransactionsByExternalKey(ctx, chargebackKey)
	if err != nil {
		return nil, err
	}
	var disputed *models.PaymentTransaction
	for i := range rows {
		row := &rows[i]
		if row.AccountID != accountID {
			return nil, payments.Errf(payments.CodeDifferentAccountID,
				"chargeback key belongs to another account")
		}
		if row.Type == models.TransactionChargeback && row.Status == models.StatusSuccess {
			disputed = row
			break
		}
	}
	if disputed == nil {
		return nil, payments.Errf(payments.CodeNoSuchSuccessPayment,
			"no successful chargeback found for key %q", chargebackKey)
	}

	pay, err := s.ledger.Get(ctx, disputed.PaymentID)
	if err != nil {
		return nil, err
	}
	reversals := 0
	for i := range pay.Transactions {
		t := &pay.Transactions[i]
		if t.Type == models.TransactionChargeback && t.Status == models.StatusPaymentFailure {
			reversals++
		}
	}
	txn := &models.PaymentTransaction{
		Type: models.TransactionChargeback,
		// The disputed key itself is spent (SUCCESS); the reversal row gets a
		// derived key so the fold can still pair them by order.
		ExternalKey: fmt.Sprintf("%s-reversal-%d", chargebackKey, reversals+1),
		Status:      models.StatusPaymentFailure,
		Amount:      disputed.Amount,
		Currency:    disputed.Currency,
	}
	if err := s.ledger.Append(ctx, pay, txn); err != nil {
		return nil, err
	}
	state := statemachine.StateFor(models.TransactionChargeback, models.StatusPaymentFailure)
	if err := s.ledger.SetPaymentState(ctx, pay.ID, state, ""); err != nil {
		return nil, err
	}
	return s.view(ctx, pay.ID)
}

// GetPayment returns the payment with aggregates recomputed from history.
func (s *PaymentService) GetPayment(ctx context.Context, id string) (*PaymentView, error) {
	return s.view(ctx, id)
}

func (s *PaymentService) GetPaymentByExternalKey(ctx context.Context, key string) (*PaymentView, error) {
	pay, err := s.ledger.ByExternalKey(ctx, key)
	if err != nil {
		return nil, err
	}
	agg := ledger.Compute(pay)
	return &PaymentView{Payment: pay, Aggregate: agg}, nil
}

// SearchPayments pages over the ledger; a thin query, no aggregates folded
// beyond the matched page.
func (s *PaymentService) SearchPayments(ctx context.Context, accountID, q string, limit, offset int) ([]PaymentView, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	pays, total, err := s.ledger.SearchPayments(ctx, accountID, q, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	views := make([]PaymentView, 0, len(pays))
	for i := range pays {
		views = append(views, PaymentView{Payment: &pays[i], Aggregate: ledger.Compute(&pays[i])})
	}
	return views, total, nil
}

// FixTransactionState is the administrative escape hatch: it force-sets a
// transaction's status and the payment's state name, bypassing the transition
// table. LastSuccessState is still recomputed consistently from history.
func (s *PaymentService) FixTransactionState(ctx context.Context, txnID string, status models.TransactionStatus, stateName, comment string) (*PaymentView, error) {
	switch status {
	case models.StatusPending, models.StatusSuccess, models.StatusPaymentFailure,
		models.StatusPluginFailure, models.StatusUnknown:
	default:
		return nil, payments.Errf(payments.CodeInvalidParameter, "unknown status %q", status)
	}
	if stateName == "" {
		return nil, payments.Errf(payments.CodeInvalidParameter, "explicit state name required")
	}
	txn, err := s.ledger.Transaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	pay, err := s.ledger.Get(ctx, txn.PaymentID)
	if err != nil {
		return nil, err
	}
	lastSuccess := ""
	if status == models.StatusSuccess {
		lastSuccess = stateName
	} else {
		for i := range pay.Transactions {
			t := &pay.Transactions[i]
			if t.ID != txnID && t.Status == models.StatusSuccess {
				lastSuccess = statemachine.StateFor(t.Type, t.Status)
			}
		}
	}
	if err := s.ledger.ForceFix(ctx, txnID, status, stateName, lastSuccess, comment); err != nil {
		return nil, err
	}
	return s.view(ctx, txn.PaymentID)
}

func (s *PaymentService) view(ctx context.Context, paymentID string) (*PaymentView, error) {
	pay, err := s.ledger.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	agg := ledger.Compute(pay)
	return &PaymentView{Payment: pay, Aggregate: agg}, nil
}

func (s *PaymentService) loadAccount(ctx context.Context, accountID string) (*models.Account, error) {
	if accountID == "" {
		return nil, payments.Errf(payments.CodeInvalidParameter, "account id is required")
	}
	var account models.Account
	err := s.db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, payments.Errf(payments.CodeInvalidParameter, "account %s not found", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return &account, nil
}

// resolveGateway picks the payment method (explicit > payment's > account
// default) and the gateway plugin it names.
func (s *PaymentService) resolveGateway(ctx context.Context, account *models.Account, methodID string, pay *models.Payment) (string, plugin.Gateway, error) {
	if methodID == "" && pay != nil {
		methodID = pay.PaymentMethodID
	}
	var method models.PaymentMethod
	var err error
	if methodID != "" {
		err = s.db.WithContext(ctx).Where("id = ?", methodID).First(&method).Error
	} else {
		err = s.db.WithContext(ctx).
			Where("account_id = ? AND is_default = ?", account.ID, true).First(&method).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// No stored method: fall back to the default plugin so development
		// setups work out of the box.
		gw, gerr := s.registry.Gateway(s.DefaultPluginName)
		if gerr != nil {
			return "", nil, payments.Errf(payments.CodeInvalidParameter,
				"no payment method for account %s and no default gateway", account.ID)
		}
		return methodID, gw, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("load payment method: %w", err)
	}
	gw, err := s.registry.Gateway(method.PluginName)
	if err != nil {
		return "", nil, err
	}
	return method.ID, gw, nil
}

func requiresAmount(t models.TransactionType) bool {
	switch t {
	case models.TransactionVoid:
		return false
	}
	return true
}
