package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/diewo77/payment-core/internal/models"
	"github.com/diewo77/payment-core/internal/payments"
)

// Ledger is the append/advance transaction log. All financial invariants are
// scoped to a single payment's ordered sequence, so no cross-payment locking
// is needed: uniqueness races resolve as constraint violations and Advance is
// a conditional update.
type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger { return &Ledger{db: db} }

// DB exposes the underlying handle for collaborators (accounts, audit).
func (l *Ledger) DB() *gorm.DB { return l.db }

var activeStatuses = []models.TransactionStatus{
	models.StatusPending, models.StatusUnknown, models.StatusSuccess,
}

// Append inserts a new transaction at the end of the payment's sequence,
// creating the Payment row when this is the first transaction. The write is
// re-validated by the DB constraints, so a read-then-decide race with a
// concurrent creator resolves here rather than duplicating rows.
func (l *Ledger) Append(ctx context.Context, pay *models.Payment, txn *models.PaymentTransaction) error {
	for attempt := 0; attempt < 3; attempt++ {
		err := l.tryAppend(ctx, pay, txn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
		// Who won the race? An active row under the same key means the key is
		// taken; a payment row under our payment key means a concurrent
		// creator beat us and we should append onto their payment; otherwise
		// it was a position collision and we simply retry.
		var existing models.PaymentTransaction
		if res := l.db.WithContext(ctx).
			Where("account_id = ? AND external_key = ? AND status IN ?", txn.AccountID, txn.ExternalKey, activeStatuses).
			First(&existing); res.Error == nil {
			return payments.Errf(payments.CodeActiveTransactionKey,
				"transaction external key %q is already active", txn.ExternalKey)
		}
		if pay.ID == "" {
			var existingPay models.Payment
			if res := l.db.WithContext(ctx).
				Where("external_key = ?", pay.ExternalKey).First(&existingPay); res.Error == nil {
				if existingPay.AccountID != pay.AccountID {
					return payments.Errf(payments.CodeDifferentAccountID,
						"payment external key %q belongs to another account", pay.ExternalKey)
				}
				*pay = existingPay
			}
		}
	}
	return payments.Errf(payments.CodeInvalidOperation,
		"could not append transaction %q after retries", txn.ExternalKey)
}

func (l *Ledger) tryAppend(ctx context.Context, pay *models.Payment, txn *models.PaymentTransaction) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if pay.ID == "" {
			pay.ID = uuid.NewString()
			if err := tx.Create(pay).Error; err != nil {
				pay.ID = ""
				return err
			}
		}
		var count int64
		if err := tx.Model(&models.PaymentTransaction{}).
			Where("payment_id = ?", pay.ID).Count(&count).Error; err != nil {
			return err
		}
		if txn.ID == "" {
			txn.ID = uuid.NewString()
		}
		txn.PaymentID = pay.ID
		txn.AccountID = pay.AccountID
		txn.Position = int(count) + 1
		if txn.Status == "" {
			txn.Status = models.StatusPending
		}
		return tx.Create(txn).Error
	})
}

// Advance transitions an existing PENDING/UNKNOWN row exactly once. The guard
// `status IN (PENDING, UNKNOWN)` makes the janitor and a client completion
// call race harmlessly: the first terminal transition wins, a repeat with the
// same status is a no-op, and a conflicting terminal status is rejected.
// Returns the row and whether this call applied the transition.
func (l *Ledger) Advance(ctx context.Context, txn *models.PaymentTransaction, state string, lastSuccess string) (bool, error) {
	if !txn.Status.Terminal() && txn.Status != models.StatusPending && txn.Status != models.StatusUnknown {
		return false, payments.Errf(payments.CodeInvalidParameter, "unknown target status %q", txn.Status)
	}
	applied := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":             txn.Status,
			"amount":             txn.Amount,
			"currency":           txn.Currency,
			"processed_amount":   txn.ProcessedAmount,
			"processed_currency": txn.ProcessedCurrency,
			"gateway_error_code": txn.GatewayErrorCode,
			"gateway_error_msg":  txn.GatewayErrorMsg,
			"updated_at":         time.Now(),
		}
		res := tx.Model(&models.PaymentTransaction{}).
			Where("id = ? AND status IN ?", txn.ID,
				[]models.TransactionStatus{models.StatusPending, models.StatusUnknown}).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var current models.PaymentTransaction
			if err := tx.Where("id = ?", txn.ID).First(&current).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return payments.Errf(payments.CodeNoSuchPayment, "transaction %s not found", txn.ID)
				}
				return err
			}
			if current.Status == txn.Status {
				// A repeat is only idempotent when it does not contradict the
				// recorded gateway data; a carried claim must match.
				if txn.ProcessedAmount.Valid &&
					(!current.ProcessedAmount.Valid || !current.ProcessedAmount.Decimal.Equal(txn.ProcessedAmount.Decimal)) {
					return payments.Errf(payments.CodeInvalidOperation,
						"transaction %s already %s with a different processed amount", txn.ID, current.Status)
				}
				if txn.ProcessedCurrency != "" && txn.ProcessedCurrency != current.ProcessedCurrency {
					return payments.Errf(payments.CodeInvalidOperation,
						"transaction %s already %s with a different processed currency", txn.ID, current.Status)
				}
				*txn = current
				return nil // idempotent repeat
			}
			return payments.Errf(payments.CodeInvalidOperation,
				"transaction %s already %s, cannot set %s", txn.ID, current.Status, txn.Status)
		}
		applied = true
		payUpdates := map[string]any{"state": state, "updated_at": time.Now()}
		if txn.Status == models.StatusSuccess && lastSuccess != "" {
			payUpdates["last_success_state"] = lastSuccess
		}
		return tx.Model(&models.Payment{}).Where("id = ?", txn.PaymentID).Updates(payUpdates).Error
	})
	return applied, err
}

// SetPaymentState records the payment's state names after a transaction was
// appended directly in a terminal status (chargebacks never go through
// Advance since there is no gateway call to wait for).
func (l *Ledger) SetPaymentState(ctx context.Context, paymentID, state, lastSuccess string) error {
	updates := map[string]any{"state": state, "updated_at": time.Now()}
	if lastSuccess != "" {
		updates["last_success_state"] = lastSuccess
	}
	return l.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", paymentID).Updates(updates).Error
}

// Get loads a payment with its transactions in insertion order.
func (l *Ledger) Get(ctx context.Context, id string) (*models.Payment, error) {
	var pay models.Payment
	err := l.db.WithContext(ctx).
		Preload("Transactions", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		Where("id = ?", id).First(&pay).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, payments.Errf(payments.CodeNoSuchPayment, "payment %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	return &pay, nil
}

// ByExternalKey loads a payment by its external key, across accounts; the
// resolver is responsible for the cross-account rejection.
func (l *Ledger) ByExternalKey(ctx context.Context, key string) (*models.Payment, error) {
	var pay models.Payment
	err := l.db.WithContext(ctx).
		Preload("Transactions", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		Where("external_key = ?", key).First(&pay).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, payments.Errf(payments.CodeNoSuchPayment, "payment with key %q not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("load payment by key: %w", err)
	}
	return &pay, nil
}

// TransactionsByExternalKey returns every row ever created under key, newest
// first, across accounts.
func (l *Ledger) TransactionsByExternalKey(ctx context.Context, key string) ([]models.PaymentTransaction, error) {
	var txns []models.PaymentTransaction
	err := l.db.WithContext(ctx).
		Where("external_key = ?", key).
		Order("created_at desc, position desc").Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("load transactions by key: %w", err)
	}
	return txns, nil
}

// Transaction loads a single row by id.
func (l *Ledger) Transaction(ctx context.Context, id string) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := l.db.WithContext(ctx).Where("id = ?", id).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, payments.Errf(payments.CodeNoSuchPayment, "transaction %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	return &txn, nil
}

// StaleTransactions returns PENDING/UNKNOWN rows untouched since olderThan,
// oldest first, for the janitor.
func (l *Ledger) StaleTransactions(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentTransaction, error) {
	var txns []models.PaymentTransaction
	err := l.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]models.TransactionStatus{models.StatusPending, models.StatusUnknown}, olderThan).
		Order("updated_at asc").Limit(limit).Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("load stale transactions: %w", err)
	}
	return txns, nil
}

// SearchPayments pages over payments matching q against state or external key.
func (l *Ledger) SearchPayments(ctx context.Context, accountID, q string, limit, offset int) ([]models.Payment, int64, error) {
	dbq := l.db.WithContext(ctx).Model(&models.Payment{})
	if accountID != "" {
		dbq = dbq.Where("account_id = ?", accountID)
	}
	if q != "" {
		like := "%" + q + "%"
		dbq = dbq.Where("state LIKE ? OR external_key LIKE ?", like, like)
	}
	var total int64
	if err := dbq.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}
	var pays []models.Payment
	err := dbq.Preload("Transactions", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		Order("created_at desc").Limit(limit).Offset(offset).Find(&pays).Error
	if err != nil {
		return nil, 0, fmt.Errorf("search payments: %w", err)
	}
	return pays, total, nil
}

// ForceFix is the administrative escape hatch: it sets a transaction's status
// and the payment's state names directly, bypassing the transition guard, and
// records an audit row. Meant for manual incident recovery only.
func (l *Ledger) ForceFix(ctx context.Context, txnID string, status models.TransactionStatus, state, lastSuccessState, comment string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txn models.PaymentTransaction
		if err := tx.Where("id = ?", txnID).First(&txn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return payments.Errf(payments.CodeNoSuchPayment, "transaction %s not found", txnID)
			}
			return err
		}
		old := txn.Status
		if err := tx.Model(&models.PaymentTransaction{}).Where("id = ?", txnID).
			Updates(map[string]any{"status": status, "updated_at": time.Now()}).Error; err != nil {
			return err
		}
		payUpdates := map[string]any{"state": state, "updated_at": time.Now()}
		payUpdates["last_success_state"] = lastSuccessState
		if err := tx.Model(&models.Payment{}).Where("id = ?", txn.PaymentID).
			Updates(payUpdates).Error; err != nil {
			return err
		}
		audit := models.AuditLog{
			EntityType: "PaymentTransaction",
			EntityID:   txnID,
			Action:     "fix_state",
			Field:      "status",
			OldValue:   string(old),
			NewValue:   string(status),
			Comment:    comment,
		}
		return tx.Create(&audit).Error
	})
}
