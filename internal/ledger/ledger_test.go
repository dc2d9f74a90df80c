package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/diewo77/payment-core/internal/db"
	"github.com/diewo77/payment-core/internal/models"
	"github.com/diewo77/payment-core/internal/payments"
)

func setupLedgerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	d, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := d.AutoMigrate(&models.Account{}, &models.PaymentMethod{}, &models.Payment{},
		&models.PaymentTransaction{}, &models.PaymentAttempt{}, &models.AuditLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.EnsureActiveKeyIndex(d); err != nil {
		t.Fatalf("index: %v", err)
	}
	return d
}

func newPayment(account string) *models.Payment {
	return &models.Payment{
		AccountID:       account,
		PaymentMethodID: "pm-1",
		ExternalKey:     "pay-" + account,
		Currency:        "USD",
	}
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestAppendCreatesPaymentAndOrdersTransactions(t *testing.T) {
	l := New(setupLedgerDB(t))
	ctx := context.Background()
	pay := newPayment("acc-1")

	first := &models.PaymentTransaction{Type: models.TransactionAuthorize, ExternalKey: "tx-1", Amount: dec("10"), Currency: "USD"}
	if err := l.Append(ctx, pay, first); err != nil {
		t.Fatalf("append: %v", err)
	}
	if pay.ID == "" {
		t.Fatal("expected payment id assigned")
	}
	if first.Position != 1 || first.Status != models.StatusPending {
		t.Fatalf("unexpected first row: pos=%d status=%s", first.Position, first.Status)
	}

	second := &models.PaymentTransaction{Type: models.TransactionCapture, ExternalKey: "tx-2", Amount: dec("1"), Currency: "USD"}
	if err := l.Append(ctx, pay, second); err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.Position != 2 {
		t.Fatalf("expected position 2 got %d", second.Position)
	}

	loaded, err := l.Get(ctx, pay.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(loaded.Transactions) != 2 || loaded.Transactions[0].ExternalKey != "tx-1" {
		t.Fatalf("unexpected transaction order: %+v", loaded.Transactions)
	}
}

func TestAppendRejectsActiveKey(t *testing.T) {
	l := New(setupLedgerDB(t))
	ctx := context.Background()
	pay := newPayment("acc-1")

	if err := l.Append(ctx, pay, &models.PaymentTransaction{Type: models.TransactionAuthorize, ExternalKey: "tx-dup", Amount: dec("10"), Currency: "USD"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := l.Append(ctx, pay, &models.PaymentTransaction{Type: models.TransactionAuthorize, ExternalKey: "tx-dup", Amount: dec("10"), Currency: "USD"})
	if !payments.IsCode(err, payments.CodeActiveTransactionKey) {
		t.Fatalf("expected ACTIVE_TRANSACTION_KEY_EXISTS got %v", err)
	}
}

func TestAppendAllowsKeyReuseAfterFailure(t *testing.T) {
	l := New(setupLedgerDB(t))
	ctx := context.Background()
	pay := newPayment("acc-1")

	txn := &models.PaymentTransaction{Type: models.TransactionAuthorize, ExternalKey: "tx-retry", Amount: dec("10"), Currency: "USD"}
	if err := l.Append(ctx, pay, txn); err != nil {
		t.Fatalf("append: %v", err)
	}
	txn.Status = models.StatusPaymentFailure
	if _, err := l.Advance(ctx, txn, "AUTH_FAILED", ""); err != nil {
		t.Fatalf("advance: %v", err)
	}

	retry := &models.PaymentTransaction{Type: models.TransactionAuthorize, ExternalKey: "tx-retry", Amount: dec("10"), Currency: "USD"}
	if err := l.Append(ctx, pay, retry); err != nil {
		t.Fatalf("expected key reuse after failure, got %v", err)
	}
	if retry.ID == txn.ID {
		t.Fatal("retry must create a new row")
	}
}

func TestAdvanceIsIdempotentAndRejectsConflicts(t *testing.T) {
	l := New(setupLedgerDB(t))
	ctx := context.Background()
	pay := newPayment("acc-1")
	txn := &models.PaymentTransaction{Type: models.TransactionAuthorize, ExternalKey: "tx-1", Amount: dec("10"), Currency: "USD"}
	if err := l.Append(ctx, pay, txn); err != nil {
		t.Fatalf("append: %v", err)
	}

	txn.Status = models.StatusSuccess
	txn.ProcessedAmount = decimal.NullDecimal{Decimal: dec("10"), Valid: true}
	txn.ProcessedCurrency = "USD"
	applied, err := l.Advance(ctx, txn, "AUTH_SUCCESS", "AUTH_SUCCESS")
	if err != nil || !applied {
		t.Fatalf("first advance applied=%v err=%v", applied, err)
	}

	// Same terminal status again: no-op, not an error.
	repeat := *txn
	repeat.Status = models.StatusSuccess
	applied, err = l.Advance(ctx, &repeat, "AUTH_SUCCESS", "AUTH_SUCCESS")
	if err != nil || applied {
		t.Fatalf("repeat advance applied=%v err=%v", applied, err)
	}

	// Repeat without a processed-amount claim: still a no-op.
	bare := *txn
	bare.Status = models.StatusSuccess
	bare.ProcessedAmount = decimal.NullDecimal{}
	bare.ProcessedCurrency = ""
	applied, err = l.Advance(ctx, &bare, "AUTH_SUCCESS", "AUTH_SUCCESS")
	if err != nil || applied {
		t.Fatalf("bare repeat applied=%v err=%v", applied, err)
	}

	// Same terminal status but conflicting processed data: rejected.
	mismatch := *txn
	mismatch.Status = models.StatusSuccess
	mismatch.ProcessedAmount = decimal.NullDecimal{Decimal: dec("9"), Valid: true}
	_, err = l.Advance(ctx, &mismatch, "AUTH_SUCCESS", "AUTH_SUCCESS")
	if !payments.IsCode(err, payments.CodeInvalidOperation) {
		t.Fatalf("expected INVALID_OPERATION for processed mismatch got %v", err)
	}

	// Conflicting terminal status: rejected.
	conflict := *txn
	conflict.Status = models.StatusPaymentFailure
	_, err = l.Advance(ctx, &conflict, "AUTH_FAILED", "")
	if !payments.IsCode(err, payments.CodeInvalidOperation) {
		t.Fatalf("expected INVALID_OPERATION got %v", err)
	}

	loaded, err := l.Get(ctx, pay.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.State != "AUTH_SUCCESS" || loaded.LastSuccessState != "AUTH_SUCCESS" {
		t.Fatalf("payment state not updated: %+v", loaded)
	}
}

func TestForceFixBypassesGuardAndAudits(t *testing.T) {
	d := setupLedgerDB(t)
	l := New(d)
	ctx := context.Background()
	pay := newPayment("acc-1")
	txn := &models.PaymentTransaction{Type: models.TransactionAuthorize, ExternalKey: "tx-1", Amount: dec("10"), Currency: "USD"}
	if err := l.Append(ctx, pay, txn); err != nil {
		t.Fatalf("append: %v", err)
	}
	txn.Status = models.StatusSuccess
	if _, err := l.Advance(ctx, txn, "AUTH_SUCCESS", "AUTH_SUCCESS"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// Normal Advance would reject this; ForceFix must not.
	if err := l.ForceFix(ctx, txn.ID, models.StatusPaymentFailure, "AUTH_FAILED", "", "incident 42"); err != nil {
		t.Fatalf("force fix: %v", err)
	}
	fixed, err := l.Transaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if fixed.Status != models.StatusPaymentFailure {
		t.Fatalf("expected forced status got %s", fixed.Status)
	}
	var audits int64
	d.Model(&models.AuditLog{}).Where("entity_id = ?", txn.ID).Count(&audits)
	if audits != 1 {
		t.Fatalf("expected 1 audit row got %d", audits)
	}
}

func TestStaleTransactions(t *testing.T) {
	l := New(setupLedgerDB(t))
	ctx := context.Background()
	pay := newPayment("acc-1")
	txn := &models.PaymentTransaction{Type: models.TransactionPurchase, ExternalKey: "tx-stale", Amount: dec("5"), Currency: "USD", Status: models.StatusUnknown}
	if err := l.Append(ctx, pay, txn); err != nil {
		t.Fatalf("append: %v", err)
	}

	stale, err := l.StaleTransactions(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != txn.ID {
		t.Fatalf("expected the unknown row, got %+v", stale)
	}
}
