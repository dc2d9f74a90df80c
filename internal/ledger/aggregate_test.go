package ledger

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/diewo77/payment-core/internal/models"
)

func success(t models.TransactionType, amount string) models.PaymentTransaction {
	return models.PaymentTransaction{
		Type:     t,
		Status:   models.StatusSuccess,
		Amount:   dec(amount),
		Currency: "USD",
	}
}

func usdPayment(txns ...models.PaymentTransaction) *models.Payment {
	return &models.Payment{ID: "p-1", Currency: "USD", Transactions: txns}
}

func assertEq(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Fatalf("%s = %s, want %s", name, got, want)
	}
}

func TestAggregatePartialCapturesAccumulate(t *testing.T) {
	agg := Compute(usdPayment(
		success(models.TransactionAuthorize, "10"),
		success(models.TransactionCapture, "1"),
		success(models.TransactionCapture, "1"),
	))
	assertEq(t, "auth", agg.AuthAmount, dec("10"))
	assertEq(t, "captured", agg.CapturedAmount, dec("2"))
}

func TestAggregateVoidOfCapturesThenAuth(t *testing.T) {
	// First void cancels the outstanding captures, second releases the auth.
	p := usdPayment(
		success(models.TransactionAuthorize, "10"),
		success(models.TransactionCapture, "1"),
		success(models.TransactionCapture, "1"),
		success(models.TransactionVoid, "0"),
	)
	agg := Compute(p)
	assertEq(t, "captured", agg.CapturedAmount, decimal.Zero)
	assertEq(t, "auth", agg.AuthAmount, dec("10"))
	if agg.AuthVoided {
		t.Fatal("auth must not be voided while only captures were voided")
	}

	p.Transactions = append(p.Transactions, success(models.TransactionVoid, "0"))
	agg = Compute(p)
	assertEq(t, "auth", agg.AuthAmount, decimal.Zero)
	if !agg.AuthVoided {
		t.Fatal("expected auth voided after second void")
	}
}

func TestAggregateVoidOfUncapturedAuth(t *testing.T) {
	agg := Compute(usdPayment(
		success(models.TransactionAuthorize, "10"),
		success(models.TransactionVoid, "0"),
	))
	assertEq(t, "auth", agg.AuthAmount, decimal.Zero)
	if !agg.AuthVoided {
		t.Fatal("expected auth voided")
	}
}

func TestAggregateChargebackReversalSymmetry(t *testing.T) {
	p := usdPayment(
		success(models.TransactionPurchase, "10"),
		success(models.TransactionChargeback, "10"),
	)
	agg := Compute(p)
	assertEq(t, "purchased", agg.PurchasedAmount, decimal.Zero)
	if !agg.ChargebackActive {
		t.Fatal("expected chargeback active")
	}

	// The reversal is a CHARGEBACK row in PAYMENT_FAILURE.
	p.Transactions = append(p.Transactions, models.PaymentTransaction{
		Type: models.TransactionChargeback, Status: models.StatusPaymentFailure,
		Amount: dec("10"), Currency: "USD",
	})
	agg = Compute(p)
	assertEq(t, "purchased", agg.PurchasedAmount, dec("10"))
	if agg.ChargebackActive {
		t.Fatal("expected chargeback cleared after reversal")
	}
}

func TestAggregateSplitChargebackDrainsPurchasedThenCaptured(t *testing.T) {
	agg := Compute(usdPayment(
		success(models.TransactionAuthorize, "10"),
		success(models.TransactionCapture, "4"),
		success(models.TransactionPurchase, "3"),
		success(models.TransactionChargeback, "5"),
	))
	assertEq(t, "purchased", agg.PurchasedAmount, decimal.Zero)
	assertEq(t, "captured", agg.CapturedAmount, dec("2"))
}

func TestAggregateRefundBoundedBySettledFunds(t *testing.T) {
	agg := Compute(usdPayment(
		success(models.TransactionPurchase, "10"),
		success(models.TransactionRefund, "4"),
		success(models.TransactionRefund, "100"),
	))
	// The second refund is clamped to the remaining settled funds.
	assertEq(t, "refunded", agg.RefundedAmount, dec("10"))
}

func TestAggregateIgnoresPendingAndFailedRows(t *testing.T) {
	p := usdPayment(
		success(models.TransactionAuthorize, "10"),
		models.PaymentTransaction{Type: models.TransactionCapture, Status: models.StatusPending, Amount: dec("5"), Currency: "USD"},
		models.PaymentTransaction{Type: models.TransactionCapture, Status: models.StatusPaymentFailure, Amount: dec("5"), Currency: "USD"},
	)
	agg := Compute(p)
	assertEq(t, "captured", agg.CapturedAmount, decimal.Zero)
}

func TestAggregateExcludesForeignCurrencyRows(t *testing.T) {
	eur := success(models.TransactionCapture, "7")
	eur.Currency = "EUR"
	agg := Compute(usdPayment(
		success(models.TransactionAuthorize, "10"),
		eur,
	))
	// Deliberately excluded, not converted; see DESIGN.md.
	assertEq(t, "captured", agg.CapturedAmount, decimal.Zero)
	assertEq(t, "auth", agg.AuthAmount, dec("10"))
}

func TestAggregatePrefersProcessedAmount(t *testing.T) {
	txn := success(models.TransactionPurchase, "10")
	txn.ProcessedAmount = decimal.NullDecimal{Decimal: dec("8"), Valid: true}
	txn.ProcessedCurrency = "USD"
	agg := Compute(usdPayment(txn))
	assertEq(t, "purchased", agg.PurchasedAmount, dec("8"))
}
