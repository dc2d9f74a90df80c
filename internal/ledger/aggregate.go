package ledger

import (
	"log"

	"github.com/shopspring/decimal"

	"github.com/diewo77/payment-core/internal/models"
)

// Aggregate is the derived financial view of a payment, folded from its
// transaction history in insertion order.
type Aggregate struct {
	AuthAmount       decimal.Decimal `json:"auth_amount"`
	CapturedAmount   decimal.Decimal `json:"captured_amount"`
	PurchasedAmount  decimal.Decimal `json:"purchased_amount"`
	RefundedAmount   decimal.Decimal `json:"refunded_amount"`
	CreditedAmount   decimal.Decimal `json:"credited_amount"`
	AuthVoided       bool            `json:"auth_voided"`
	ChargebackActive bool            `json:"chargeback_active"`
}

// chargebackEffect remembers which pools a successful chargeback drained so a
// later reversal restores exactly what was removed.
type chargebackEffect struct {
	fromPurchased decimal.Decimal
	fromCaptured  decimal.Decimal
	reversed      bool
}

// Compute folds the payment's transactions into aggregate amounts. It is a
// pure function and never fails: inconsistent history is a data-quality issue
// surfaced by logging, not a runtime error.
//
// Rows whose currency differs from the payment's reference currency are
// excluded rather than converted. That mirrors the long-observed behavior of
// the original platform; see DESIGN.md before "fixing" it.
func Compute(p *models.Payment) Aggregate {
	agg := Aggregate{
		AuthAmount:      decimal.Zero,
		CapturedAmount:  decimal.Zero,
		PurchasedAmount: decimal.Zero,
		RefundedAmount:  decimal.Zero,
		CreditedAmount:  decimal.Zero,
	}
	outstandingCaptures := decimal.Zero // outstanding captures not yet voided
	var chargebacks []chargebackEffect

	for i := range p.Transactions {
		txn := &p.Transactions[i]
		if txn.Currency != "" && p.Currency != "" && txn.Currency != p.Currency {
			log.Printf("payment %s: transaction %s in %s excluded from %s aggregates",
				p.ID, txn.ID, txn.Currency, p.Currency)
			continue
		}
		amt := txn.Amount
		if txn.ProcessedAmount.Valid {
			amt = txn.ProcessedAmount.Decimal
		}

		switch txn.Type {
		case models.TransactionAuthorize:
			if txn.Status == models.StatusSuccess {
				agg.AuthAmount = agg.AuthAmount.Add(amt)
			}
		case models.TransactionCapture:
			if txn.Status == models.StatusSuccess {
				agg.CapturedAmount = agg.CapturedAmount.Add(amt)
				outstandingCaptures = outstandingCaptures.Add(amt)
			}
		case models.TransactionVoid:
			if txn.Status == models.StatusSuccess {
				if outstandingCaptures.IsPositive() {
					// A void after captures cancels the outstanding captures;
					// the next void releases the remaining authorization.
					agg.CapturedAmount = agg.CapturedAmount.Sub(outstandingCaptures)
					outstandingCaptures = decimal.Zero
				} else {
					agg.AuthAmount = decimal.Zero
					agg.AuthVoided = true
				}
			}
		case models.TransactionPurchase:
			if txn.Status == models.StatusSuccess {
				agg.PurchasedAmount = agg.PurchasedAmount.Add(amt)
			}
		case models.TransactionCredit:
			if txn.Status == models.StatusSuccess {
				agg.CreditedAmount = agg.CreditedAmount.Add(amt)
			}
		case models.TransactionRefund:
			if txn.Status == models.StatusSuccess {
				settled := agg.CapturedAmount.Add(agg.PurchasedAmount)
				headroom := settled.Sub(agg.RefundedAmount)
				if amt.GreaterThan(headroom) {
					log.Printf("payment %s: refund %s exceeds settled funds, clamping", p.ID, amt)
					amt = headroom
				}
				agg.RefundedAmount = agg.RefundedAmount.Add(amt)
			}
		case models.TransactionChargeback:
			switch txn.Status {
			case models.StatusSuccess:
				eff := applyChargeback(&agg, amt)
				chargebacks = append(chargebacks, eff)
			case models.StatusPaymentFailure:
				// A failed chargeback is a reversal: restore what the most
				// recent unreversed chargeback removed.
				reverseChargeback(&agg, chargebacks)
			}
		}
	}

	agg.ChargebackActive = false
	for _, cb := range chargebacks {
		if !cb.reversed {
			agg.ChargebackActive = true
			break
		}
	}
	return agg
}

// applyChargeback drains the disputed amount from purchased funds first, then
// captured funds, recording the split for a possible reversal.
func applyChargeback(agg *Aggregate, amt decimal.Decimal) chargebackEffect {
	eff := chargebackEffect{fromPurchased: decimal.Zero, fromCaptured: decimal.Zero}
	remaining := amt
	if agg.PurchasedAmount.IsPositive() {
		take := decimal.Min(remaining, agg.PurchasedAmount)
		agg.PurchasedAmount = agg.PurchasedAmount.Sub(take)
		eff.fromPurchased = take
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() && agg.CapturedAmount.IsPositive() {
		take := decimal.Min(remaining, agg.CapturedAmount)
		agg.CapturedAmount = agg.CapturedAmount.Sub(take)
		eff.fromCaptured = take
	}
	return eff
}

func reverseChargeback(agg *Aggregate, chargebacks []chargebackEffect) {
	for i := len(chargebacks) - 1; i >= 0; i-- {
		if chargebacks[i].reversed {
			continue
		}
		agg.PurchasedAmount = agg.PurchasedAmount.Add(chargebacks[i].fromPurchased)
		agg.CapturedAmount = agg.CapturedAmount.Add(chargebacks[i].fromCaptured)
		chargebacks[i].reversed = true
		return
	}
}
