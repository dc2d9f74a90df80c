package models

// TransactionType identifies which gateway operation a transaction row represents.
type TransactionType string

const (
	TransactionAuthorize  TransactionType = "AUTHORIZE"
	TransactionCapture    TransactionType = "CAPTURE"
	TransactionPurchase   TransactionType = "PURCHASE"
	TransactionVoid       TransactionType = "VOID"
	TransactionCredit     TransactionType = "CREDIT"
	TransactionRefund     TransactionType = "REFUND"
	TransactionChargeback TransactionType = "CHARGEBACK"
)

// Initiating reports whether this type opens a payment (at most one SUCCESS
// row of an initiating type is allowed per payment).
func (t TransactionType) Initiating() bool {
	switch t {
	case TransactionAuthorize, TransactionPurchase, TransactionCredit:
		return true
	}
	return false
}

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionAuthorize, TransactionCapture, TransactionPurchase,
		TransactionVoid, TransactionCredit, TransactionRefund, TransactionChargeback:
		return true
	}
	return false
}

// TransactionStatus is the lifecycle status of a single transaction attempt.
type TransactionStatus string

const (
	StatusPending        TransactionStatus = "PENDING"
	StatusSuccess        TransactionStatus = "SUCCESS"
	StatusPaymentFailure TransactionStatus = "PAYMENT_FAILURE"
	StatusPluginFailure  TransactionStatus = "PLUGIN_FAILURE"
	StatusUnknown        TransactionStatus = "UNKNOWN"
)

// Terminal reports whether the status can no longer be advanced by the
// janitor or a completion call. PENDING and UNKNOWN rows stay open.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusPaymentFailure, StatusPluginFailure:
		return true
	}
	return false
}
