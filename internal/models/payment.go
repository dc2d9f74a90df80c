package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Payment is the aggregate root: one logical payment with its ordered
// sequence of transaction attempts. Rows are never deleted; state only
// changes by appending or advancing transactions.
type Payment struct {
	ID               string `gorm:"primaryKey;size:36"`
	AccountID        string `gorm:"size:36;not null;index"`
	PaymentMethodID  string `gorm:"size:36;not null"`
	ExternalKey      string `gorm:"size:255;not null;uniqueIndex"`
	State            string `gorm:"size:32"`
	LastSuccessState string `gorm:"size:32"`
	Currency         string `gorm:"size:3;not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// Insertion order is causal order; always loaded ordered by Position.
	Transactions []PaymentTransaction `gorm:"foreignKey:PaymentID"`
}

// PaymentTransaction is one attempt against the gateway. Status is the only
// field transitioned after creation; amount/currency may be refined when a
// PENDING/UNKNOWN row is completed.
type PaymentTransaction struct {
	ID        string `gorm:"primaryKey;size:36"`
	PaymentID string `gorm:"size:36;not null;index;uniqueIndex:idx_txn_payment_pos"`
	AccountID string `gorm:"size:36;not null;index:idx_txn_account_key"`
	// Position within the payment's sequence, starting at 1. The unique index
	// turns a concurrent double-append into a constraint violation.
	Position    int               `gorm:"not null;uniqueIndex:idx_txn_payment_pos"`
	Type        TransactionType   `gorm:"size:16;not null"`
	ExternalKey string            `gorm:"size:255;not null;index:idx_txn_account_key"`
	Status      TransactionStatus `gorm:"size:16;not null"`

	Amount            decimal.Decimal     `gorm:"type:decimal(20,8)"`
	Currency          string              `gorm:"size:3"`
	ProcessedAmount   decimal.NullDecimal `gorm:"type:decimal(20,8)"`
	ProcessedCurrency string              `gorm:"size:3"`

	GatewayErrorCode string `gorm:"size:64"`
	GatewayErrorMsg  string

	// AttemptID is set only when the transaction was driven through the
	// control-plugin orchestrator.
	AttemptID string `gorm:"size:36"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentAttempt correlates a transaction with a control-plugin run so the
// janitor and retries can replay the same plugin chain.
type PaymentAttempt struct {
	ID                     string          `gorm:"primaryKey;size:36"`
	AccountID              string          `gorm:"size:36;not null;index"`
	PaymentExternalKey     string          `gorm:"size:255"`
	TransactionID          string          `gorm:"size:36;index"`
	TransactionExternalKey string          `gorm:"size:255"`
	TransactionType        TransactionType `gorm:"size:16;not null"`
	State                  string          `gorm:"size:16;not null"`
	PluginNames            string          `gorm:"size:255;not null"`
	PluginProperties       datatypes.JSONMap
	Amount                 decimal.Decimal `gorm:"type:decimal(20,8)"`
	Currency               string          `gorm:"size:3"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Attempt states.
const (
	AttemptInit      = "INIT"
	AttemptSuccess   = "SUCCESS"
	AttemptAborted   = "ABORTED"
	AttemptProcessed = "PROCESSED"
)
