package models

import "time"

// Account & payment method collaborators. The payment core only reads these:
// account resolves the reference currency, the payment method names the
// gateway plugin to drive.
type Account struct {
	ID          string `gorm:"primaryKey;size:36"`
	ExternalKey string `gorm:"size:255;not null;uniqueIndex"`
	Name        string `gorm:"size:255"`
	Currency    string `gorm:"size:3;not null"`
	Email       string `gorm:"size:255"`
	TimeZone    string `gorm:"size:64;default:'UTC'"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type PaymentMethod struct {
	ID          string `gorm:"primaryKey;size:36"`
	AccountID   string `gorm:"size:36;not null;index"`
	ExternalKey string `gorm:"size:255"`
	PluginName  string `gorm:"size:64;not null"`
	IsDefault   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
