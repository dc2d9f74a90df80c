package models

import "time"

// Audit trail for administrative overrides (transaction force-fixes).
type AuditLog struct {
	ID         uint   `gorm:"primaryKey"`
	EntityType string // ex: "PaymentTransaction", "Payment"
	EntityID   string `gorm:"size:36;index"`
	Action     string // ex: "fix_state"
	Field      string
	OldValue   string
	NewValue   string
	Comment    string
	CreatedAt  time.Time
}
