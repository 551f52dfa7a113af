package models

import "time"

const (
	TransactionKindPurchase           = "purchase"
	TransactionKindSubscriptionCharge = "subscription_charge"
	TransactionKindAdjustment         = "adjustment"
	TransactionKindRefund             = "refund"
)

// Transaction is an append-only ledger entry. Rows are never mutated after
// creation except to set refunded_at/refunded_amount on the original entry
// when a refund references it. provider_transaction_id is unique and serves
// as the ledger's own idempotency key.
type Transaction struct {
	ID                    uint       `gorm:"primaryKey" json:"id"`
	UserID                uint       `gorm:"not null;index" json:"user_id"`
	SubscriptionID        *uint      `gorm:"index;default:null" json:"subscription_id,omitempty"`
	Kind                  string     `gorm:"type:varchar(32);not null;index" json:"kind"`
	AmountCents           int64      `gorm:"not null;default:0" json:"amount_cents"`
	Currency              string     `gorm:"type:varchar(3);not null;default:''" json:"currency"`
	Credits               int64      `gorm:"not null" json:"credits"`
	ProviderTransactionID string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_transactions_provider_tx" json:"provider_transaction_id"`
	Description           string     `gorm:"type:varchar(255);not null;default:''" json:"description"`
	RefundedAt            *time.Time `gorm:"type:timestamp;default:null" json:"refunded_at,omitempty"`
	RefundedAmountCents   int64      `gorm:"not null;default:0" json:"refunded_amount_cents"`
	CreatedAt             time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}
