package models

import "time"

// Payment provider constants used across billing-related models.
const (
	ProviderStripe = "stripe"
	ProviderApple  = "apple"
)

const (
	SubscriptionStatusTrialing    = "trialing"
	SubscriptionStatusActive      = "active"
	SubscriptionStatusPastDue     = "past_due"
	SubscriptionStatusGracePeriod = "grace_period"
	SubscriptionStatusCancelled   = "cancelled"
	SubscriptionStatusExpired     = "expired"
)

// Subscription mirrors a provider subscription and carries the entitlements
// (credits per period, connected accounts) resolved at activation time.
// Cancelled/expired rows are terminal and retained as history; a fresh
// purchase always creates a new row.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;index" json:"user_id"`
	Plan                   string     `gorm:"type:varchar(50);not null;index" json:"plan"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'active';index:idx_subscriptions_status_period_end,priority:1" json:"status"`
	Provider               string     `gorm:"type:varchar(20);not null;index:ux_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index:ux_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id"`
	CurrentPeriodStart     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null;index:idx_subscriptions_status_period_end,priority:2" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CreditsPerPeriod       int64      `gorm:"not null;default:0" json:"credits_per_period"`
	ConnectedAccountsLimit int        `gorm:"not null;default:1" json:"connected_accounts_limit"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the subscription can never transition again.
func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCancelled || s.Status == SubscriptionStatusExpired
}
