package models

import "time"

// ProviderAccount links a provider-side identity to a local user. Apple
// receipts carry no user id, so the mobile client registers the original
// transaction id here once; webhook processing resolves users through it.
type ProviderAccount struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	UserID            uint      `gorm:"not null;index:ux_provider_accounts_user_provider,unique" json:"user_id"`
	Provider          string    `gorm:"type:varchar(20);not null;index:ux_provider_accounts_user_provider,unique;index:ux_provider_accounts_provider_account,unique,priority:1" json:"provider"`
	ProviderAccountID string    `gorm:"type:varchar(191);not null;index:ux_provider_accounts_provider_account,unique,priority:2" json:"provider_account_id"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
