package models

import "time"

const (
	PlanFree    = "free"
	PlanStarter = "starter"
	PlanPro     = "pro"
)

// Plan is the internal subscription plan catalog. CreditsPerPeriod is granted
// through the ledger on activation and every renewal.
type Plan struct {
	ID                     uint      `gorm:"primaryKey" json:"id"`
	Code                   string    `gorm:"type:varchar(50);not null;uniqueIndex" json:"code"`
	Name                   string    `gorm:"type:varchar(100);not null" json:"name"`
	CreditsPerPeriod       int64     `gorm:"not null;default:0" json:"credits_per_period"`
	ConnectedAccountsLimit int       `gorm:"not null;default:1" json:"connected_accounts_limit"`
	PeriodDays             int       `gorm:"not null;default:30" json:"period_days"`
	IsActive               bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt              time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
