package models

import "time"

// PlanMapping maps provider-specific plan/product references (Stripe price
// IDs, Apple product IDs) to internal plans or one-time credit packs. It is
// the single translation table per provider; the state machine never sees
// provider vocabulary.
type PlanMapping struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Provider        string    `gorm:"type:varchar(20);not null;index:ux_plan_mappings_ref,unique,priority:1;index" json:"provider"`
	ProviderPlanRef string    `gorm:"type:varchar(191);not null;index:ux_plan_mappings_ref,unique,priority:2" json:"provider_plan_ref"`
	PlanCode        string    `gorm:"type:varchar(50);not null;default:''" json:"plan_code"`
	PackCredits     int64     `gorm:"not null;default:0" json:"pack_credits"`
	IsActive        bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
