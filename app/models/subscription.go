package models

import "time"

const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusSuspended = "suspended"
)

const PlanPro = "pro"

// Subscription is the source of truth for a user's entitlement period. At
// most one active row exists per (user_id, plan_id); CurrentPeriodEnd only
// moves forward under successful extensions.
type Subscription struct {
	ID                     string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID                 string    `gorm:"type:varchar(64);not null;index:idx_subscriptions_user_plan_status,priority:1" json:"user_id"`
	PlanID                 string    `gorm:"type:varchar(32);not null;default:'pro';index:idx_subscriptions_user_plan_status,priority:2" json:"plan_id"`
	Status                 string    `gorm:"type:varchar(16);not null;default:'active';index:idx_subscriptions_user_plan_status,priority:3" json:"status"`
	CurrentPeriodStart     time.Time `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd       time.Time `gorm:"not null;index" json:"current_period_end"`
	ProviderSubscriptionID string    `gorm:"type:varchar(191);index" json:"provider_subscription_id"`
	TransactionID          string    `gorm:"type:varchar(191);uniqueIndex" json:"transaction_id"`
	CreatedAt              time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsCurrent reports whether the subscription grants entitlement at t.
func (s *Subscription) IsCurrent(t time.Time) bool {
	return s.Status == SubscriptionStatusActive && s.CurrentPeriodEnd.After(t)
}
