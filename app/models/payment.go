package models

import "time"

const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
)

const (
	PaymentMethodStripe = "stripe"
	PaymentMethodPayPal = "paypal"
	PaymentMethodAlipay = "alipay"
	PaymentMethodWeChat = "wechat"
)

// PaymentMetadata carries order attributes recorded at creation time so the
// settlement path can recover entitlement days without inferring them from
// the amount.
type PaymentMetadata struct {
	Days  int    `json:"days"`
	Cycle string `json:"cycle"`
}

// Payment is one row of the payment ledger. A single economic transaction may
// be referenced by different provider identifiers over its lifecycle, so
// TransactionID holds whichever identifier the record was last settled or
// created under; lookups must probe every known alias.
type Payment struct {
	ID             string           `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID         string           `gorm:"type:varchar(64);not null;index:idx_payments_user_status,priority:1" json:"user_id"`
	SubscriptionID string           `gorm:"type:varchar(36);index" json:"subscription_id,omitempty"`
	Amount         float64          `gorm:"type:decimal(10,2);not null;default:0" json:"amount"`
	Currency       string           `gorm:"type:varchar(8);not null;default:'USD'" json:"currency"`
	Status         string           `gorm:"type:varchar(16);not null;default:'pending';index:idx_payments_user_status,priority:2;uniqueIndex:uq_payments_txn_status,priority:2" json:"status"`
	PaymentMethod  string           `gorm:"type:varchar(16);not null;index" json:"payment_method"`
	TransactionID  string           `gorm:"type:varchar(191);not null;uniqueIndex:uq_payments_txn_status,priority:1" json:"transaction_id"`
	Metadata       *PaymentMetadata `gorm:"serializer:json" json:"metadata,omitempty"`
	CreatedAt      time.Time        `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsCompleted reports whether this payment has durably settled.
func (p *Payment) IsCompleted() bool {
	return p.Status == PaymentStatusCompleted
}

// MetadataDays returns the entitlement days recorded at order creation, or 0.
func (p *Payment) MetadataDays() int {
	if p.Metadata == nil {
		return 0
	}
	return p.Metadata.Days
}
