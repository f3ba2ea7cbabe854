package models

import "time"

// WebhookEvent stores every inbound provider delivery with deduplication
// metadata. ID is the provider-scoped delivery key; a redelivery under the
// same key short-circuits before any ledger mutation once Processed is set.
type WebhookEvent struct {
	ID          string     `gorm:"type:varchar(255);primaryKey" json:"id"`
	Provider    string     `gorm:"type:varchar(16);not null;index" json:"provider"`
	EventType   string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Payload     string     `gorm:"type:longtext;not null" json:"payload"`
	Processed   bool       `gorm:"default:false;index" json:"processed"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	ProcessedAt *time.Time `gorm:"default:null" json:"processed_at,omitempty"`
}
