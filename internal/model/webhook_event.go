package model

import "time"

// WebhookEvent records every accepted provider callback. The unique
// (provider, event_id) index is the redelivery dedupe boundary.
type WebhookEvent struct {
	ID          string   `gorm:"primaryKey;size:36"`
	Provider    Provider `gorm:"size:32;not null;uniqueIndex:ux_webhook_provider_event,priority:1"`
	EventID     string   `gorm:"size:128;not null;uniqueIndex:ux_webhook_provider_event,priority:2"`
	Payload     string   `gorm:"type:jsonb;not null"`
	Processed   bool     `gorm:"not null;default:false"`
	ProcessedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (WebhookEvent) TableName() string { return "webhook_event" }
