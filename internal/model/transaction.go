package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies a payment rail.
type Provider string

const (
	ProviderFlutterwave Provider = "flutterwave"
	ProviderMpesa       Provider = "mpesa"
	ProviderAirtel      Provider = "airtel"
)

// Status is the transaction lifecycle state. PENDING is the only
// non-terminal state; the other four are terminal and final.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool { return s != StatusPending }

type Transaction struct {
	ID                    string          `gorm:"primaryKey;size:36"`
	UserID                string          `gorm:"size:36;not null;index"`
	Provider              Provider        `gorm:"size:32;not null;uniqueIndex:ux_tx_provider_ref,priority:1"`
	Amount                decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Currency              string          `gorm:"size:8;not null"`
	Status                Status          `gorm:"size:16;not null;index"`
	ProviderReference     string          `gorm:"size:128;not null;uniqueIndex:ux_tx_provider_ref,priority:2"`
	ProviderTransactionID *string         `gorm:"size:128"`
	Metadata              string          `gorm:"type:jsonb"`
	WebhookReceived       bool            `gorm:"not null;default:false"`
	FailureReason         *string         `gorm:"size:256"`
	CreatedAt             time.Time       `gorm:"autoCreateTime;index"`
	ConfirmedAt           *time.Time
	FailedAt              *time.Time
}

func (Transaction) TableName() string { return "payment_transaction" }
