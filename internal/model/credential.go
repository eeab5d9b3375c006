package model

import "time"

// PaymentCredential is a reusable payment instrument captured from a
// successful charge. The unique transaction_id index guarantees at most
// one credential row per transaction, whatever path stores it.
type PaymentCredential struct {
	ID             string   `gorm:"primaryKey;size:36"`
	UserID         string   `gorm:"size:36;not null;index"`
	Provider       Provider `gorm:"size:32;not null"`
	TransactionID  string   `gorm:"size:36;not null;uniqueIndex"`
	EncryptedToken string   `gorm:"type:text;not null"`
	MaskedDetail   string   `gorm:"size:64"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (PaymentCredential) TableName() string { return "payment_credential" }
