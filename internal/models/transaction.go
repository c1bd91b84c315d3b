package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Sync states for locally mirrored transactions.
const (
	SyncStatusPending = "pending"
	SyncStatusSynced  = "synced"
)

// LocalIDPrefix marks identifiers generated on this device before the backend
// has assigned one. Reconciliation swaps them for server ids.
const LocalIDPrefix = "local-"

// NewLocalID generates an identifier for a transaction created while offline.
func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// Transaction mirrors a sales transaction for offline availability. Records
// fetched from the backend carry SyncStatusSynced; records created while
// disconnected carry IsOffline=true and SyncStatusPending until acknowledged.
type Transaction struct {
	ID            string            `gorm:"primaryKey;size:64" json:"id"`
	Number        string            `gorm:"uniqueIndex;size:64" json:"number" validate:"required,notblank"`
	CustomerName  string            `gorm:"size:128" json:"customer_name,omitempty"`
	CustomerPhone string            `gorm:"size:32" json:"customer_phone,omitempty"`
	Total         int64             `json:"total" validate:"gte=0"`
	PaymentMethod string            `gorm:"size:32" json:"payment_method" validate:"required,payment"`
	BranchID      string            `gorm:"index;size:64" json:"branch_id" validate:"required"`
	IsOffline     bool              `json:"is_offline"`
	SyncStatus    string            `gorm:"size:16" json:"sync_status"`
	Items         []TransactionItem `gorm:"constraint:OnDelete:CASCADE" json:"items" validate:"required,min=1,dive"`
	CreatedAt     time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Pending reports whether the record is an offline write awaiting server
// acknowledgment. Pending records must survive cache refreshes.
func (t *Transaction) Pending() bool {
	return t.IsOffline && t.SyncStatus == SyncStatusPending
}

// TransactionItem is a single line of a transaction, referencing a product
// variant at the price it was sold for.
type TransactionItem struct {
	ID            string `gorm:"primaryKey;type:uuid" json:"id"`
	TransactionID string `gorm:"index;size:64" json:"transaction_id"`
	VariantID     string `gorm:"size:64" json:"variant_id" validate:"required"`
	Quantity      int    `json:"quantity" validate:"gt=0"`
	Price         int64  `json:"price" validate:"gte=0"`
}

// BeforeCreate ensures line items always carry a generated identifier.
func (i *TransactionItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}
