package models

import "time"

// Product is a read-mostly mirror of the backend product catalog, scoped to a
// branch. It carries no offline flags; refreshes simply overwrite it.
type Product struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	BranchID   string    `gorm:"index;size:64" json:"branch_id"`
	CategoryID string    `gorm:"size:64" json:"category_id,omitempty"`
	Name       string    `gorm:"size:256" json:"name"`
	SKU        string    `gorm:"size:64" json:"sku,omitempty"`
	Price      int64     `json:"price"`
	Stock      int       `json:"stock"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
