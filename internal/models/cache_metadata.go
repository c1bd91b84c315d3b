package models

import "time"

// CacheMetadata records the freshness of one logical cached collection
// (e.g. the transaction history for a branch) so the store can decide whether
// a full refetch is needed without inspecting every row.
type CacheMetadata struct {
	Key         string     `gorm:"primaryKey;size:128" json:"key"`
	LastUpdated time.Time  `json:"last_updated"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the collection behind this metadata is still usable.
func (m *CacheMetadata) Valid(now time.Time) bool {
	if m == nil {
		return false
	}
	if m.ExpiresAt == nil {
		return false
	}
	return !now.After(*m.ExpiresAt)
}
