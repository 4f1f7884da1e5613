package models

import "time"

// SyncTimestamp is the per-resource high-water mark used to bound incremental fetches.
type SyncTimestamp struct {
	Resource      string     `gorm:"primaryKey;size:64" json:"resource"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (SyncTimestamp) TableName() string {
	return "sync_timestamps"
}
