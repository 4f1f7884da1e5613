package models

import (
	"time"

	"gorm.io/datatypes"
)

type SyncStatus string

const (
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial"
	SyncStatusError   SyncStatus = "error"
)

// SyncLog is one orchestrated run. RunningGuard is 1 while the run is in
// progress and NULL afterwards; its unique index admits a single running row.
type SyncLog struct {
	ID               string         `gorm:"primaryKey;size:36" json:"id"`
	SyncType         string         `gorm:"size:32;not null" json:"sync_type"`
	Status           SyncStatus     `gorm:"size:16;not null;index" json:"status"`
	RunningGuard     *int           `gorm:"uniqueIndex" json:"-"`
	Resources        string         `json:"resources"` // comma separated resource keys
	StartedAt        time.Time      `gorm:"index" json:"started_at"`
	HeartbeatAt      *time.Time     `json:"heartbeat_at,omitempty"` // refreshed while the run is alive
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	RecordsProcessed int            `json:"records_processed"`
	RecordsCreated   int            `json:"records_created"`
	RecordsUpdated   int            `json:"records_updated"`
	ErrorMessage     string         `gorm:"type:text" json:"error_message,omitempty"`
	TriggeredBy      string         `gorm:"size:64" json:"triggered_by"`
	Details          datatypes.JSON `json:"details,omitempty"` // per-resource breakdown
}

func (SyncLog) TableName() string {
	return "sync_logs"
}

// SyncRunStats holds aggregated run outcomes.
type SyncRunStats struct {
	TotalRuns    int64 `json:"total_runs"`
	SuccessCount int64 `json:"success_count"`
	PartialCount int64 `json:"partial_count"`
	ErrorCount   int64 `json:"error_count"`
}
