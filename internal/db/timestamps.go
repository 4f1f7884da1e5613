package db

import (
	"context"
	"errors"
	"time"

	"github.com/pysugar/exchange-sync/internal/db/models"
	"gorm.io/gorm"
)

// GetSyncTimestamp returns the stored high-water mark for resource, or nil if
// the resource has never completed a sync.
func GetSyncTimestamp(ctx context.Context, db *gorm.DB, resource string) (*models.SyncTimestamp, error) {
	var ts models.SyncTimestamp
	err := db.WithContext(ctx).First(&ts, "resource = ?", resource).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// ListSyncTimestamps returns every stored high-water mark ordered by resource.
func ListSyncTimestamps(ctx context.Context, db *gorm.DB) ([]models.SyncTimestamp, error) {
	var out []models.SyncTimestamp
	if err := db.WithContext(ctx).Order("resource").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// AdvanceSyncTimestamp moves the high-water mark forward to at and clears the
// last error. A mark is never moved backwards.
func AdvanceSyncTimestamp(ctx context.Context, db *gorm.DB, resource string, at time.Time) error {
	at = at.UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ts models.SyncTimestamp
		err := tx.First(&ts, "resource = ?", resource).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.SyncTimestamp{
				Resource:      resource,
				LastSyncedAt:  &at,
				LastAttemptAt: &at,
			}).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"last_attempt_at": at,
			"last_error":      "",
		}
		if ts.LastSyncedAt == nil || at.After(*ts.LastSyncedAt) {
			updates["last_synced_at"] = at
		}
		return tx.Model(&models.SyncTimestamp{}).Where("resource = ?", resource).Updates(updates).Error
	})
}

// RecordSyncFailure notes a failed attempt without touching the high-water mark,
// so the same window is fetched again on the next run.
func RecordSyncFailure(ctx context.Context, db *gorm.DB, resource string, at time.Time, message string) error {
	at = at.UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SyncTimestamp{}).Where("resource = ?", resource).Updates(map[string]interface{}{
			"last_attempt_at": at,
			"last_error":      message,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return tx.Create(&models.SyncTimestamp{
			Resource:      resource,
			LastAttemptAt: &at,
			LastError:     message,
		}).Error
	})
}
