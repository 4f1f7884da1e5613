// Package monitor persists the sync run log. The running row doubles as the
// single-flight marker: at most one row carries running_guard = 1.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/exchange-sync/internal/db/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 200
)

// ErrRunInProgress is returned by BeginRun while another run holds the marker.
var ErrRunInProgress = errors.New("a sync run is already in progress")

// RunSpec describes a run about to start.
type RunSpec struct {
	SyncType    string
	Resources   []string
	TriggeredBy string
}

// RunResult is the outcome written when a run finishes.
type RunResult struct {
	Status           models.SyncStatus
	RecordsProcessed int
	RecordsCreated   int
	RecordsUpdated   int
	ErrorMessage     string
	Details          []byte
}

// SyncMonitor manages the sync log table and run statistics
type SyncMonitor struct {
	db         *gorm.DB
	staleAfter time.Duration
	now        func() time.Time

	totalRuns    atomic.Int64
	successCount atomic.Int64
	partialCount atomic.Int64
	errorCount   atomic.Int64
}

// NewSyncMonitor creates a monitor. Running rows whose last heartbeat is older
// than staleAfter are treated as abandoned by a crashed process.
func NewSyncMonitor(db *gorm.DB, staleAfter time.Duration) *SyncMonitor {
	m := &SyncMonitor{
		db:         db,
		staleAfter: staleAfter,
		now:        time.Now,
	}
	m.loadStatsFromDB()
	return m
}

// BeginRun inserts a running log entry, or fails with ErrRunInProgress.
func (m *SyncMonitor) BeginRun(ctx context.Context, spec RunSpec) (*models.SyncLog, error) {
	if _, err := m.RecoverStale(ctx); err != nil {
		log.Printf("[Monitor] Failed to recover stale runs: %v", err)
	}

	guard := 1
	started := m.now().UTC()
	entry := &models.SyncLog{
		ID:           uuid.New().String(),
		SyncType:     spec.SyncType,
		Status:       models.SyncStatusRunning,
		RunningGuard: &guard,
		Resources:    strings.Join(spec.Resources, ","),
		StartedAt:    started,
		HeartbeatAt:  &started,
		TriggeredBy:  spec.TriggeredBy,
	}

	if err := m.db.WithContext(ctx).Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrRunInProgress
		}
		// drivers without error translation still report the unique violation
		if running, lookupErr := m.Current(ctx); lookupErr == nil && running != nil {
			return nil, ErrRunInProgress
		}
		return nil, fmt.Errorf("create sync log: %w", err)
	}
	return entry, nil
}

// Heartbeat marks a running entry as alive.
func (m *SyncMonitor) Heartbeat(ctx context.Context, id string) error {
	return m.db.WithContext(ctx).Model(&models.SyncLog{}).
		Where("id = ? AND running_guard IS NOT NULL", id).
		Update("heartbeat_at", m.now().UTC()).Error
}

// KeepAlive refreshes the heartbeat of a running entry until the returned stop
// function is called.
func (m *SyncMonitor) KeepAlive(ctx context.Context, id string) (stop func()) {
	interval := m.staleAfter / 4
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Heartbeat(ctx, id); err != nil {
					log.Printf("⚠️ [Monitor] Heartbeat for run %s failed: %v", id, err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// FinishRun writes the outcome and releases the single-flight marker. A run
// already finalized as abandoned still gets its real outcome recorded, and the
// counters move from error to that outcome.
func (m *SyncMonitor) FinishRun(ctx context.Context, entry *models.SyncLog, result RunResult) error {
	completed := m.now().UTC()
	updates := map[string]interface{}{
		"status":            result.Status,
		"running_guard":     nil,
		"completed_at":      completed,
		"records_processed": result.RecordsProcessed,
		"records_created":   result.RecordsCreated,
		"records_updated":   result.RecordsUpdated,
		"error_message":     result.ErrorMessage,
	}
	if len(result.Details) > 0 {
		updates["details"] = datatypes.JSON(result.Details)
	}

	res := m.db.WithContext(ctx).Model(&models.SyncLog{}).
		Where("id = ? AND running_guard IS NOT NULL", entry.ID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("finish sync log %s: %w", entry.ID, res.Error)
	}
	recovered := res.RowsAffected == 0
	if recovered {
		log.Printf("🚨 [Monitor] Run %s finished with status %s after it was finalized as abandoned; another run may have overlapped it",
			entry.ID, result.Status)
		if err := m.db.WithContext(ctx).Model(&models.SyncLog{}).Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("finish sync log %s: %w", entry.ID, err)
		}
	}

	entry.Status = result.Status
	entry.RunningGuard = nil
	entry.CompletedAt = &completed
	entry.RecordsProcessed = result.RecordsProcessed
	entry.RecordsCreated = result.RecordsCreated
	entry.RecordsUpdated = result.RecordsUpdated
	entry.ErrorMessage = result.ErrorMessage
	entry.Details = datatypes.JSON(result.Details)

	if recovered {
		m.totalRuns.Add(-1)
		m.errorCount.Add(-1)
	}
	m.count(result.Status)
	return nil
}

// RecoverStale finalizes running rows whose heartbeat is older than the stale
// threshold as errors.
func (m *SyncMonitor) RecoverStale(ctx context.Context) (int64, error) {
	if m.staleAfter <= 0 {
		return 0, nil
	}
	now := m.now().UTC()
	cutoff := now.Add(-m.staleAfter)

	res := m.db.WithContext(ctx).Model(&models.SyncLog{}).
		Where("running_guard IS NOT NULL AND COALESCE(heartbeat_at, started_at) < ?", cutoff).
		Updates(map[string]interface{}{
			"status":        models.SyncStatusError,
			"running_guard": nil,
			"completed_at":  now,
			"error_message": fmt.Sprintf("run abandoned: no heartbeat for %s", m.staleAfter),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("🧹 [Monitor] Finalized %d abandoned run(s)", res.RowsAffected)
		for i := int64(0); i < res.RowsAffected; i++ {
			m.count(models.SyncStatusError)
		}
	}
	return res.RowsAffected, nil
}

// Current returns the running log entry, or nil.
func (m *SyncMonitor) Current(ctx context.Context) (*models.SyncLog, error) {
	var entry models.SyncLog
	err := m.db.WithContext(ctx).Where("running_guard IS NOT NULL").First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// LastFinished returns the most recently started finished run, or nil.
func (m *SyncMonitor) LastFinished(ctx context.Context) (*models.SyncLog, error) {
	var entry models.SyncLog
	err := m.db.WithContext(ctx).
		Where("status <> ?", models.SyncStatusRunning).
		Order("started_at DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Get returns one log entry by ID, or nil.
func (m *SyncMonitor) Get(ctx context.Context, id string) (*models.SyncLog, error) {
	var entry models.SyncLog
	err := m.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// History returns the newest log entries first. limit defaults to 20 and is
// capped at 200.
func (m *SyncMonitor) History(ctx context.Context, limit int) ([]models.SyncLog, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	var logs []models.SyncLog
	if err := m.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// GetStats returns run outcome counters
func (m *SyncMonitor) GetStats() models.SyncRunStats {
	return models.SyncRunStats{
		TotalRuns:    m.totalRuns.Load(),
		SuccessCount: m.successCount.Load(),
		PartialCount: m.partialCount.Load(),
		ErrorCount:   m.errorCount.Load(),
	}
}

func (m *SyncMonitor) count(status models.SyncStatus) {
	m.totalRuns.Add(1)
	switch status {
	case models.SyncStatusSuccess:
		m.successCount.Add(1)
	case models.SyncStatusPartial:
		m.partialCount.Add(1)
	case models.SyncStatusError:
		m.errorCount.Add(1)
	}
}

// loadStatsFromDB loads finished-run counters from the database
func (m *SyncMonitor) loadStatsFromDB() {
	var rows []struct {
		Status models.SyncStatus
		N      int64
	}
	if err := m.db.Model(&models.SyncLog{}).
		Select("status, COUNT(*) AS n").
		Where("status <> ?", models.SyncStatusRunning).
		Group("status").
		Scan(&rows).Error; err != nil {
		log.Printf("[Monitor] Failed to load stats: %v", err)
		return
	}

	var total int64
	for _, row := range rows {
		total += row.N
		switch row.Status {
		case models.SyncStatusSuccess:
			m.successCount.Store(row.N)
		case models.SyncStatusPartial:
			m.partialCount.Store(row.N)
		case models.SyncStatusError:
			m.errorCount.Store(row.N)
		}
	}
	m.totalRuns.Store(total)

	log.Printf("[Monitor] Loaded stats: total=%d, success=%d, partial=%d, errors=%d",
		total, m.successCount.Load(), m.partialCount.Load(), m.errorCount.Load())
}
