package db

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/exchange-sync/internal/config"
	"github.com/pysugar/exchange-sync/internal/db/models"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// InitDB opens the configured database, runs migrations and seeds the API key.
func InitDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	ensureAPIKey(db)
	return db, nil
}

// Open connects to sqlite (default) or mysql without migrating.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel(cfg.LogLevel)),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	if dialector.Name() == "sqlite" {
		// SQLite allows one writer; a single connection also keeps
		// in-memory databases visible to every caller.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate creates or updates every table owned by the sync engine.
func Migrate(db *gorm.DB) error {
	tables := []interface{}{
		&models.Config{},
		&models.OAuthToken{},
		&models.SyncTimestamp{},
		&models.SyncLog{},
	}
	tables = append(tables, models.SyncedTables()...)
	if err := db.AutoMigrate(tables...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

func logLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// ensureAPIKey generates the admin API key on first run
func ensureAPIKey(db *gorm.DB) {
	if GetSetting(db, "api_key") != "" {
		return
	}
	apiKey := newAPIKey()
	if err := SetSetting(db, "api_key", apiKey); err != nil {
		log.Printf("⚠️ Failed to store API key: %v", err)
		return
	}
	log.Printf("🔑 Generated new API key: %s", apiKey)
}

// GetAPIKey retrieves the admin API key from database
func GetAPIKey(db *gorm.DB) string {
	return GetSetting(db, "api_key")
}

// RegenerateAPIKey creates a new API key
func RegenerateAPIKey(db *gorm.DB) (string, error) {
	apiKey := newAPIKey()
	if err := SetSetting(db, "api_key", apiKey); err != nil {
		return "", err
	}
	log.Printf("🔑 Regenerated API key: %s", apiKey)
	return apiKey, nil
}

func newAPIKey() string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	return "sk-" + hex.EncodeToString(keyBytes)
}

// GetSetting returns the value stored under key, or "" when absent.
func GetSetting(db *gorm.DB, key string) string {
	var cfg models.Config
	if err := db.Where(&models.Config{Key: key}).First(&cfg).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("⚠️ Failed to read setting %s: %v", key, err)
		}
		return ""
	}
	return cfg.Value
}

// SetSetting inserts or replaces a key/value setting.
func SetSetting(db *gorm.DB, key, value string) error {
	return db.Save(&models.Config{Key: key, Value: value}).Error
}

// SettingsWithPrefix returns all settings whose key starts with prefix.
func SettingsWithPrefix(db *gorm.DB, prefix string) (map[string]string, error) {
	var rows []models.Config
	// clause.Like quotes the column; "key" is reserved in MySQL
	if err := db.Where(clause.Like{Column: clause.Column{Name: "key"}, Value: prefix + "%"}).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}
