package models

import "time"

// Config stores small key/value settings: the admin API key and
// persisted schedule cadences ("schedule.<job>").
type Config struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
