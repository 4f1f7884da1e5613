package models

import (
	"time"

	"gorm.io/datatypes"
)

// OAuthToken stores the vendor OAuth token set. At most one row is active at a
// time; a new authorization or refresh deactivates the previous row.
type OAuthToken struct {
	ID               uint   `gorm:"primaryKey"`
	Provider         string `gorm:"index;not null;default:'vendor'"`
	AccessToken      string `gorm:"type:text;not null"`
	RefreshToken     string `gorm:"type:text"` // empty means re-authorization is required
	TokenType        string
	Scope            string
	ExpiresAt        time.Time
	LastUsedAt       time.Time
	LastRefreshedAt  time.Time
	IsActive         bool           `gorm:"index;default:true"`
	ProviderMetadata datatypes.JSON // extra fields returned by the token endpoint
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (OAuthToken) TableName() string {
	return "oauth_tokens"
}
