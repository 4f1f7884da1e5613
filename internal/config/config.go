// Package config loads runtime settings from a YAML file, an optional .env file
// and NEXUS_* environment overrides, in that order.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ResourceKeys lists every syncable resource in sync order.
var ResourceKeys = []string{"contacts", "matters", "tasks", "notes", "invoices", "expenses", "users"}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("resource", func(fl validator.FieldLevel) bool {
		return slices.Contains(ResourceKeys, fl.Field().String())
	})
	return v
}

// Config is the full runtime configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Vendor   VendorConfig   `yaml:"vendor"`
	Sync     SyncConfig     `yaml:"sync"`
	Schedule ScheduleConfig `yaml:"schedule"`
}

type ServerConfig struct {
	Host          string `yaml:"host" validate:"required"`
	Port          string `yaml:"port" validate:"required,numeric"`
	AdminPassword string `yaml:"admin_password"`
	// PublicURL is used to build the OAuth redirect URI when vendor.redirect_url is empty.
	PublicURL string `yaml:"public_url"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver" validate:"oneof=sqlite mysql"`
	DSN      string `yaml:"dsn" validate:"required"`
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=silent error warn info"`
}

// VendorConfig describes the practice-management API and its OAuth2 endpoints.
type VendorConfig struct {
	BaseURL       string            `yaml:"base_url" validate:"required,url"`
	AuthURL       string            `yaml:"auth_url" validate:"required,url"`
	TokenURL      string            `yaml:"token_url" validate:"required,url"`
	ClientID      string            `yaml:"client_id"`
	ClientSecret  string            `yaml:"client_secret"`
	RedirectURL   string            `yaml:"redirect_url" validate:"omitempty,url"`
	Scopes        []string          `yaml:"scopes"`
	PageSize      int               `yaml:"page_size" validate:"min=1,max=1000"`
	Timeout       time.Duration     `yaml:"request_timeout" validate:"gt=0"`
	RefreshMargin time.Duration     `yaml:"refresh_margin" validate:"gte=0"`
	RetryDelay    time.Duration     `yaml:"retry_delay" validate:"gte=0"`
	MaxRetryDelay time.Duration     `yaml:"max_retry_delay" validate:"gte=0"`
	Endpoints     map[string]string `yaml:"endpoints" validate:"dive,keys,resource,endkeys,required"`
}

type SyncConfig struct {
	Resources           []string      `yaml:"resources" validate:"min=1,dive,required,resource"`
	IncrementalLookback time.Duration `yaml:"incremental_lookback" validate:"gt=0"`
	IncrementalMaxPages int           `yaml:"incremental_max_pages" validate:"min=1"`
	FullMaxPages        int           `yaml:"full_max_pages" validate:"min=1"`
	Concurrency         int           `yaml:"concurrency" validate:"min=1,max=16"`
	StaleRunAfter       time.Duration `yaml:"stale_run_after" validate:"gt=0"`
}

type ScheduleConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Timezone           string        `yaml:"timezone" validate:"required"`
	Incremental        string        `yaml:"incremental" validate:"required"`
	DailyFull          string        `yaml:"daily_full" validate:"required"`
	TokenRefresh       string        `yaml:"token_refresh" validate:"required"`
	TokenRefreshWindow time.Duration `yaml:"token_refresh_window" validate:"gte=0"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Database: DatabaseConfig{
			Driver:   "sqlite",
			DSN:      "nexus.db",
			LogLevel: "warn",
		},
		Vendor: VendorConfig{
			BaseURL:       "https://app.clio.com/api/v4",
			AuthURL:       "https://app.clio.com/oauth/authorize",
			TokenURL:      "https://app.clio.com/oauth/token",
			PageSize:      100,
			Timeout:       30 * time.Second,
			RefreshMargin: 5 * time.Minute,
			RetryDelay:    500 * time.Millisecond,
			MaxRetryDelay: 10 * time.Second,
		},
		Sync: SyncConfig{
			Resources:           append([]string(nil), ResourceKeys...),
			IncrementalLookback: 24 * time.Hour,
			IncrementalMaxPages: 100,
			FullMaxPages:        1000,
			Concurrency:         1,
			StaleRunAfter:       2 * time.Hour,
		},
		Schedule: ScheduleConfig{
			Enabled:            true,
			Timezone:           "UTC",
			Incremental:        "@every 15m",
			DailyFull:          "0 2 * * *",
			TokenRefresh:       "@every 15m",
			TokenRefreshWindow: 20 * time.Minute,
		},
	}
}

// Load reads the .env file (if any), the YAML config file (if any), applies
// environment overrides and validates the result.
func Load() (Config, error) {
	loadDotEnv()

	cfg := Default()
	path, err := resolveConfigPath()
	if err != nil {
		return cfg, err
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
		log.Printf("⚙️ Loaded config from %s", path)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
		return fmt.Errorf("invalid config: schedule.timezone %q: %w", cfg.Schedule.Timezone, err)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return nil
}

func loadDotEnv() {
	envFile := strings.TrimSpace(os.Getenv("NEXUS_ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err != nil {
		return
	}
	// Load never overrides variables already set in the process environment.
	if err := godotenv.Load(envFile); err != nil {
		log.Printf("⚠️ Failed to load %s: %v", envFile, err)
	}
}

func resolveConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("NEXUS_CONFIG_FILE")); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/nexus.yaml",
		"./nexus.yaml",
		"/etc/nexus/nexus.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "nexus", "nexus.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Host, "HOST")
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.AdminPassword, "NEXUS_ADMIN_PASSWORD")
	setString(&cfg.Server.PublicURL, "NEXUS_PUBLIC_URL")

	setString(&cfg.Database.Driver, "NEXUS_DB_DRIVER")
	setString(&cfg.Database.DSN, "NEXUS_DB_DSN")
	setString(&cfg.Database.LogLevel, "NEXUS_DB_LOG_LEVEL")

	setString(&cfg.Vendor.BaseURL, "NEXUS_VENDOR_BASE_URL")
	setString(&cfg.Vendor.AuthURL, "NEXUS_VENDOR_AUTH_URL")
	setString(&cfg.Vendor.TokenURL, "NEXUS_VENDOR_TOKEN_URL")
	setString(&cfg.Vendor.ClientID, "NEXUS_VENDOR_CLIENT_ID")
	setString(&cfg.Vendor.ClientSecret, "NEXUS_VENDOR_CLIENT_SECRET")
	setString(&cfg.Vendor.RedirectURL, "NEXUS_VENDOR_REDIRECT_URL")
	setInt(&cfg.Vendor.PageSize, "NEXUS_VENDOR_PAGE_SIZE")
	setDuration(&cfg.Vendor.Timeout, "NEXUS_VENDOR_TIMEOUT")

	if raw := strings.TrimSpace(os.Getenv("NEXUS_SYNC_RESOURCES")); raw != "" {
		cfg.Sync.Resources = splitList(raw)
	}
	setInt(&cfg.Sync.Concurrency, "NEXUS_SYNC_CONCURRENCY")
	setDuration(&cfg.Sync.StaleRunAfter, "NEXUS_SYNC_STALE_RUN_AFTER")

	if raw := strings.TrimSpace(os.Getenv("NEXUS_SCHEDULE_ENABLED")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Schedule.Enabled = v
		} else {
			log.Printf("⚠️ invalid NEXUS_SCHEDULE_ENABLED=%q, keeping %v", raw, cfg.Schedule.Enabled)
		}
	}
	setString(&cfg.Schedule.Timezone, "NEXUS_SCHEDULE_TIMEZONE")
	setString(&cfg.Schedule.Incremental, "NEXUS_SCHEDULE_INCREMENTAL")
	setString(&cfg.Schedule.DailyFull, "NEXUS_SCHEDULE_DAILY_FULL")
	setString(&cfg.Schedule.TokenRefresh, "NEXUS_SCHEDULE_TOKEN_REFRESH")
}

func setString(dst *string, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("⚠️ invalid %s=%q, keeping %d", name, raw, *dst)
		return
	}
	*dst = v
}

func setDuration(dst *time.Duration, name string) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		log.Printf("⚠️ invalid %s=%q, keeping %s", name, raw, *dst)
		return
	}
	*dst = v
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RedirectURL returns the OAuth redirect URI, deriving it from the public URL
// when not configured explicitly.
func (c Config) RedirectURL() string {
	if c.Vendor.RedirectURL != "" {
		return c.Vendor.RedirectURL
	}
	base := strings.TrimRight(c.Server.PublicURL, "/")
	if base == "" {
		base = fmt.Sprintf("http://%s:%s", c.Server.Host, c.Server.Port)
	}
	return base + "/auth/vendor/callback"
}
