package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/exchange-sync/internal/auth/practice"
	"github.com/pysugar/exchange-sync/internal/config"
	"github.com/pysugar/exchange-sync/internal/db/models"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

const providerName = "vendor"

// ErrNoToken means no usable token is stored and the consent flow must be completed.
var ErrNoToken = errors.New("no vendor token stored: authorization required")

// ErrReauthorizationRequired matches RefreshErrors caused by an expired,
// revoked or missing refresh token.
var ErrReauthorizationRequired = errors.New("re-authorization required")

// RefreshError is returned when the token endpoint rejects a refresh.
// Permanent errors deactivate the stored token; they are never retried.
type RefreshError struct {
	Err       error
	Permanent bool
}

func (e *RefreshError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("token refresh failed (re-authorization required): %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) Is(target error) bool {
	return target == ErrReauthorizationRequired && e.Permanent
}

// Status is the read-only token diagnostic.
type Status struct {
	HasToken         bool       `json:"has_token"`
	HasRefreshToken  bool       `json:"has_refresh_token"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	ExpiresInSeconds int64      `json:"expires_in_seconds"`
	IsExpired        bool       `json:"is_expired"`
	NeedsRefresh     bool       `json:"needs_refresh"`
	Scope            string     `json:"scope,omitempty"`
	LastRefreshedAt  *time.Time `json:"last_refreshed_at,omitempty"`
	SinceLastRefresh string     `json:"since_last_refresh,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
}

// Manager owns the vendor token lifecycle: consent exchange, storage,
// expiry-aware access and refresh.
type Manager struct {
	db         *gorm.DB
	vendor     config.VendorConfig
	margin     time.Duration
	httpClient *http.Client
	now        func() time.Time

	// serializes refreshes so one expiring token is refreshed once
	mu sync.Mutex
}

// NewManager creates a token manager for the configured vendor.
func NewManager(db *gorm.DB, vendor config.VendorConfig) *Manager {
	timeout := vendor.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		db:         db,
		vendor:     vendor,
		margin:     vendor.RefreshMargin,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// GenerateAuthURL returns the vendor consent URL.
func (m *Manager) GenerateAuthURL(redirectURI, state string) string {
	return practice.GetOAuthConfig(m.vendor, redirectURI).AuthCodeURL(state)
}

// ExchangeCodeForToken completes the authorization-code flow and stores the
// resulting token set, replacing any previous one.
func (m *Manager) ExchangeCodeForToken(ctx context.Context, code, redirectURI string) (*models.OAuthToken, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("authorization code is empty")
	}
	oc := practice.GetOAuthConfig(m.vendor, redirectURI)

	m.mu.Lock()
	defer m.mu.Unlock()

	tok, err := oc.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	stored, err := m.storeToken(ctx, tok, "", "authorization_code")
	if err != nil {
		return nil, err
	}
	log.Printf("✅ [Token] Authorized vendor access (expires: %s)", formatExpiry(stored.ExpiresAt))
	return stored, nil
}

// GetValidAccessToken returns an access token that is not expired and not
// within the refresh margin, refreshing first if needed.
func (m *Manager) GetValidAccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.activeToken(ctx)
	if err != nil {
		return "", err
	}
	if !m.needsRefresh(current, m.margin) {
		m.touch(ctx, current)
		return current.AccessToken, nil
	}

	log.Printf("⚠️ [Token] Access token expired or expiring (%s), refreshing...", formatExpiry(current.ExpiresAt))
	refreshed, err := m.refreshLocked(ctx, current)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// RefreshToken exchanges the stored refresh token for a new token set and
// returns the new expiry.
func (m *Manager) RefreshToken(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.activeToken(ctx)
	if err != nil {
		return time.Time{}, err
	}
	refreshed, err := m.refreshLocked(ctx, current)
	if err != nil {
		return time.Time{}, err
	}
	return refreshed.ExpiresAt, nil
}

// ForceRefresh refreshes after the vendor rejected rejected. If another caller
// already replaced that token, the current one is returned without a refresh.
func (m *Manager) ForceRefresh(ctx context.Context, rejected string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.activeToken(ctx)
	if err != nil {
		return "", err
	}
	if rejected != "" && current.AccessToken != rejected && !m.needsRefresh(current, 0) {
		return current.AccessToken, nil
	}
	log.Printf("🔄 [Token] Vendor rejected access token %s, forcing refresh", maskToken(rejected))
	refreshed, err := m.refreshLocked(ctx, current)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// RefreshIfExpiring refreshes the stored token when it expires within window.
// It reports whether a refresh happened; no stored token is not an error.
func (m *Manager) RefreshIfExpiring(ctx context.Context, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.activeToken(ctx)
	if errors.Is(err, ErrNoToken) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !m.needsRefresh(current, window) {
		return false, nil
	}
	if _, err := m.refreshLocked(ctx, current); err != nil {
		return false, err
	}
	return true, nil
}

// DeactivateTokens invalidates every stored token set.
func (m *Manager) DeactivateTokens(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := m.db.WithContext(ctx).Model(&models.OAuthToken{}).
		Where("is_active = ?", true).
		Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("deactivate tokens: %w", res.Error)
	}
	log.Printf("🔒 [Token] Deactivated %d token(s); re-authorization required", res.RowsAffected)
	return nil
}

// GetStoredToken returns the active token record, or ErrNoToken.
func (m *Manager) GetStoredToken(ctx context.Context) (*models.OAuthToken, error) {
	return m.activeToken(ctx)
}

// GetTokenStatus reports presence, expiry and refresh age of the active token.
func (m *Manager) GetTokenStatus(ctx context.Context) (Status, error) {
	current, err := m.activeToken(ctx)
	if errors.Is(err, ErrNoToken) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}

	now := m.now()
	st := Status{
		HasToken:        true,
		HasRefreshToken: current.RefreshToken != "",
		Scope:           current.Scope,
		NeedsRefresh:    m.needsRefresh(current, m.margin),
	}
	if !current.ExpiresAt.IsZero() {
		exp := current.ExpiresAt
		st.ExpiresAt = &exp
		st.IsExpired = !now.Before(exp)
		if !st.IsExpired {
			st.ExpiresInSeconds = int64(exp.Sub(now).Seconds())
		}
	}
	if !current.LastRefreshedAt.IsZero() {
		at := current.LastRefreshedAt
		st.LastRefreshedAt = &at
		st.SinceLastRefresh = now.Sub(at).Round(time.Second).String()
	}
	if !current.LastUsedAt.IsZero() {
		at := current.LastUsedAt
		st.LastUsedAt = &at
	}
	return st, nil
}

func (m *Manager) refreshLocked(ctx context.Context, current *models.OAuthToken) (*models.OAuthToken, error) {
	if current.RefreshToken == "" {
		m.invalidate(ctx, current)
		return nil, &RefreshError{Err: errors.New("stored token has no refresh token"), Permanent: true}
	}

	oc := practice.GetOAuthConfig(m.vendor, "")
	src := oc.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
	newToken, err := src.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			m.invalidate(ctx, current)
			log.Printf("❌ [Token] Refresh rejected by vendor: %v", err)
			return nil, &RefreshError{Err: err, Permanent: true}
		}
		log.Printf("⏳ [Token] Transient refresh failure, token remains active: %v", err)
		return nil, &RefreshError{Err: err}
	}

	if newToken.RefreshToken != "" && newToken.RefreshToken != current.RefreshToken {
		log.Printf("🔄 [Token] Rotating refresh token")
	}
	stored, err := m.storeToken(ctx, newToken, current.RefreshToken, "refresh_token")
	if err != nil {
		return nil, err
	}
	log.Printf("✅ [Token] Refreshed access token (expires: %s)", formatExpiry(stored.ExpiresAt))
	return stored, nil
}

// storeToken replaces the active token set with tok.
func (m *Manager) storeToken(ctx context.Context, tok *oauth2.Token, previousRefresh, grant string) (*models.OAuthToken, error) {
	now := m.now()
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}

	meta := map[string]interface{}{"grant": grant}
	for _, key := range []string{"refresh_token_expires_in", "user_id", "account_id"} {
		if v := tok.Extra(key); v != nil {
			meta[key] = v
		}
	}
	metaJSON, _ := json.Marshal(meta)

	record := &models.OAuthToken{
		Provider:         providerName,
		AccessToken:      tok.AccessToken,
		RefreshToken:     refresh,
		TokenType:        tok.Type(),
		Scope:            extraString(tok, "scope"),
		ExpiresAt:        tok.Expiry,
		LastUsedAt:       now,
		LastRefreshedAt:  now,
		IsActive:         true,
		ProviderMetadata: metaJSON,
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.OAuthToken{}).
			Where("provider = ? AND is_active = ?", providerName, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Create(record).Error
	})
	if err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	return record, nil
}

func (m *Manager) activeToken(ctx context.Context) (*models.OAuthToken, error) {
	var current models.OAuthToken
	err := m.db.WithContext(ctx).
		Where("provider = ? AND is_active = ?", providerName, true).
		Order("id DESC").
		First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	return &current, nil
}

func (m *Manager) needsRefresh(t *models.OAuthToken, window time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !m.now().Add(window).Before(t.ExpiresAt)
}

func (m *Manager) invalidate(ctx context.Context, t *models.OAuthToken) {
	if err := m.db.WithContext(ctx).Model(&models.OAuthToken{}).Where("id = ?", t.ID).
		Update("is_active", false).Error; err != nil {
		log.Printf("⚠️ [Token] Failed to deactivate token %d: %v", t.ID, err)
		return
	}
	log.Printf("🔒 [Token] Token marked as inactive. Please re-authorize.")
}

func (m *Manager) touch(ctx context.Context, t *models.OAuthToken) {
	m.db.WithContext(ctx).Model(&models.OAuthToken{}).Where("id = ?", t.ID).Update("last_used_at", m.now())
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func extraString(tok *oauth2.Token, key string) string {
	if s, ok := tok.Extra(key).(string); ok {
		return s
	}
	return ""
}

func maskToken(t string) string {
	if len(t) < 20 {
		return "***"
	}
	return "..." + t[len(t)-8:]
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
