package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pysugar/exchange-sync/internal/config"
	"github.com/pysugar/exchange-sync/internal/db/dbtest"
	"github.com/pysugar/exchange-sync/internal/db/models"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

type fakeTokenEndpoint struct {
	refreshes atomic.Int32
	exchanges atomic.Int32
	status    int    // forced status for refresh requests, 0 means 200
	body      string // body paired with status
	rotate    bool
}

func (f *fakeTokenEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("client_id") != "client-1" || r.PostForm.Get("client_secret") != "secret-1" {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_client"}`)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		n := f.exchanges.Add(1)
		fmt.Fprintf(w, `{"access_token":"access-code-%d","refresh_token":"refresh-1","token_type":"bearer","expires_in":3600,"scope":"read"}`, n)
	case "refresh_token":
		n := f.refreshes.Add(1)
		if f.status != 0 {
			w.WriteHeader(f.status)
			fmt.Fprint(w, f.body)
			return
		}
		refresh := ""
		if f.rotate {
			refresh = fmt.Sprintf(`,"refresh_token":"refresh-rotated-%d"`, n)
		}
		fmt.Fprintf(w, `{"access_token":"access-refreshed-%d","token_type":"bearer","expires_in":3600%s}`, n, refresh)
	default:
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"unsupported_grant_type"}`)
	}
}

func newTestManager(t *testing.T, endpoint *fakeTokenEndpoint) (*Manager, *gorm.DB) {
	t.Helper()
	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)

	vendor := config.Default().Vendor
	vendor.ClientID = "client-1"
	vendor.ClientSecret = "secret-1"
	vendor.TokenURL = srv.URL + "/oauth/token"
	vendor.AuthURL = srv.URL + "/oauth/authorize"

	db := dbtest.Open(t)
	return NewManager(db, vendor), db
}

func seedToken(t *testing.T, db *gorm.DB, access, refresh string, expiresAt time.Time) {
	t.Helper()
	if err := db.Create(&models.OAuthToken{
		Provider:     providerName,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		IsActive:     true,
	}).Error; err != nil {
		t.Fatalf("seed token: %v", err)
	}
}

func TestGetValidAccessToken_NoToken(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeTokenEndpoint{})

	_, err := mgr.GetValidAccessToken(context.Background())
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestGetValidAccessToken_FreshTokenIsReturnedAsIs(t *testing.T) {
	endpoint := &fakeTokenEndpoint{}
	mgr, db := newTestManager(t, endpoint)
	seedToken(t, db, "access-live", "refresh-1", time.Now().Add(time.Hour))

	got, err := mgr.GetValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "access-live" {
		t.Fatalf("expected stored token, got %q", got)
	}
	if endpoint.refreshes.Load() != 0 {
		t.Fatalf("expected no refresh, got %d", endpoint.refreshes.Load())
	}
}

func TestGetValidAccessToken_RefreshesInsideMargin(t *testing.T) {
	endpoint := &fakeTokenEndpoint{}
	mgr, db := newTestManager(t, endpoint)
	// expires within the 5 minute margin
	seedToken(t, db, "access-old", "refresh-1", time.Now().Add(2*time.Minute))

	got, err := mgr.GetValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "access-refreshed-1" {
		t.Fatalf("expected refreshed token, got %q", got)
	}

	var active []models.OAuthToken
	db.Where("is_active = ?", true).Find(&active)
	if len(active) != 1 {
		t.Fatalf("expected exactly one active token, got %d", len(active))
	}
	if active[0].RefreshToken != "refresh-1" {
		t.Fatalf("expected refresh token to be carried over, got %q", active[0].RefreshToken)
	}
	if !active[0].ExpiresAt.After(time.Now().Add(50 * time.Minute)) {
		t.Fatalf("expected new expiry, got %v", active[0].ExpiresAt)
	}

	// second call must reuse the refreshed token
	if _, err := mgr.GetValidAccessToken(context.Background()); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if endpoint.refreshes.Load() != 1 {
		t.Fatalf("expected exactly one refresh, got %d", endpoint.refreshes.Load())
	}
}

func TestRefreshToken_RotatesRefreshToken(t *testing.T) {
	endpoint := &fakeTokenEndpoint{rotate: true}
	mgr, db := newTestManager(t, endpoint)
	seedToken(t, db, "access-old", "refresh-1", time.Now().Add(time.Hour))

	expiry, err := mgr.RefreshToken(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if expiry.Before(time.Now().Add(50 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiry)
	}

	stored, err := mgr.GetStoredToken(context.Background())
	if err != nil {
		t.Fatalf("stored: %v", err)
	}
	if stored.RefreshToken != "refresh-rotated-1" {
		t.Fatalf("expected rotated refresh token, got %q", stored.RefreshToken)
	}
}

func TestRefreshRevoked_SurfacesRefreshErrorAndInvalidates(t *testing.T) {
	endpoint := &fakeTokenEndpoint{
		status: http.StatusBadRequest,
		body:   `{"error":"invalid_grant","error_description":"refresh token revoked"}`,
	}
	mgr, db := newTestManager(t, endpoint)
	seedToken(t, db, "access-old", "refresh-1", time.Now().Add(-time.Minute))

	_, err := mgr.GetValidAccessToken(context.Background())
	var re *RefreshError
	if !errors.As(err, &re) || !re.Permanent {
		t.Fatalf("expected permanent RefreshError, got %v", err)
	}
	if !errors.Is(err, ErrReauthorizationRequired) {
		t.Fatalf("expected re-authorization required, got %v", err)
	}

	if _, err := mgr.GetValidAccessToken(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken after invalidation, got %v", err)
	}
	if endpoint.refreshes.Load() != 1 {
		t.Fatalf("expected a single refresh attempt, got %d", endpoint.refreshes.Load())
	}
}

func TestRefreshTransientFailureKeepsToken(t *testing.T) {
	endpoint := &fakeTokenEndpoint{status: http.StatusServiceUnavailable, body: `{"error":"temporarily_unavailable"}`}
	mgr, db := newTestManager(t, endpoint)
	seedToken(t, db, "access-old", "refresh-1", time.Now().Add(-time.Minute))

	_, err := mgr.GetValidAccessToken(context.Background())
	var re *RefreshError
	if !errors.As(err, &re) || re.Permanent {
		t.Fatalf("expected transient RefreshError, got %v", err)
	}
	if _, err := mgr.GetStoredToken(context.Background()); err != nil {
		t.Fatalf("expected token to stay active: %v", err)
	}
}

func TestMissingRefreshTokenRequiresReauthorization(t *testing.T) {
	mgr, db := newTestManager(t, &fakeTokenEndpoint{})
	seedToken(t, db, "access-old", "", time.Now().Add(-time.Minute))

	_, err := mgr.GetValidAccessToken(context.Background())
	if !errors.Is(err, ErrReauthorizationRequired) {
		t.Fatalf("expected re-authorization required, got %v", err)
	}
}

func TestExchangeCodeReplacesPreviousToken(t *testing.T) {
	endpoint := &fakeTokenEndpoint{}
	mgr, db := newTestManager(t, endpoint)
	seedToken(t, db, "access-old", "refresh-old", time.Now().Add(time.Hour))

	stored, err := mgr.ExchangeCodeForToken(context.Background(), "code-123", "http://localhost/cb")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if stored.AccessToken != "access-code-1" || stored.Scope != "read" || stored.TokenType != "bearer" {
		t.Fatalf("unexpected stored token %+v", stored)
	}

	var total, active int64
	db.Model(&models.OAuthToken{}).Count(&total)
	db.Model(&models.OAuthToken{}).Where("is_active = ?", true).Count(&active)
	if total != 2 || active != 1 {
		t.Fatalf("expected old token kept inactive, got total=%d active=%d", total, active)
	}

	if _, err := mgr.ExchangeCodeForToken(context.Background(), " ", "http://localhost/cb"); err == nil {
		t.Fatalf("expected empty code to be rejected")
	}
}

func TestForceRefreshSkipsWhenTokenAlreadyReplaced(t *testing.T) {
	endpoint := &fakeTokenEndpoint{}
	mgr, db := newTestManager(t, endpoint)
	seedToken(t, db, "access-new", "refresh-1", time.Now().Add(time.Hour))

	got, err := mgr.ForceRefresh(context.Background(), "access-stale")
	if err != nil || got != "access-new" {
		t.Fatalf("expected current token without refresh, got %q %v", got, err)
	}
	if endpoint.refreshes.Load() != 0 {
		t.Fatalf("expected no refresh")
	}

	got, err = mgr.ForceRefresh(context.Background(), "access-new")
	if err != nil || got != "access-refreshed-1" {
		t.Fatalf("expected forced refresh, got %q %v", got, err)
	}
}

func TestDeactivateAndStatus(t *testing.T) {
	mgr, db := newTestManager(t, &fakeTokenEndpoint{})
	ctx := context.Background()

	st, err := mgr.GetTokenStatus(ctx)
	if err != nil || st.HasToken {
		t.Fatalf("expected empty status, got %+v %v", st, err)
	}

	seedToken(t, db, "access-live", "refresh-1", time.Now().Add(time.Hour))
	st, err = mgr.GetTokenStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.HasToken || !st.HasRefreshToken || st.IsExpired || st.NeedsRefresh || st.ExpiresInSeconds <= 0 {
		t.Fatalf("unexpected status %+v", st)
	}

	if err := mgr.DeactivateTokens(ctx); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := mgr.GetValidAccessToken(ctx); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken after deactivation, got %v", err)
	}
}

func TestRefreshIfExpiring(t *testing.T) {
	endpoint := &fakeTokenEndpoint{}
	mgr, db := newTestManager(t, endpoint)
	ctx := context.Background()

	refreshed, err := mgr.RefreshIfExpiring(ctx, 20*time.Minute)
	if err != nil || refreshed {
		t.Fatalf("expected no-op without token, got %v %v", refreshed, err)
	}

	seedToken(t, db, "access-live", "refresh-1", time.Now().Add(time.Hour))
	refreshed, err = mgr.RefreshIfExpiring(ctx, 20*time.Minute)
	if err != nil || refreshed {
		t.Fatalf("expected no refresh outside window, got %v %v", refreshed, err)
	}

	refreshed, err = mgr.RefreshIfExpiring(ctx, 2*time.Hour)
	if err != nil || !refreshed {
		t.Fatalf("expected refresh inside window, got %v %v", refreshed, err)
	}
}

func TestGenerateAuthURL(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeTokenEndpoint{})
	raw := mgr.GenerateAuthURL("http://localhost:8080/auth/vendor/callback", "state-1")

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Path != "/oauth/authorize" || u.Query().Get("state") != "state-1" {
		t.Fatalf("unexpected auth url %s", raw)
	}
}

func TestIsPermanentRefreshError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "invalid grant", err: assertErr("oauth2: cannot fetch token: 400 Bad Request {\"error\":\"invalid_grant\"}"), permanent: true},
		{name: "retrieve error code", err: &oauth2.RetrieveError{ErrorCode: "unauthorized_client"}, permanent: true},
		{name: "revoked", err: assertErr("token has been expired or revoked"), permanent: true},
		{name: "timeout", err: assertErr("context deadline exceeded"), permanent: false},
		{name: "temporary", err: assertErr("temporarily_unavailable"), permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isPermanentRefreshError(tt.err)
			if got != tt.permanent {
				t.Fatalf("expected %v, got %v", tt.permanent, got)
			}
		})
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
