package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pysugar/exchange-sync/internal/auth/practice"
	"github.com/pysugar/exchange-sync/internal/auth/token"
	"github.com/pysugar/exchange-sync/internal/db"
	"github.com/pysugar/exchange-sync/internal/db/dbtest"
	"github.com/pysugar/exchange-sync/internal/db/models"
	"github.com/pysugar/exchange-sync/internal/scheduler"
	"github.com/pysugar/exchange-sync/internal/syncer"
)

const testAPIKey = "sk-test"

type fakeTokens struct {
	exchangedCode string
	refreshErr    error
	deactivated   bool
}

func (f *fakeTokens) GenerateAuthURL(redirectURI, state string) string {
	return "https://vendor.example/oauth/authorize?state=" + url.QueryEscape(state) + "&redirect_uri=" + url.QueryEscape(redirectURI)
}

func (f *fakeTokens) ExchangeCodeForToken(ctx context.Context, code, redirectURI string) (*models.OAuthToken, error) {
	f.exchangedCode = code
	return &models.OAuthToken{AccessToken: "a", ExpiresAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}, nil
}

func (f *fakeTokens) RefreshToken(ctx context.Context) (time.Time, error) {
	return time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC), f.refreshErr
}

func (f *fakeTokens) DeactivateTokens(ctx context.Context) error {
	f.deactivated = true
	return nil
}

func (f *fakeTokens) GetStoredToken(ctx context.Context) (*models.OAuthToken, error) {
	if f.deactivated {
		return nil, token.ErrNoToken
	}
	return &models.OAuthToken{AccessToken: "access-token-0123456789", RefreshToken: "refresh-token-abcdef"}, nil
}

func (f *fakeTokens) GetTokenStatus(ctx context.Context) (token.Status, error) {
	return token.Status{HasToken: true, HasRefreshToken: true}, nil
}

type fakeSync struct {
	triggerErr error
	lastReq    syncer.Request
	history    []models.SyncLog
	lastLimit  int
}

func (f *fakeSync) TriggerSync(ctx context.Context, req syncer.Request) (*models.SyncLog, error) {
	f.lastReq = req
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	return &models.SyncLog{ID: "run-1", Status: models.SyncStatusRunning, SyncType: string(req.Mode)}, nil
}

func (f *fakeSync) Status(ctx context.Context) (syncer.Status, error) {
	return syncer.Status{Stats: models.SyncRunStats{TotalRuns: 4, SuccessCount: 3}}, nil
}

func (f *fakeSync) History(ctx context.Context, limit int) ([]models.SyncLog, error) {
	f.lastLimit = limit
	return f.history, nil
}

func (f *fakeSync) Resources() []string { return syncer.DefaultResources }

type fakeSchedule struct {
	cadences map[string]string
	active   map[string]bool
}

func newFakeSchedule() *fakeSchedule {
	return &fakeSchedule{
		cadences: map[string]string{scheduler.JobIncremental: "@every 15m"},
		active:   map[string]bool{scheduler.JobIncremental: true},
	}
}

func (f *fakeSchedule) Jobs() []scheduler.JobStatus {
	var out []scheduler.JobStatus
	for name, cadence := range f.cadences {
		out = append(out, scheduler.JobStatus{Name: name, Cadence: cadence, Active: f.active[name]})
	}
	return out
}

func (f *fakeSchedule) StartJob(name string) error { return f.set(name, true) }
func (f *fakeSchedule) StopJob(name string) error  { return f.set(name, false) }

func (f *fakeSchedule) set(name string, active bool) error {
	if _, ok := f.cadences[name]; !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownJob, name)
	}
	f.active[name] = active
	return nil
}

func (f *fakeSchedule) Reschedule(name, cadence string) error {
	if _, ok := f.cadences[name]; !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownJob, name)
	}
	if !strings.HasPrefix(cadence, "@") {
		return fmt.Errorf("%w: %q", scheduler.ErrInvalidCadence, cadence)
	}
	f.cadences[name] = cadence
	return nil
}

func (f *fakeSchedule) StopAll() {
	for name := range f.active {
		f.active[name] = false
	}
}

func (f *fakeSchedule) Restart() {
	for name := range f.cadences {
		f.active[name] = true
	}
}

type testServer struct {
	handler  http.Handler
	tokens   *fakeTokens
	sync     *fakeSync
	schedule *fakeSchedule
}

func newTestServer(t *testing.T, adminPassword string) *testServer {
	t.Helper()
	gdb := dbtest.Open(t)
	if err := db.SetSetting(gdb, "api_key", testAPIKey); err != nil {
		t.Fatalf("failed to seed api key: %v", err)
	}
	ts := &testServer{tokens: &fakeTokens{}, sync: &fakeSync{}, schedule: newFakeSchedule()}
	ts.handler = NewRouter(Deps{
		DB:            gdb,
		Tokens:        ts.tokens,
		Sync:          ts.sync,
		Schedule:      ts.schedule,
		States:        practice.NewStateStore(),
		RedirectURL:   "http://localhost:8080/auth/vendor/callback",
		AdminPassword: adminPassword,
	})
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestAPIRequiresKey(t *testing.T) {
	ts := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/sync/status", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sync/status", nil)
	req.Header.Set("x-api-key", testAPIKey)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with x-api-key, got %d", rec.Code)
	}
}

func TestAPIAcceptsAdminBasicAuth(t *testing.T) {
	ts := newTestServer(t, "hunter2")

	req := httptest.NewRequest(http.MethodGet, "/api/token/status", nil)
	req.SetBasicAuth("admin", "hunter2")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with admin auth, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/auth/vendor/login", nil)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected consent flow to require admin auth, got %d", rec.Code)
	}
}

func TestTriggerSyncAccepted(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodPost, "/api/sync", `{"resources":["contacts"],"mode":"full"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	if ts.sync.lastReq.TriggeredBy != "api" || ts.sync.lastReq.Mode != syncer.ModeFull {
		t.Fatalf("unexpected request %+v", ts.sync.lastReq)
	}
	var body struct {
		Status string         `json:"status"`
		Run    models.SyncLog `json:"run"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body.Status != "accepted" || body.Run.ID != "run-1" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	// an empty body triggers the default run
	rec = ts.do(http.MethodPost, "/api/sync", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for empty body, got %d", rec.Code)
	}
}

func TestTriggerSyncRejections(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{name: "in progress", err: syncer.ErrSyncInProgress, want: http.StatusConflict},
		{name: "unknown resource", err: fmt.Errorf("%w: widgets", syncer.ErrUnknownResource), want: http.StatusBadRequest},
		{name: "invalid request", err: errors.New("invalid sync request"), want: http.StatusBadRequest},
		{name: "malformed body", body: `{"mode":`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, "")
			ts.sync.triggerErr = tt.err
			body := tt.body
			if body == "" {
				body = `{}`
			}
			rec := ts.do(http.MethodPost, "/api/sync", body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d body=%s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSyncHistoryLimit(t *testing.T) {
	ts := newTestServer(t, "")
	ts.sync.history = []models.SyncLog{{ID: "b"}, {ID: "a"}}

	rec := ts.do(http.MethodGet, "/api/sync/history?limit=5", "")
	if rec.Code != http.StatusOK || ts.sync.lastLimit != 5 {
		t.Fatalf("expected limit 5 to pass through, got %d / %d", rec.Code, ts.sync.lastLimit)
	}
	if !strings.Contains(rec.Body.String(), `"count":2`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	rec = ts.do(http.MethodGet, "/api/sync/history?limit=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestTokenRoutes(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodPost, "/api/token/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	ts.tokens.refreshErr = &token.RefreshError{Err: errors.New("invalid_grant"), Permanent: true}
	rec = ts.do(http.MethodPost, "/api/token/refresh", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for revoked refresh token, got %d", rec.Code)
	}

	ts.tokens.refreshErr = &token.RefreshError{Err: errors.New("connection reset")}
	rec = ts.do(http.MethodPost, "/api/token/refresh", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for transient failure, got %d", rec.Code)
	}

	rec = ts.do(http.MethodGet, "/api/token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "access-token-0123456789") || !strings.Contains(rec.Body.String(), "****6789") {
		t.Fatalf("expected masked token, got %s", rec.Body.String())
	}

	rec = ts.do(http.MethodPost, "/api/token/deactivate", "")
	if rec.Code != http.StatusOK || !ts.tokens.deactivated {
		t.Fatalf("expected deactivation, got %d", rec.Code)
	}

	rec = ts.do(http.MethodGet, "/api/token", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a token, got %d", rec.Code)
	}
}

func TestRegenerateAPIKey(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodPost, "/api/config/apikey/regenerate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || !strings.HasPrefix(body["api_key"], "sk-") || body["api_key"] == testAPIKey {
		t.Fatalf("unexpected regenerate body %s", rec.Body.String())
	}

	// the old key no longer authenticates
	rec = ts.do(http.MethodGet, "/api/config/apikey", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected old key to be rejected, got %d", rec.Code)
	}
}

func TestConsentFlow(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodGet, "/auth/vendor/login", "")
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad location: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" || loc.Query().Get("redirect_uri") != "http://localhost:8080/auth/vendor/callback" {
		t.Fatalf("unexpected consent URL %s", loc)
	}

	rec = ts.do(http.MethodGet, "/auth/vendor/callback?code=c0de&state=forged", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected forged state to be rejected, got %d", rec.Code)
	}

	rec = ts.do(http.MethodGet, "/auth/vendor/callback?code=c0de&state="+url.QueryEscape(state), "")
	if rec.Code != http.StatusOK || ts.tokens.exchangedCode != "c0de" {
		t.Fatalf("expected code exchange, got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = ts.do(http.MethodGet, "/auth/vendor/callback?code=c0de&state="+url.QueryEscape(state), "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected state to be single use, got %d", rec.Code)
	}
}

func TestScheduleRoutes(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodPut, "/api/schedule/incremental", `{"cadence":"@every 5m"}`)
	if rec.Code != http.StatusOK || ts.schedule.cadences[scheduler.JobIncremental] != "@every 5m" {
		t.Fatalf("expected reschedule, got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = ts.do(http.MethodPut, "/api/schedule/incremental", `{"cadence":"often"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid cadence, got %d", rec.Code)
	}

	rec = ts.do(http.MethodPost, "/api/schedule/hourly/start", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}

	rec = ts.do(http.MethodPost, "/api/schedule/stop", "")
	if rec.Code != http.StatusOK || ts.schedule.active[scheduler.JobIncremental] {
		t.Fatalf("expected all jobs stopped, got %d", rec.Code)
	}

	rec = ts.do(http.MethodPost, "/api/schedule/incremental/start", "")
	if rec.Code != http.StatusOK || !ts.schedule.active[scheduler.JobIncremental] {
		t.Fatalf("expected job started, got %d", rec.Code)
	}

	rec = ts.do(http.MethodPost, "/api/schedule/restart", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, "hunter2")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}
