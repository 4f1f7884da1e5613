// Package api exposes the thin admin HTTP surface: the vendor consent flow,
// token lifecycle, sync triggers and reports, and schedule control.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/exchange-sync/internal/api/middleware"
	"github.com/pysugar/exchange-sync/internal/auth/practice"
	"github.com/pysugar/exchange-sync/internal/auth/token"
	"github.com/pysugar/exchange-sync/internal/db/models"
	"github.com/pysugar/exchange-sync/internal/scheduler"
	"github.com/pysugar/exchange-sync/internal/syncer"
	"gorm.io/gorm"
)

// TokenService is the token lifecycle surface used by the handlers.
type TokenService interface {
	GenerateAuthURL(redirectURI, state string) string
	ExchangeCodeForToken(ctx context.Context, code, redirectURI string) (*models.OAuthToken, error)
	RefreshToken(ctx context.Context) (time.Time, error)
	DeactivateTokens(ctx context.Context) error
	GetTokenStatus(ctx context.Context) (token.Status, error)
	GetStoredToken(ctx context.Context) (*models.OAuthToken, error)
}

// SyncService triggers and reports orchestrated runs.
type SyncService interface {
	TriggerSync(ctx context.Context, req syncer.Request) (*models.SyncLog, error)
	Status(ctx context.Context) (syncer.Status, error)
	History(ctx context.Context, limit int) ([]models.SyncLog, error)
	Resources() []string
}

// ScheduleService controls the named jobs.
type ScheduleService interface {
	Jobs() []scheduler.JobStatus
	StartJob(name string) error
	StopJob(name string) error
	Reschedule(name, cadence string) error
	StopAll()
	Restart()
}

// Deps wires the router.
type Deps struct {
	DB            *gorm.DB
	Tokens        TokenService
	Sync          SyncService
	Schedule      ScheduleService
	States        *practice.StateStore
	RedirectURL   string
	AdminPassword string
}

// NewRouter builds the admin router.
func NewRouter(d Deps) http.Handler {
	if d.States == nil {
		d.States = practice.NewStateStore()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", HealthHandler())

	// consent flow runs in a browser, so it only takes the admin password
	r.Route("/auth/vendor", func(r chi.Router) {
		r.Use(middleware.AdminAuth(d.AdminPassword))
		r.Get("/login", LoginHandler(d.Tokens, d.States, d.RedirectURL))
		r.Get("/callback", CallbackHandler(d.Tokens, d.States, d.RedirectURL))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.DB, d.AdminPassword))

		r.Get("/token", StoredTokenHandler(d.Tokens))
		r.Get("/token/status", TokenStatusHandler(d.Tokens))
		r.Post("/token/refresh", TokenRefreshHandler(d.Tokens))
		r.Post("/token/deactivate", TokenDeactivateHandler(d.Tokens))

		r.Get("/config/apikey", GetAPIKeyHandler(d.DB))
		r.Post("/config/apikey/regenerate", RegenerateAPIKeyHandler(d.DB))

		r.Post("/sync", TriggerSyncHandler(d.Sync))
		r.Get("/sync/status", SyncStatusHandler(d.Sync))
		r.Get("/sync/history", SyncHistoryHandler(d.Sync))

		r.Get("/schedule", ScheduleHandler(d.Schedule))
		r.Post("/schedule/stop", StopAllJobsHandler(d.Schedule))
		r.Post("/schedule/restart", RestartJobsHandler(d.Schedule))
		r.Put("/schedule/{job}", RescheduleHandler(d.Schedule))
		r.Post("/schedule/{job}/start", StartJobHandler(d.Schedule))
		r.Post("/schedule/{job}/stop", StopJobHandler(d.Schedule))
	})

	return r
}
