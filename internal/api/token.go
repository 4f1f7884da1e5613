package api

import (
	"errors"
	"net/http"

	"github.com/pysugar/exchange-sync/internal/auth/token"
	"github.com/pysugar/exchange-sync/internal/util"
)

// StoredTokenHandler returns the active token record with its secrets masked.
func StoredTokenHandler(tokens TokenService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stored, err := tokens.GetStoredToken(r.Context())
		if errors.Is(err, token.ErrNoToken) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":      util.MaskSecret(stored.AccessToken),
			"refresh_token":     util.MaskSecret(stored.RefreshToken),
			"token_type":        stored.TokenType,
			"scope":             stored.Scope,
			"expires_at":        stored.ExpiresAt,
			"last_refreshed_at": stored.LastRefreshedAt,
			"last_used_at":      stored.LastUsedAt,
			"created_at":        stored.CreatedAt,
		})
	}
}

// TokenStatusHandler reports the stored token state.
func TokenStatusHandler(tokens TokenService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := tokens.GetTokenStatus(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// TokenRefreshHandler forces a refresh of the stored token.
func TokenRefreshHandler(tokens TokenService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expiresAt, err := tokens.RefreshToken(r.Context())
		switch {
		case errors.Is(err, token.ErrNoToken), errors.Is(err, token.ErrReauthorizationRequired):
			writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"expires_at": expiresAt,
		})
	}
}

// TokenDeactivateHandler invalidates the stored token set.
func TokenDeactivateHandler(tokens TokenService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := tokens.DeactivateTokens(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
