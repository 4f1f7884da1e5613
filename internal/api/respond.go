package api

import (
	"encoding/json"
	"net/http"

	"github.com/pysugar/exchange-sync/internal/db"
	"github.com/pysugar/exchange-sync/internal/version"
	"gorm.io/gorm"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"message": message},
	})
}

// HealthHandler reports liveness and the build version.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.String(),
		})
	}
}

// GetAPIKeyHandler returns the current API key.
func GetAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"api_key": db.GetAPIKey(database)})
	}
}

// RegenerateAPIKeyHandler replaces the API key; the old one stops working.
func RegenerateAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := db.RegenerateAPIKey(database)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to regenerate API key: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"api_key": key})
	}
}
