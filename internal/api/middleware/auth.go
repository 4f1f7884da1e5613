package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pysugar/exchange-sync/internal/db"
	"gorm.io/gorm"
)

// AdminAuth requires HTTP basic auth with the admin password. An empty
// password disables the check.
func AdminAuth(password string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" || validAdmin(r, password) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="Exchange Sync Admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}

// APIKeyAuth validates the API key from the Authorization or x-api-key
// header. Requests carrying valid admin basic auth are let through as well.
func APIKeyAuth(database *gorm.DB, adminPassword string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expectedKey := db.GetAPIKey(database)
			if expectedKey == "" {
				// No API key configured, allow all requests (first-run scenario)
				next.ServeHTTP(w, r)
				return
			}

			if key := requestKey(r); key != "" && secureEqual(key, expectedKey) {
				next.ServeHTTP(w, r)
				return
			}
			if adminPassword != "" && validAdmin(r, adminPassword) {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "authentication_error"}}`))
		})
	}
}

func requestKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}

func validAdmin(r *http.Request, password string) bool {
	_, pass, ok := r.BasicAuth()
	return ok && secureEqual(pass, password)
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
