package api

import (
	"fmt"
	"html"
	"log"
	"net/http"

	"github.com/pysugar/exchange-sync/internal/auth/practice"
)

// redirectFor uses the configured redirect URI, or derives one from the
// request host.
func redirectFor(r *http.Request, configured string) string {
	if configured != "" {
		return configured
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/auth/vendor/callback", scheme, r.Host)
}

// LoginHandler redirects to the vendor consent page.
func LoginHandler(tokens TokenService, states *practice.StateStore, redirectURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := tokens.GenerateAuthURL(redirectFor(r, redirectURL), states.Issue())
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
	}
}

// CallbackHandler completes the consent flow and stores the new token set.
func CallbackHandler(tokens TokenService, states *practice.StateStore, redirectURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			http.Error(w, "Authorization denied: "+errCode, http.StatusBadRequest)
			return
		}
		if !states.Consume(q.Get("state")) {
			http.Error(w, "Invalid state token", http.StatusBadRequest)
			return
		}

		stored, err := tokens.ExchangeCodeForToken(r.Context(), q.Get("code"), redirectFor(r, redirectURL))
		if err != nil {
			log.Printf("❌ [Auth] Code exchange failed: %v", err)
			http.Error(w, fmt.Sprintf("Token exchange failed: %v", err), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Vendor Connected</title></head>
<body>
	<h1>Vendor connected</h1>
	<p>Access token expires at %s. Scheduled syncs will use it from now on.</p>
</body>
</html>`, html.EscapeString(stored.ExpiresAt.UTC().Format("2006-01-02 15:04:05 MST")))
	}
}
