// Package practice holds the OAuth2 client configuration for the vendor
// practice-management API and the CSRF state used by the consent flow.
package practice

import (
	"github.com/pysugar/exchange-sync/internal/config"
	"golang.org/x/oauth2"
)

// GetOAuthConfig returns the OAuth2 config for the vendor, with redirectURL
// as the registered callback.
func GetOAuthConfig(cfg config.VendorConfig, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
			// the vendor expects client credentials in the form body
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// HasClientCredentials reports whether a client ID and secret are configured.
func HasClientCredentials(cfg config.VendorConfig) bool {
	return cfg.ClientID != "" && cfg.ClientSecret != ""
}
