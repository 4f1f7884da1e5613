package practice

import (
	"net/url"
	"testing"
	"time"

	"github.com/pysugar/exchange-sync/internal/config"
)

func TestStateIsSingleUse(t *testing.T) {
	s := NewStateStore()
	state := s.Issue()

	if !s.Consume(state) {
		t.Fatalf("expected issued state to be accepted")
	}
	if s.Consume(state) {
		t.Fatalf("expected state to be rejected on reuse")
	}
	if s.Consume("forged") || s.Consume("") {
		t.Fatalf("expected unknown state to be rejected")
	}
}

func TestStateExpires(t *testing.T) {
	s := NewStateStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	state := s.Issue()
	now = now.Add(StateTTL + time.Second)
	if s.Consume(state) {
		t.Fatalf("expected expired state to be rejected")
	}
}

func TestGetOAuthConfigAuthURL(t *testing.T) {
	cfg := config.Default().Vendor
	cfg.ClientID = "client-1"
	cfg.ClientSecret = "secret"

	oc := GetOAuthConfig(cfg, "http://localhost:8080/auth/vendor/callback")
	raw := oc.AuthCodeURL("xyz")

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	if u.Host != "app.clio.com" || q.Get("client_id") != "client-1" || q.Get("state") != "xyz" {
		t.Fatalf("unexpected auth url %s", raw)
	}
	if q.Get("redirect_uri") != "http://localhost:8080/auth/vendor/callback" || q.Get("response_type") != "code" {
		t.Fatalf("unexpected auth url %s", raw)
	}
	if !HasClientCredentials(cfg) {
		t.Fatalf("expected credentials to be reported")
	}
}
