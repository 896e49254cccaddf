package config

import (
	"strings"
	"testing"
	"time"

	"github.com/guidegenie/guidegenie/internal/model"
)

func clearSiteEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"SITE_URL", "URL", "DEPLOY_PRIME_URL", "VERCEL_URL", "PORT"} {
		t.Setenv(k, "")
	}
}

func TestSiteURL_fallbackChain(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"default port", nil, "http://localhost:3000"},
		{"custom port", map[string]string{"PORT": "4000"}, "http://localhost:4000"},
		{"vercel", map[string]string{"VERCEL_URL": "gg.vercel.app"}, "https://gg.vercel.app"},
		{"deploy preview beats vercel", map[string]string{"DEPLOY_PRIME_URL": "https://preview.netlify.app", "VERCEL_URL": "gg.vercel.app"}, "https://preview.netlify.app"},
		{"URL beats deploy preview", map[string]string{"URL": "https://guidegenie.app/", "DEPLOY_PRIME_URL": "https://preview.netlify.app"}, "https://guidegenie.app"},
		{"site.url wins", map[string]string{"SITE_URL": "https://www.guidegenie.app", "URL": "https://guidegenie.app"}, "https://www.guidegenie.app"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearSiteEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := SiteURL(New()); got != tt.want {
				t.Errorf("SiteURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoad_defaults(t *testing.T) {
	clearSiteEnv(t)
	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Backend != "memory" {
		t.Errorf("backend = %q", cfg.Provider.Backend)
	}
	if cfg.Server.SessionTTL != 30*time.Minute {
		t.Errorf("session ttl = %v", cfg.Server.SessionTTL)
	}
	if cfg.Server.SessionRevalidate != time.Minute {
		t.Errorf("session revalidate = %v", cfg.Server.SessionRevalidate)
	}
	if cfg.Server.SecureCookies {
		t.Error("cookies should not be Secure on plain http")
	}
	if len(cfg.OAuth) != 0 {
		t.Errorf("oauth providers without credentials: %v", cfg.OAuth)
	}
	if cfg.Uploads.Bucket != "" || cfg.Images.AccessKey != "" || cfg.Redis.Addr != "" {
		t.Error("optional integrations should be off by default")
	}
	if len(cfg.Billing.Plans) == 0 || cfg.Billing.DefaultPlan[model.UserTypeGuide] != "guide-starter" {
		t.Errorf("billing = %+v", cfg.Billing)
	}
}

func TestLoad_oauthRedirectDefaultsToSite(t *testing.T) {
	clearSiteEnv(t)
	v := New()
	v.Set("site.url", "https://guidegenie.app")
	v.Set("oauth.google.client_id", "gid")
	v.Set("oauth.google.client_secret", "gsecret")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g, ok := cfg.OAuth["google"]
	if !ok {
		t.Fatal("expected google to be configured")
	}
	if g.RedirectURL != "https://guidegenie.app/auth/oauth/google/callback" {
		t.Errorf("redirect = %q", g.RedirectURL)
	}
	if _, ok := cfg.OAuth["github"]; ok {
		t.Error("github has no credentials and should be skipped")
	}
	if !cfg.Server.SecureCookies {
		t.Error("https site should imply Secure cookies")
	}
}

func TestLoad_rejectsBadSettings(t *testing.T) {
	clearSiteEnv(t)
	tests := []struct {
		name string
		set  map[string]any
		want string
	}{
		{"unknown backend", map[string]any{"provider.backend": "sqlite"}, "provider.backend"},
		{"postgres without secret", map[string]any{"provider.backend": "postgres"}, "jwt_secret is required"},
		{"short secret", map[string]any{"provider.backend": "postgres", "provider.jwt_secret": "short"}, "at least 32"},
		{"bad plan", map[string]any{"billing.plans": []map[string]any{{"id": "x", "name": "X", "audience": "pirate", "currency": "EUR", "interval": "month"}}}, "billing.plans[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New()
			for k, val := range tt.set {
				v.Set(k, val)
			}
			_, err := Load(v)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
