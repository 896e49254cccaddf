package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// newTestBroker returns a github-only broker whose token endpoint is a local
// server and whose profile lookup returns *profile.
func newTestBroker(t *testing.T, profile *OAuthProfile) (*OAuthBroker, *TokenIssuer) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"gh-token","token_type":"bearer"}`))
	}))
	t.Cleanup(srv.Close)

	tokens := NewTokenIssuer([]byte("test-secret"), "http://test", time.Hour)
	b := NewOAuthBroker(map[string]OAuthProviderConfig{
		"github": {ClientID: "id", ClientSecret: "secret", RedirectURL: "http://localhost/auth/oauth/github/callback"},
	}, tokens)
	b.cfgs["github"].Endpoint.TokenURL = srv.URL
	b.fetchProfile = func(context.Context, string, *oauth2.Token) (OAuthProfile, error) {
		return *profile, nil
	}
	return b, tokens
}

func TestMemory_oauthLinksByEmailOnlyWhenVerified(t *testing.T) {
	ctx := context.Background()
	profile := &OAuthProfile{Provider: "github", ProviderID: "42", Email: "Ana@Example.com", Name: "Ana"}
	broker, tokens := newTestBroker(t, profile)
	m := NewMemory(MemoryOptions{OAuth: broker})

	existing, err := m.SignUp(ctx, SignUpParams{Email: "ana@example.com", Password: "s3cure-pass"})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	state, _ := tokens.IssueOAuthState("github", "")
	_, _, err = m.ExchangeOAuthCode(ctx, "github", state, "code")
	perr, ok := IsProviderError(err)
	if !ok || perr.Code != "oauth_email_unverified" {
		t.Fatalf("unverified email: err = %v, want oauth_email_unverified", err)
	}

	profile.EmailVerified = true
	state, _ = tokens.IssueOAuthState("github", "")
	sess, _, err := m.ExchangeOAuthCode(ctx, "github", state, "code")
	if err != nil {
		t.Fatalf("verified email: %v", err)
	}
	if sess.Identity.ID != existing.Identity.ID {
		t.Errorf("identity = %s, want the existing %s", sess.Identity.ID, existing.Identity.ID)
	}

	// Once linked, the provider account signs in even if GitHub later
	// reports the address as unverified.
	profile.EmailVerified = false
	state, _ = tokens.IssueOAuthState("github", "")
	sess, _, err = m.ExchangeOAuthCode(ctx, "github", state, "code")
	if err != nil {
		t.Fatalf("linked account: %v", err)
	}
	if sess.Identity.ID != existing.Identity.ID {
		t.Errorf("linked identity = %s, want %s", sess.Identity.ID, existing.Identity.ID)
	}
}

func TestMemory_oauthUnverifiedNewEmailCreatesUnconfirmedIdentity(t *testing.T) {
	ctx := context.Background()
	profile := &OAuthProfile{Provider: "github", ProviderID: "7", Email: "new@example.com"}
	broker, tokens := newTestBroker(t, profile)
	m := NewMemory(MemoryOptions{OAuth: broker})

	state, _ := tokens.IssueOAuthState("github", "/tours")
	sess, redirectTo, err := m.ExchangeOAuthCode(ctx, "github", state, "code")
	if err != nil {
		t.Fatalf("ExchangeOAuthCode: %v", err)
	}
	if redirectTo != "/tours" {
		t.Errorf("redirect = %q, want /tours", redirectTo)
	}
	if sess.Identity.EmailConfirmed {
		t.Error("identity from an unverified email should not be confirmed")
	}
}

func TestPickGitHubEmail(t *testing.T) {
	emails := []githubEmail{
		{Email: "old@example.com", Verified: true},
		{Email: "main@example.com", Primary: true, Verified: false},
	}
	tests := []struct {
		name         string
		public       string
		emails       []githubEmail
		want         string
		wantVerified bool
	}{
		{"public listed verified", "Old@example.com", emails, "Old@example.com", true},
		{"public not listed", "other@example.com", emails, "other@example.com", false},
		{"primary", "", emails, "main@example.com", false},
		{"first when no primary", "", emails[:1], "old@example.com", true},
		{"none", "", nil, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, verified := pickGitHubEmail(tc.public, tc.emails)
			if got != tc.want || verified != tc.wantVerified {
				t.Errorf("pickGitHubEmail = (%q, %v), want (%q, %v)", got, verified, tc.want, tc.wantVerified)
			}
		})
	}
}
