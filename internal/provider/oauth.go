package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

// OAuthProviderConfig holds OAuth client credentials for a single provider.
type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	// RedirectURL is the provider callback on this server, not the
	// post-login destination (that travels in the state token).
	RedirectURL string
}

// appleEndpoint is Sign in with Apple's authorization server.
var appleEndpoint = oauth2.Endpoint{
	AuthURL:   "https://appleid.apple.com/auth/authorize",
	TokenURL:  "https://appleid.apple.com/auth/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// OAuthProfile is the identity reported by a third-party provider.
type OAuthProfile struct {
	Provider   string
	ProviderID string
	Email      string
	// EmailVerified is the provider's claim that the user owns Email. Only
	// verified emails may attach to an existing identity.
	EmailVerified bool
	Name          string
}

// OAuthBroker builds consent URLs and exchanges authorization codes.
type OAuthBroker struct {
	cfgs   map[string]*oauth2.Config
	tokens *TokenIssuer
	// fetchProfile is replaced in tests.
	fetchProfile func(ctx context.Context, provider string, tok *oauth2.Token) (OAuthProfile, error)
}

// NewOAuthBroker creates an OAuthBroker. Providers without credentials are
// skipped; a nil or empty map disables OAuth.
func NewOAuthBroker(providers map[string]OAuthProviderConfig, tokens *TokenIssuer) *OAuthBroker {
	return &OAuthBroker{
		cfgs:         buildOAuthConfigs(providers),
		tokens:       tokens,
		fetchProfile: fetchOAuthProfile,
	}
}

// buildOAuthConfigs converts the raw provider config map into oauth2.Config instances.
func buildOAuthConfigs(providers map[string]OAuthProviderConfig) map[string]*oauth2.Config {
	cfgs := make(map[string]*oauth2.Config)
	for name, p := range providers {
		if p.ClientID == "" || p.ClientSecret == "" {
			continue
		}
		var endpoint oauth2.Endpoint
		var scopes []string
		switch name {
		case "github":
			endpoint = github.Endpoint
			scopes = []string{"user:email"}
		case "google":
			endpoint = google.Endpoint
			scopes = []string{"openid", "email", "profile"}
		case "apple":
			endpoint = appleEndpoint
			scopes = []string{"name", "email"}
		default:
			continue
		}
		cfgs[name] = &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		}
	}
	return cfgs
}

// Enabled reports whether the named provider is configured.
func (b *OAuthBroker) Enabled(provider string) bool {
	if b == nil {
		return false
	}
	_, ok := b.cfgs[provider]
	return ok
}

// ConsentURL returns the third-party consent page URL. Offline access is
// always requested so the provider issues a refresh token.
func (b *OAuthBroker) ConsentURL(p OAuthParams) (string, error) {
	if !b.Enabled(p.Provider) {
		return "", &Error{Status: 400, Code: "provider_disabled", Message: fmt.Sprintf("Unsupported provider: %s is not enabled", p.Provider)}
	}
	state, err := b.tokens.IssueOAuthState(p.Provider, p.RedirectTo)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if _, ok := p.QueryParams["prompt"]; !ok {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	for k, v := range p.QueryParams {
		if k == "access_type" {
			continue
		}
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return b.cfgs[p.Provider].AuthCodeURL(state, opts...), nil
}

// Exchange validates the state, trades the code for a provider token and
// fetches the user's profile. It returns the redirect target from the state.
func (b *OAuthBroker) Exchange(ctx context.Context, provider, state, code string) (OAuthProfile, string, error) {
	if !b.Enabled(provider) {
		return OAuthProfile{}, "", &Error{Status: 400, Code: "provider_disabled", Message: fmt.Sprintf("Unsupported provider: %s is not enabled", provider)}
	}
	gotProvider, redirectTo, err := b.tokens.VerifyOAuthState(state)
	if err != nil || gotProvider != provider {
		return OAuthProfile{}, "", &Error{Status: 400, Code: "bad_oauth_state", Message: "OAuth state is invalid or expired"}
	}
	if code == "" {
		return OAuthProfile{}, "", &Error{Status: 400, Code: "bad_oauth_callback", Message: "OAuth callback is missing the authorization code"}
	}
	tok, err := b.cfgs[provider].Exchange(ctx, code)
	if err != nil {
		return OAuthProfile{}, "", fmt.Errorf("oauth code exchange: %w", err)
	}
	profile, err := b.fetchProfile(ctx, provider, tok)
	if err != nil {
		return OAuthProfile{}, "", fmt.Errorf("fetch oauth profile: %w", err)
	}
	if profile.Email == "" {
		return OAuthProfile{}, "", &Error{Status: 400, Code: "oauth_email_missing", Message: "Provider did not return an email address"}
	}
	profile.Email = strings.ToLower(profile.Email)
	return profile, redirectTo, nil
}

// errUnverifiedOAuthEmail is returned when an OAuth login would attach to an
// existing identity through an email the third-party provider has not
// verified.
func errUnverifiedOAuthEmail() *Error {
	return &Error{Status: 400, Code: "oauth_email_unverified", Message: "Verify this email with the sign-in provider, or sign in with your password"}
}

// ─── Provider profile helpers ────────────────────────────────────────────────

func fetchOAuthProfile(ctx context.Context, provider string, tok *oauth2.Token) (OAuthProfile, error) {
	switch provider {
	case "github":
		return fetchGitHubProfile(ctx, tok.AccessToken)
	case "google":
		return fetchGoogleProfile(ctx, tok.AccessToken)
	case "apple":
		return appleProfileFromIDToken(tok)
	default:
		return OAuthProfile{}, fmt.Errorf("unsupported provider: %s", provider)
	}
}

func fetchGitHubProfile(ctx context.Context, accessToken string) (OAuthProfile, error) {
	body, err := oauthAPIGet(ctx, "https://api.github.com/user", accessToken)
	if err != nil {
		return OAuthProfile{}, err
	}
	var info struct {
		ID    int    `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return OAuthProfile{}, fmt.Errorf("parse github user info: %w", err)
	}

	name := info.Name
	if name == "" {
		name = info.Login
	}
	profile := OAuthProfile{Provider: "github", ProviderID: fmt.Sprintf("%d", info.ID), Email: info.Email, Name: name}

	// /user does not say whether the email is verified; /user/emails does.
	emails, err := fetchGitHubEmails(ctx, accessToken)
	if err != nil {
		return OAuthProfile{}, err
	}
	profile.Email, profile.EmailVerified = pickGitHubEmail(info.Email, emails)
	return profile, nil
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func fetchGitHubEmails(ctx context.Context, accessToken string) ([]githubEmail, error) {
	body, err := oauthAPIGet(ctx, "https://api.github.com/user/emails", accessToken)
	if err != nil {
		return nil, err
	}
	var emails []githubEmail
	if err := json.Unmarshal(body, &emails); err != nil {
		return nil, fmt.Errorf("parse github emails: %w", err)
	}
	return emails, nil
}

// pickGitHubEmail prefers the public email, then the primary one, then the
// first listed, and reports whether GitHub has verified the choice.
func pickGitHubEmail(public string, emails []githubEmail) (string, bool) {
	find := func(match func(githubEmail) bool) (githubEmail, bool) {
		for _, e := range emails {
			if match(e) {
				return e, true
			}
		}
		return githubEmail{}, false
	}
	if public != "" {
		e, ok := find(func(e githubEmail) bool { return strings.EqualFold(e.Email, public) })
		return public, ok && e.Verified
	}
	if e, ok := find(func(e githubEmail) bool { return e.Primary }); ok {
		return e.Email, e.Verified
	}
	if len(emails) > 0 {
		return emails[0].Email, emails[0].Verified
	}
	return "", false
}

func fetchGoogleProfile(ctx context.Context, accessToken string) (OAuthProfile, error) {
	body, err := oauthAPIGet(ctx, "https://www.googleapis.com/oauth2/v2/userinfo", accessToken)
	if err != nil {
		return OAuthProfile{}, err
	}
	var info struct {
		ID            string `json:"id"`
		Email         string `json:"email"`
		VerifiedEmail bool   `json:"verified_email"`
		Name          string `json:"name"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return OAuthProfile{}, fmt.Errorf("parse google user info: %w", err)
	}
	return OAuthProfile{Provider: "google", ProviderID: info.ID, Email: info.Email, EmailVerified: info.VerifiedEmail, Name: info.Name}, nil
}

// appleProfileFromIDToken reads the id_token returned by Apple's token
// endpoint. The token came straight from Apple over TLS, so its signature
// is not re-checked here.
func appleProfileFromIDToken(tok *oauth2.Token) (OAuthProfile, error) {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return OAuthProfile{}, fmt.Errorf("apple token response has no id_token")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return OAuthProfile{}, fmt.Errorf("parse apple id_token: %w", err)
	}
	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	// Apple sends email_verified as a bool or as the string "true".
	var verified bool
	switch v := claims["email_verified"].(type) {
	case bool:
		verified = v
	case string:
		verified = v == "true"
	}
	return OAuthProfile{Provider: "apple", ProviderID: sub, Email: email, EmailVerified: verified}, nil
}

func oauthAPIGet(ctx context.Context, url, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	// GitHub requires a User-Agent header
	if strings.Contains(url, "github.com") {
		req.Header.Set("User-Agent", "guidegenie/1.0")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api get %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api returned %d: %s", resp.StatusCode, body)
	}
	return body, nil
}
