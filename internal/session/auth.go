package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guidegenie/guidegenie/internal/model"
	"github.com/guidegenie/guidegenie/internal/provider"
	"github.com/guidegenie/guidegenie/internal/retry"
	"go.uber.org/zap"
)

const (
	minPasswordLen = 8
	minNameLen     = 2
)

// weakPasswordPatterns are rejected anywhere in a password, ignoring case.
var weakPasswordPatterns = []string{"password", "12345678", "qwerty", "letmein"}

// OAuth providers offered on the login pages.
var oauthProviders = map[string]bool{"google": true, "apple": true, "github": true}

// SignupOptions are the inputs to Signup. UserType defaults to tourist.
type SignupOptions struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Name     string         `json:"name"`
	UserType model.UserType `json:"user_type,omitempty"`
}

// SignupOutcome says how much of the new account Signup could confirm.
type SignupOutcome int

const (
	// SignupResolved means the users row was found and User mirrors it.
	SignupResolved SignupOutcome = iota
	// SignupProvisional means the auth account exists but its users row did
	// not appear in time; User is built from the signup response.
	SignupProvisional
)

func (o SignupOutcome) String() string {
	if o == SignupProvisional {
		return "provisional"
	}
	return "resolved"
}

// SignupResult is the outcome of a successful Signup.
type SignupResult struct {
	User         *model.User   `json:"user"`
	Outcome      SignupOutcome `json:"-"`
	RedirectPath string        `json:"redirect_path"`
}

// ProfileUpdate lists the users-row fields a user may change. Nil fields
// are left as they are; an empty Phone removes the phone number.
type ProfileUpdate struct {
	Name  *string `json:"name,omitempty"`
	Phone *string `json:"phone,omitempty"`
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Signin verifies email and password with the provider and binds the
// session to the new access token.
func (s *Session) Signin(ctx context.Context, email, password string) (*model.User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, invalid("email is required")
	}
	if password == "" {
		return nil, invalid("password is required")
	}

	sess, err := s.client.Auth().SignInWithPassword(ctx, normalizeEmail(email), password)
	if err != nil {
		if perr, ok := provider.IsProviderError(err); ok {
			if strings.Contains(perr.Message, "Invalid login") {
				return nil, &AuthError{Message: "invalid email or password", Err: err}
			}
			return nil, &AuthError{Message: perr.Message, Err: err}
		}
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if sess == nil || sess.Identity == nil {
		return nil, &AuthError{Message: "signin failed - please try again"}
	}
	s.setToken(sess.AccessToken)

	u, err := s.FetchUser(ctx)
	if u == nil {
		return nil, &AuthError{Message: "failed to load user profile", Err: err}
	}
	return u, nil
}

// Signup creates an account and signs the session in. The users row is
// created asynchronously by the provider, so Signup polls for it and falls
// back to a provisional user built from the signup response when it does
// not show up; the account exists either way.
func (s *Session) Signup(ctx context.Context, opts SignupOptions) (*SignupResult, error) {
	if strings.TrimSpace(opts.Email) == "" {
		return nil, invalid("email is required")
	}
	if opts.Password == "" {
		return nil, invalid("password is required")
	}
	if len(opts.Password) < minPasswordLen {
		return nil, invalid("password must be at least 8 characters")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, invalid("name is required")
	}
	if len([]rune(name)) < minNameLen {
		return nil, invalid("name must be at least 2 characters")
	}
	lower := strings.ToLower(opts.Password)
	for _, p := range weakPasswordPatterns {
		if strings.Contains(lower, p) {
			return nil, invalid("please choose a stronger password")
		}
	}
	userType := opts.UserType
	if userType == "" {
		userType = model.UserTypeTourist
	}
	if userType != model.UserTypeTourist && userType != model.UserTypeGuide {
		return nil, invalid("user type must be tourist or guide")
	}

	redirectPath := "/tours"
	if userType == model.UserTypeGuide {
		redirectPath = "/guides/onboarding"
	}

	sess, err := s.client.Auth().SignUp(ctx, provider.SignUpParams{
		Email:    normalizeEmail(opts.Email),
		Password: opts.Password,
		Metadata: map[string]string{
			"name":      name,
			"user_type": string(userType),
		},
		EmailRedirectTo: s.cfg.SiteURL + "/auth/verified",
	})
	if err != nil {
		if perr, ok := provider.IsProviderError(err); ok {
			if strings.Contains(perr.Message, "already registered") ||
				strings.Contains(perr.Message, "User already exists") ||
				perr.Status == 422 {
				return nil, &AuthError{Message: "this email is already registered. please log in instead.", Err: err}
			}
			return nil, &AuthError{Message: perr.Message, Err: err}
		}
		return nil, fmt.Errorf("sign up: %w", err)
	}
	if sess == nil || sess.Identity == nil {
		return nil, &AuthError{Message: "signup failed - please try again"}
	}
	s.setToken(sess.AccessToken)

	res := retry.Poll(ctx, s.cfg.SignupPoll, func(ctx context.Context) (*model.User, bool, error) {
		u, err := s.FetchUser(ctx)
		return u, u != nil, err
	})
	if res.OK() {
		return &SignupResult{User: res.Value, Outcome: SignupResolved, RedirectPath: redirectPath}, nil
	}

	s.logger.Warn("user record not ready after signup",
		zap.String("user_id", sess.Identity.ID.String()),
		zap.Stringer("outcome", res.Outcome),
		zap.Int("attempts", res.Attempts),
		zap.Error(res.Err),
	)
	return &SignupResult{
		User: &model.User{
			ID:       sess.Identity.ID,
			Email:    sess.Identity.Email,
			UserType: userType,
			Name:     name,
			Phone:    nil,
		},
		Outcome:      SignupProvisional,
		RedirectPath: redirectPath,
	}, nil
}

// Signout ends the provider session and clears the local state. The state
// is cleared even when the provider call fails; that error is returned so
// the caller can log it.
func (s *Session) Signout(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	s.token = ""
	s.user = nil
	s.guide = nil
	s.mu.Unlock()

	if token == "" {
		return nil
	}
	if err := s.client.Auth().SignOut(ctx, token); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// RequestPasswordReset asks the provider to email a recovery link.
func (s *Session) RequestPasswordReset(ctx context.Context, email string) error {
	if strings.TrimSpace(email) == "" {
		return invalid("email is required")
	}
	err := s.client.Auth().ResetPasswordForEmail(ctx, normalizeEmail(email), s.cfg.SiteURL+"/auth/reset-password")
	return passThrough(err)
}

// ExchangeRecoveryToken binds the session to the recovery session opened
// by the link in a password reset email, so UpdatePassword can be called.
func (s *Session) ExchangeRecoveryToken(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, invalid("recovery token is required")
	}
	sess, err := s.client.Auth().VerifyRecovery(ctx, token)
	if err != nil {
		return nil, passThrough(err)
	}
	s.setToken(sess.AccessToken)
	return s.FetchUser(ctx)
}

// UpdatePassword sets a new password for the signed-in identity.
func (s *Session) UpdatePassword(ctx context.Context, newPassword string) error {
	if newPassword == "" {
		return invalid("password is required")
	}
	if len(newPassword) < minPasswordLen {
		return invalid("password must be at least 8 characters")
	}
	_, err := s.client.Auth().UpdateUser(ctx, s.AccessToken(), provider.UserAttributes{Password: &newPassword})
	return passThrough(err)
}

// UpdateProfile writes the given fields to the current user's row and
// reloads it.
func (s *Session) UpdateProfile(ctx context.Context, upd ProfileUpdate) error {
	id := s.UserID()
	if id == uuid.Nil {
		return ErrNotAuthenticated
	}
	err := s.client.Users().Update(ctx, id, provider.UserUpdate{
		Name:      upd.Name,
		Phone:     upd.Phone,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return passThrough(err)
	}
	_, err = s.FetchUser(ctx)
	return err
}

// SigninWithOAuth returns the URL of the provider's consent page. The
// browser is expected to navigate there; control comes back through the
// OAuth callback, which calls CompleteOAuth.
func (s *Session) SigninWithOAuth(ctx context.Context, oauthProvider, redirectTo string) (string, error) {
	if !oauthProviders[oauthProvider] {
		return "", invalid("unsupported sign-in provider")
	}
	if redirectTo == "" {
		redirectTo = s.cfg.SiteURL + "/auth/callback"
	}
	url, err := s.client.Auth().SignInWithOAuth(ctx, provider.OAuthParams{
		Provider:   oauthProvider,
		RedirectTo: redirectTo,
		QueryParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
	})
	if err != nil {
		return "", passThrough(err)
	}
	return url, nil
}

// CompleteOAuth exchanges the callback code for a session, binds it and
// returns the post-login redirect requested in SigninWithOAuth.
func (s *Session) CompleteOAuth(ctx context.Context, oauthProvider, state, code string) (string, error) {
	sess, redirectTo, err := s.client.Auth().ExchangeOAuthCode(ctx, oauthProvider, state, code)
	if err != nil {
		return "", passThrough(err)
	}
	s.setToken(sess.AccessToken)
	if _, err := s.FetchUser(ctx); err != nil {
		return "", err
	}
	return redirectTo, nil
}

// passThrough surfaces provider rejections verbatim and wraps anything else.
func passThrough(err error) error {
	if err == nil {
		return nil
	}
	if perr, ok := provider.IsProviderError(err); ok {
		return &AuthError{Message: perr.Message, Err: err}
	}
	var lookup *LookupError
	if errors.As(err, &lookup) {
		return err
	}
	return fmt.Errorf("auth provider: %w", err)
}
