// Package session resolves who is signed in for one browser session and
// performs the credential operations that change it.
//
// A Session is created per access token by a Manager and lives until the
// user signs out or the session sits idle past the Manager's TTL. All state
// is guarded by a mutex; concurrent operations on the same Session are
// allowed and the last write wins.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guidegenie/guidegenie/internal/model"
	"github.com/guidegenie/guidegenie/internal/provider"
	"github.com/guidegenie/guidegenie/internal/retry"
	"go.uber.org/zap"
)

// Config holds settings shared by every Session.
type Config struct {
	// SiteURL is the public base URL used to build email and OAuth redirects.
	SiteURL string
	// SignupPoll bounds the wait for the users row after signup
	// (default: 5 attempts, 500ms apart, starting with a delay).
	SignupPoll retry.Policy
	// SecureCookies marks the access token cookie Secure.
	SecureCookies bool
	// Revalidate is how long a Manager trusts a resolved token before
	// asking the provider again (default 1 minute).
	Revalidate time.Duration
}

func (c Config) withDefaults() Config {
	if c.SignupPoll.Attempts == 0 {
		c.SignupPoll = retry.Policy{Attempts: 5, Interval: 500 * time.Millisecond, InitialDelay: true}
	}
	if c.Revalidate == 0 {
		c.Revalidate = time.Minute
	}
	c.SiteURL = strings.TrimRight(c.SiteURL, "/")
	return c
}

// State is a point-in-time copy of a Session's state.
type State struct {
	User         *model.User         `json:"user"`
	GuideProfile *model.GuideProfile `json:"guide_profile"`
	Loading      bool                `json:"loading"`
	Initialized  bool                `json:"initialized"`
}

// Session is the auth state of one browser session.
type Session struct {
	client provider.Client
	cfg    Config
	logger *zap.Logger

	mu          sync.RWMutex
	token       string
	user        *model.User
	guide       *model.GuideProfile
	loading     bool
	initialized bool

	readyOnce sync.Once
	ready     chan struct{}
}

// New creates a Session for accessToken, which may be empty.
func New(client provider.Client, accessToken string, cfg Config, logger *zap.Logger) *Session {
	return &Session{
		client:  client,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		token:   accessToken,
		loading: true,
		ready:   make(chan struct{}),
	}
}

// AccessToken returns the provider access token the session is bound to.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) setToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		User:         copyUser(s.user),
		GuideProfile: copyGuide(s.guide),
		Loading:      s.loading,
		Initialized:  s.initialized,
	}
}

// User returns a copy of the current user, or nil.
func (s *Session) User() *model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyUser(s.user)
}

// GuideProfile returns a copy of the cached guide profile, or nil.
func (s *Session) GuideProfile() *model.GuideProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyGuide(s.guide)
}

// UserID returns the current user's id, or uuid.Nil.
func (s *Session) UserID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return uuid.Nil
	}
	return s.user.ID
}

func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}

// IsGuide requires both the guide role and a loaded guide profile.
func (s *Session) IsGuide() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil && s.user.UserType == model.UserTypeGuide && s.guide != nil
}

func (s *Session) IsTourist() bool { return s.hasRole(model.UserTypeTourist) }

func (s *Session) IsAdmin() bool { return s.hasRole(model.UserTypeAdmin) }

func (s *Session) hasRole(t model.UserType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil && s.user.UserType == t
}

// Initialized reports whether the first FetchUser has finished.
func (s *Session) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// WaitInitialized blocks until the first FetchUser has finished, timeout
// elapses, or ctx ends. It reports whether the session is initialized.
func (s *Session) WaitInitialized(ctx context.Context, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.ready:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Ready is closed once the session is initialized.
func (s *Session) Ready() <-chan struct{} { return s.ready }

func (s *Session) finishFetch() {
	s.mu.Lock()
	s.loading = false
	s.initialized = true
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) clear() {
	s.mu.Lock()
	s.user = nil
	s.guide = nil
	s.mu.Unlock()
}

// FetchUser resolves the identity behind the session's access token and
// loads its users row, creating the row if the provider has an identity
// but the table does not. Guides also get their profile loaded.
//
// It returns ErrNotAuthenticated when there is no identity and a
// *LookupError when a provider call failed; both leave the state cleared.
func (s *Session) FetchUser(ctx context.Context) (*model.User, error) {
	s.mu.Lock()
	s.loading = true
	token := s.token
	s.mu.Unlock()
	defer s.finishFetch()

	if token == "" {
		s.clear()
		return nil, ErrNotAuthenticated
	}

	id, err := s.client.Auth().GetUser(ctx, token)
	if err != nil {
		if errors.Is(err, provider.ErrNoSession) {
			s.clear()
			return nil, ErrNotAuthenticated
		}
		return nil, s.lookupFailed("get auth user", err)
	}

	u, err := s.client.Users().Get(ctx, id.ID)
	if errors.Is(err, provider.ErrNoRows) {
		u, err = s.client.Users().Insert(ctx, rowFromIdentity(id))
		if err != nil {
			return nil, s.lookupFailed("create user record", err)
		}
		s.logger.Info("created missing user record", zap.String("user_id", u.ID.String()))
	} else if err != nil {
		return nil, s.lookupFailed("get user record", err)
	}

	s.mu.Lock()
	s.user = u
	if u.UserType != model.UserTypeGuide {
		s.guide = nil
	}
	s.mu.Unlock()

	if u.UserType == model.UserTypeGuide {
		if _, err := s.FetchGuideProfile(ctx); err != nil {
			s.logger.Warn("fetch guide profile", zap.String("user_id", u.ID.String()), zap.Error(err))
		}
	}
	return copyUser(u), nil
}

func (s *Session) lookupFailed(op string, err error) error {
	s.logger.Error("fetch user", zap.String("op", op), zap.Error(err))
	s.clear()
	return &LookupError{Op: op, Err: err}
}

// rowFromIdentity builds the users row for an identity that has none.
func rowFromIdentity(id *provider.Identity) *model.User {
	name := id.Metadata["name"]
	if name == "" {
		name = strings.SplitN(id.Email, "@", 2)[0]
	}
	if name == "" {
		name = "user"
	}
	userType, err := model.ParseUserType(id.Metadata["user_type"])
	if err != nil {
		userType = model.UserTypeTourist
	}
	return &model.User{
		ID:       id.ID,
		Email:    id.Email,
		Name:     name,
		UserType: userType,
	}
}

// FetchGuideProfile loads the guide profile of the current user. A user
// without one yields (nil, nil). The profile is cached only for users with
// the guide role.
func (s *Session) FetchGuideProfile(ctx context.Context) (*model.GuideProfile, error) {
	s.mu.RLock()
	u := s.user
	s.mu.RUnlock()
	if u == nil {
		return nil, ErrNotAuthenticated
	}

	g, err := s.client.Guides().GetByUserID(ctx, u.ID)
	if err != nil {
		s.mu.Lock()
		s.guide = nil
		s.mu.Unlock()
		if errors.Is(err, provider.ErrNoRows) {
			return nil, nil
		}
		return nil, &LookupError{Op: "get guide profile", Err: err}
	}

	s.mu.Lock()
	if s.user != nil && s.user.ID == u.ID && s.user.UserType == model.UserTypeGuide {
		s.guide = g
	}
	s.mu.Unlock()
	return copyGuide(g), nil
}

// CheckIsGuide reports whether the current user has a guide profile,
// answering from the cache when one is loaded.
func (s *Session) CheckIsGuide(ctx context.Context) (bool, error) {
	s.mu.RLock()
	u, g := s.user, s.guide
	s.mu.RUnlock()
	if u == nil {
		return false, nil
	}
	if g != nil {
		return true, nil
	}
	profile, err := s.FetchGuideProfile(ctx)
	if err != nil {
		return false, err
	}
	return profile != nil, nil
}

// HandleAuthEvent applies a provider auth state change to the session.
func (s *Session) HandleAuthEvent(ctx context.Context, evt provider.Event) {
	switch evt.Type {
	case provider.EventSignedIn, provider.EventTokenRefreshed, provider.EventUserUpdated:
		if _, err := s.FetchUser(ctx); err != nil && !errors.Is(err, ErrNotAuthenticated) {
			s.logger.Warn("refresh after auth event", zap.String("event", string(evt.Type)), zap.Error(err))
		}
	case provider.EventSignedOut:
		s.clear()
	}
}

func copyUser(u *model.User) *model.User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}

func copyGuide(g *model.GuideProfile) *model.GuideProfile {
	if g == nil {
		return nil
	}
	cp := *g
	return &cp
}
