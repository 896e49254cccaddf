package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/guidegenie/guidegenie/internal/provider"
	"go.uber.org/zap"
)

// CookieName is the cookie that carries the provider access token.
const CookieName = "gg-access-token"

const ginKey = "guidegenie_session"

// initTimeout bounds the background FetchUser started for a new session.
const initTimeout = 10 * time.Second

type entry struct {
	sess     *Session
	lastSeen time.Time
	// checked is when the provider last confirmed the token.
	checked time.Time
}

// Manager owns the Sessions of a server process, keyed by access token.
// Sessions idle longer than the TTL are evicted, and a Session older than
// Config.Revalidate is replaced by a fresh one so the provider decides
// again whether its token is still good. The Manager subscribes to
// the provider's auth events and forwards them to the sessions of the
// affected user.
type Manager struct {
	client provider.Client
	cfg    Config
	ttl    time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry

	unsubscribe func()
}

// NewManager creates a Manager and subscribes it to client's auth events.
// ttl defaults to 30 minutes.
func NewManager(client provider.Client, cfg Config, ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	m := &Manager{
		client:  client,
		cfg:     cfg.withDefaults(),
		ttl:     ttl,
		logger:  logger,
		entries: make(map[string]*entry),
	}
	m.unsubscribe = client.Auth().OnAuthStateChange(m.dispatch)
	return m
}

// Close unsubscribes from auth events.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// Get returns the Session for accessToken, creating it if needed. New
// sessions start resolving their user in the background; use
// WaitInitialized before relying on the result. An empty token yields an
// initialized anonymous session that is not tracked. Tokens the provider
// rejects are dropped once the background lookup finishes.
func (m *Manager) Get(accessToken string) *Session {
	if accessToken == "" {
		s := New(m.client, "", m.cfg, m.logger)
		s.finishFetch()
		return s
	}

	now := time.Now()
	m.mu.Lock()
	if e, ok := m.entries[accessToken]; ok && now.Sub(e.checked) < m.cfg.Revalidate {
		e.lastSeen = now
		m.mu.Unlock()
		return e.sess
	}
	s := New(m.client, accessToken, m.cfg, m.logger)
	m.entries[accessToken] = &entry{sess: s, lastSeen: now, checked: now}
	m.mu.Unlock()

	go m.initialize(accessToken, s)
	return s
}

func (m *Manager) initialize(accessToken string, s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	_, err := s.FetchUser(ctx)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrNotAuthenticated) {
		m.logger.Warn("initialize session", zap.Error(err))
	}
	m.forget(accessToken, s)
}

// forget untracks accessToken if it still maps to s.
func (m *Manager) forget(accessToken string, s *Session) {
	m.mu.Lock()
	if e, ok := m.entries[accessToken]; ok && e.sess == s {
		delete(m.entries, accessToken)
	}
	m.mu.Unlock()
}

// Sync records a change of s's access token made while handling a request
// and rewrites the cookie (or clears it after a sign-out).
func (m *Manager) Sync(w http.ResponseWriter, s *Session, previous string) {
	if m.Track(s, previous) {
		WriteCookie(w, s.AccessToken(), m.cfg.SecureCookies)
	}
}

// Track moves s from its previous token to its current one. It reports
// whether the token changed. Callers without a cookie, such as gRPC, use it
// directly.
func (m *Manager) Track(s *Session, previous string) bool {
	current := s.AccessToken()
	if current == previous {
		return false
	}
	m.mu.Lock()
	if previous != "" {
		delete(m.entries, previous)
	}
	if current != "" {
		now := time.Now()
		m.entries[current] = &entry{sess: s, lastSeen: now, checked: now}
	}
	m.mu.Unlock()
	return true
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Evict drops sessions idle longer than the TTL and returns how many.
func (m *Manager) Evict() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.ttl)
	n := 0
	for token, e := range m.entries {
		if e.lastSeen.Before(cutoff) {
			delete(m.entries, token)
			n++
		}
	}
	return n
}

// StartEviction evicts idle sessions every interval until ctx ends.
func (m *Manager) StartEviction(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := m.Evict(); n > 0 {
					m.logger.Debug("session eviction", zap.Int("evicted", n))
				}
			}
		}
	}()
}

// dispatch forwards evt to every tracked session of the affected user. A
// sign-out only ends the sessions whose token the provider no longer
// accepts, so signing out one device leaves the others signed in.
func (m *Manager) dispatch(evt provider.Event) {
	m.mu.Lock()
	var targets []struct {
		token string
		sess  *Session
	}
	for token, e := range m.entries {
		if e.sess.UserID() == evt.UserID {
			targets = append(targets, struct {
				token string
				sess  *Session
			}{token, e.sess})
		}
	}
	m.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
		defer cancel()
		for _, t := range targets {
			if evt.Type == provider.EventSignedOut {
				if _, err := m.client.Auth().GetUser(ctx, t.token); !errors.Is(err, provider.ErrNoSession) {
					continue
				}
				m.mu.Lock()
				delete(m.entries, t.token)
				m.mu.Unlock()
			}
			t.sess.HandleAuthEvent(ctx, evt)
		}
	}()
}

// Middleware attaches the Session for the request's access token to the
// gin context.
func (m *Manager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ginKey, m.Get(TokenFromRequest(c.Request)))
		c.Next()
	}
}

// FromContext returns the Session attached by Middleware, or nil.
func FromContext(c *gin.Context) *Session {
	v, ok := c.Get(ginKey)
	if !ok {
		return nil
	}
	s, _ := v.(*Session)
	return s
}

// WriteCookie sets the access token cookie, or clears it when token is
// empty. The cookie lasts for the browser session.
func WriteCookie(w http.ResponseWriter, token string, secure bool) {
	ck := &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	if token == "" {
		ck.MaxAge = -1
	}
	http.SetCookie(w, ck)
}

// TokenFromRequest reads the access token from the Authorization bearer
// header, falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if ck, err := r.Cookie(CookieName); err == nil {
		return ck.Value
	}
	return ""
}
