package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/guidegenie/guidegenie/internal/provider"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func signedInToken(t *testing.T, m *provider.Memory, email string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := m.SignUp(ctx, provider.SignUpParams{
		Email:    email,
		Password: "correct-horse-battery",
		Metadata: map[string]string{"user_type": "tourist"},
	}); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	sess, err := m.SignInWithPassword(ctx, email, "correct-horse-battery")
	if err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}
	return sess.AccessToken
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_getReusesSessions(t *testing.T) {
	m := provider.NewMemory(provider.MemoryOptions{})
	mgr := NewManager(m, testConfig(), time.Minute, zap.NewNop())
	defer mgr.Close()

	token := signedInToken(t, m, "a@example.com")
	s1 := mgr.Get(token)
	s2 := mgr.Get(token)
	if s1 != s2 {
		t.Fatal("expected the same session for the same token")
	}
	if !s1.WaitInitialized(context.Background(), time.Second) {
		t.Fatal("expected background initialization")
	}
	if !s1.IsAuthenticated() {
		t.Error("expected the token's user to be resolved")
	}

	anon := mgr.Get("")
	if !anon.Initialized() || anon.IsAuthenticated() {
		t.Error("expected an initialized anonymous session")
	}
	if mgr.Len() != 1 {
		t.Errorf("tracked = %d, want 1", mgr.Len())
	}
}

func TestManager_evictsIdleSessions(t *testing.T) {
	m := provider.NewMemory(provider.MemoryOptions{})
	mgr := NewManager(m, testConfig(), 10*time.Millisecond, zap.NewNop())
	defer mgr.Close()

	idle := mgr.Get(signedInToken(t, m, "idle@example.com"))
	idle.WaitInitialized(context.Background(), time.Second)
	time.Sleep(20 * time.Millisecond)
	if n := mgr.Evict(); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
	if mgr.Len() != 0 {
		t.Errorf("tracked = %d, want 0", mgr.Len())
	}
}

func TestManager_dropsRejectedTokens(t *testing.T) {
	m := provider.NewMemory(provider.MemoryOptions{})
	mgr := NewManager(m, testConfig(), time.Minute, zap.NewNop())
	defer mgr.Close()

	for i := 0; i < 100; i++ {
		s := mgr.Get(fmt.Sprintf("bogus-%d", i))
		s.WaitInitialized(context.Background(), time.Second)
		if s.IsAuthenticated() {
			t.Fatal("a bogus token must not authenticate")
		}
	}
	eventually(t, "rejected tokens to be untracked", func() bool { return mgr.Len() == 0 })
}

func TestManager_revalidatesExpiredTokens(t *testing.T) {
	m := provider.NewMemory(provider.MemoryOptions{TokenTTL: 200 * time.Millisecond})
	cfg := testConfig()
	cfg.Revalidate = 20 * time.Millisecond
	mgr := NewManager(m, cfg, time.Minute, zap.NewNop())
	defer mgr.Close()
	ctx := context.Background()

	token := signedInToken(t, m, "expiring@example.com")
	s := mgr.Get(token)
	s.WaitInitialized(ctx, time.Second)
	if !s.IsAuthenticated() {
		t.Fatal("expected a fresh token to authenticate")
	}

	time.Sleep(300 * time.Millisecond)
	if _, err := m.GetUser(ctx, token); !errors.Is(err, provider.ErrNoSession) {
		t.Fatalf("provider GetUser after expiry: err = %v, want ErrNoSession", err)
	}
	again := mgr.Get(token)
	again.WaitInitialized(ctx, time.Second)
	if again.IsAuthenticated() {
		t.Error("an expired token must stop authenticating once revalidated")
	}
	eventually(t, "expired token to be untracked", func() bool { return mgr.Len() == 0 })
}

func TestManager_reusesSessionWithinRevalidateWindow(t *testing.T) {
	m := provider.NewMemory(provider.MemoryOptions{})
	mgr := NewManager(m, testConfig(), time.Minute, zap.NewNop())
	defer mgr.Close()

	token := signedInToken(t, m, "steady@example.com")
	s := mgr.Get(token)
	s.WaitInitialized(context.Background(), time.Second)
	if mgr.Get(token) != s {
		t.Error("expected the cached session inside the revalidate window")
	}
	if got := m.Calls("GetUser"); got != 1 {
		t.Errorf("GetUser calls = %d, want 1", got)
	}
}

func TestManager_signOutOnlyEndsRevokedSessions(t *testing.T) {
	m := provider.NewMemory(provider.MemoryOptions{})
	mgr := NewManager(m, testConfig(), time.Minute, zap.NewNop())
	defer mgr.Close()
	ctx := context.Background()

	laptopToken := signedInToken(t, m, "multi@example.com")
	phone, err := m.SignInWithPassword(ctx, "multi@example.com", "correct-horse-battery")
	if err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}

	laptop := mgr.Get(laptopToken)
	other := mgr.Get(phone.AccessToken)
	laptop.WaitInitialized(ctx, time.Second)
	other.WaitInitialized(ctx, time.Second)

	if err := m.SignOut(ctx, phone.AccessToken); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	eventually(t, "revoked session to be cleared", func() bool { return !other.IsAuthenticated() })
	if !laptop.IsAuthenticated() {
		t.Error("sign-out on one device must not end the other")
	}
	eventually(t, "revoked session to be untracked", func() bool { return mgr.Len() == 1 })
}

func TestManager_syncFollowsTokenChanges(t *testing.T) {
	m := provider.NewMemory(provider.MemoryOptions{})
	mgr := NewManager(m, testConfig(), time.Minute, zap.NewNop())
	defer mgr.Close()
	ctx := context.Background()
	if _, err := m.SignUp(ctx, provider.SignUpParams{Email: "sync@example.com", Password: "correct-horse-battery"}); err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	s := mgr.Get("")
	if _, err := s.Signin(ctx, "sync@example.com", "correct-horse-battery"); err != nil {
		t.Fatalf("Signin: %v", err)
	}
	w := httptest.NewRecorder()
	mgr.Sync(w, s, "")
	if mgr.Len() != 1 || mgr.Get(s.AccessToken()) != s {
		t.Fatal("expected the signed-in session to be tracked under its token")
	}
	if ck := w.Result().Cookies(); len(ck) != 1 || ck[0].Value != s.AccessToken() || !ck[0].HttpOnly {
		t.Fatalf("cookies = %+v", ck)
	}

	prev := s.AccessToken()
	if err := s.Signout(ctx); err != nil {
		t.Fatalf("Signout: %v", err)
	}
	w = httptest.NewRecorder()
	mgr.Sync(w, s, prev)
	if mgr.Len() != 0 {
		t.Errorf("tracked = %d, want 0", mgr.Len())
	}
	if ck := w.Result().Cookies(); len(ck) != 1 || ck[0].MaxAge >= 0 {
		t.Errorf("expected the cookie to be cleared, got %+v", ck)
	}
}

func TestMiddleware_readsBearerAndCookie(t *testing.T) {
	m := provider.NewMemory(provider.MemoryOptions{})
	mgr := NewManager(m, testConfig(), time.Minute, zap.NewNop())
	defer mgr.Close()
	token := signedInToken(t, m, "mw@example.com")

	r := gin.New()
	r.Use(mgr.Middleware())
	r.GET("/whoami", func(c *gin.Context) {
		s := FromContext(c)
		s.WaitInitialized(c.Request.Context(), time.Second)
		if u := s.User(); u != nil {
			c.String(http.StatusOK, u.Email)
			return
		}
		c.String(http.StatusOK, "anonymous")
	})

	for name, setup := range map[string]func(*http.Request){
		"bearer": func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+token) },
		"cookie": func(req *http.Request) { req.AddCookie(&http.Cookie{Name: CookieName, Value: token}) },
	} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		setup(req)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Body.String() != "mw@example.com" {
			t.Errorf("%s: body = %q", name, w.Body.String())
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if w.Body.String() != "anonymous" {
		t.Errorf("no token: body = %q", w.Body.String())
	}
}
