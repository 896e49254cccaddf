package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/guidegenie/guidegenie/internal/model"
	"github.com/guidegenie/guidegenie/internal/provider"
	"github.com/guidegenie/guidegenie/internal/session"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type echoInput struct {
	Text string `json:"text" validate:"required"`
}

type echoOutput struct {
	Text string `json:"text"`
}

func testRouter() *Router {
	r := NewRouter(zap.NewNop())
	r.Group("demo",
		Procedure("echo", Public, func(_ context.Context, _ *session.Session, in echoInput) (echoOutput, error) {
			return echoOutput{Text: in.Text}, nil
		}),
		Procedure("whoami", Authenticated, func(_ context.Context, s *session.Session, _ Empty) (string, error) {
			return s.User().Email, nil
		}),
		Procedure("secret", Admin, func(context.Context, *session.Session, Empty) (string, error) {
			return "42", nil
		}),
		Procedure("boom", Public, func(context.Context, *session.Session, Empty) (any, error) {
			return nil, errors.New("database on fire")
		}),
		Procedure("login", Public, func(ctx context.Context, s *session.Session, in struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}) (*model.User, error) {
			return s.Signin(ctx, in.Email, in.Password)
		}),
		Procedure("logout", Authenticated, func(ctx context.Context, s *session.Session, _ Empty) (Empty, error) {
			return Empty{}, s.Signout(ctx)
		}),
	)
	return r
}

type fixture struct {
	mem      *provider.Memory
	sessions *session.Manager
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := provider.NewMemory(provider.MemoryOptions{})
	mgr := session.NewManager(mem, session.Config{SiteURL: "http://localhost:3000"}, time.Minute, zap.NewNop())
	t.Cleanup(mgr.Close)
	return &fixture{mem: mem, sessions: mgr, router: testRouter()}
}

// signIn creates an account of the given role and returns its access token.
func (f *fixture) signIn(t *testing.T, email string, role model.UserType) string {
	t.Helper()
	ctx := context.Background()
	res, err := f.mem.SignUp(ctx, provider.SignUpParams{
		Email:    email,
		Password: "correct-horse-battery",
		Metadata: map[string]string{"user_type": "tourist", "name": "Test"},
	})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if role != model.UserTypeTourist {
		if err := f.mem.Users().Update(ctx, res.Identity.ID, provider.UserUpdate{UserType: &role}); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	return res.AccessToken
}

func TestRouter_authLevels(t *testing.T) {
	f := newFixture(t)
	tourist := f.signIn(t, "tourist@example.com", model.UserTypeTourist)
	admin := f.signIn(t, "admin@example.com", model.UserTypeAdmin)
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
		path  string
		want  Code
	}{
		{"anonymous public", "", "demo.echo", ""},
		{"anonymous authenticated", "", "demo.whoami", CodeUnauthorized},
		{"tourist authenticated", tourist, "demo.whoami", ""},
		{"tourist admin", tourist, "demo.secret", CodeForbidden},
		{"admin admin", admin, "demo.secret", ""},
		{"unknown procedure", tourist, "demo.nope", CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rerr := f.router.Call(ctx, f.sessions.Get(tt.token), tt.path, json.RawMessage(`{"text":"hi"}`))
			var got Code
			if rerr != nil {
				got = rerr.Code
			}
			if got != tt.want {
				t.Errorf("code = %q, want %q (err %v)", got, tt.want, rerr)
			}
		})
	}
}

func TestRouter_validationAndInternalErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	anon := f.sessions.Get("")

	_, rerr := f.router.Call(ctx, anon, "demo.echo", json.RawMessage(`{}`))
	if rerr == nil || rerr.Code != CodeBadRequest {
		t.Fatalf("missing field: got %v, want BAD_REQUEST", rerr)
	}
	if rerr.Details == nil {
		t.Error("expected field problems in details")
	}

	_, rerr = f.router.Call(ctx, anon, "demo.echo", json.RawMessage(`{"text":`))
	if rerr == nil || rerr.Code != CodeBadRequest {
		t.Errorf("malformed json: got %v, want BAD_REQUEST", rerr)
	}

	_, rerr = f.router.Call(ctx, anon, "demo.boom", nil)
	if rerr == nil || rerr.Code != CodeInternal {
		t.Fatalf("got %v, want INTERNAL", rerr)
	}
	if strings.Contains(rerr.Message, "fire") {
		t.Errorf("internal detail leaked: %q", rerr.Message)
	}
}

func TestRouter_observerSeesEveryCall(t *testing.T) {
	f := newFixture(t)
	var seen []string
	f.router.Observe(func(p string, code Code, _ time.Duration) {
		seen = append(seen, p+":"+string(code))
	})
	anon := f.sessions.Get("")
	f.router.Call(context.Background(), anon, "demo.echo", json.RawMessage(`{"text":"x"}`))
	f.router.Call(context.Background(), anon, "demo.whoami", nil)

	want := []string{"demo.echo:OK", "demo.whoami:UNAUTHORIZED"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Errorf("observed %v, want %v", seen, want)
	}
}

func TestRouter_duplicateRegistrationPanics(t *testing.T) {
	r := testRouter()
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate procedure")
		}
	}()
	r.Group("demo", Procedure("echo", Public, func(context.Context, *session.Session, Empty) (any, error) { return nil, nil }))
}

func TestAsError_mapsProviderAndSessionErrors(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{&session.InputError{Message: "name is required"}, CodeBadRequest},
		{session.ErrNotAuthenticated, CodeUnauthorized},
		{&session.AuthError{Message: "this email is already registered", Err: &provider.Error{Status: 422, Message: provider.MsgAlreadyRegistered}}, CodeConflict},
		{&provider.Error{Status: 409, Message: "duplicate"}, CodeConflict},
		{provider.ErrNoRows, CodeNotFound},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		got, _ := AsError(tt.err)
		if got.Code != tt.want {
			t.Errorf("AsError(%v) = %s, want %s", tt.err, got.Code, tt.want)
		}
	}
}

func TestHTTPHandler(t *testing.T) {
	f := newFixture(t)
	token := f.signIn(t, "http@example.com", model.UserTypeTourist)

	engine := gin.New()
	engine.Use(f.sessions.Middleware())
	engine.POST("/api/rpc/*path", f.router.HTTPHandler(f.sessions))

	call := func(path, body, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/rpc/"+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	w := call("demo.echo", `{"text":"hello"}`, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"result":{"text":"hello"}`) {
		t.Errorf("echo: %d %s", w.Code, w.Body.String())
	}

	w = call("demo.whoami", ``, "")
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), `"code":"UNAUTHORIZED"`) {
		t.Errorf("anonymous whoami: %d %s", w.Code, w.Body.String())
	}

	w = call("demo.whoami", ``, token)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "http@example.com") {
		t.Errorf("whoami: %d %s", w.Code, w.Body.String())
	}

	w = call("demo.echo", `{"text":"`+strings.Repeat("x", maxInputBytes)+`"}`, "")
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized input: status = %d", w.Code)
	}
}

func TestHTTPHandler_signinSetsCookie(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "cookie@example.com", model.UserTypeTourist)

	engine := gin.New()
	engine.Use(f.sessions.Middleware())
	engine.POST("/api/rpc/*path", f.router.HTTPHandler(f.sessions))

	req := httptest.NewRequest(http.MethodPost, "/api/rpc/demo.login",
		strings.NewReader(`{"email":"cookie@example.com","password":"correct-horse-battery"}`))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var found bool
	for _, ck := range w.Result().Cookies() {
		if ck.Name == session.CookieName && ck.Value != "" {
			found = true
		}
	}
	if !found {
		t.Error("expected the access token cookie after sign-in")
	}
	if f.sessions.Len() != 1 {
		t.Errorf("tracked sessions = %d, want 1", f.sessions.Len())
	}
}
