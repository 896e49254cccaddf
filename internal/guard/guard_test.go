package guard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/guidegenie/guidegenie/internal/model"
)

type stubSubject struct {
	authenticated bool
	profile       *model.GuideProfile
	isGuide       bool
	guideErr      error

	waited    time.Duration
	checkedDB bool
}

func (s *stubSubject) WaitInitialized(_ context.Context, timeout time.Duration) bool {
	s.waited = timeout
	return true
}
func (s *stubSubject) IsAuthenticated() bool              { return s.authenticated }
func (s *stubSubject) GuideProfile() *model.GuideProfile { return s.profile }
func (s *stubSubject) CheckIsGuide(context.Context) (bool, error) {
	s.checkedDB = true
	return s.isGuide, s.guideErr
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestGuideArea(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		subject *stubSubject
		target  string
		want    Decision
	}{
		{
			name:    "anonymous goes to guide login with return path",
			subject: &stubSubject{},
			target:  "/guides/dashboard?tab=tours",
			want:    Decision{Redirect: "/guides/login?redirect=%2Fguides%2Fdashboard%3Ftab%3Dtours"},
		},
		{
			name:    "non-guide goes to onboarding",
			subject: &stubSubject{authenticated: true},
			target:  "/guides/tours/new",
			want:    Decision{Redirect: "/guides/onboarding"},
		},
		{
			name:    "non-guide already headed to onboarding proceeds",
			subject: &stubSubject{authenticated: true},
			target:  "/guides/onboarding",
			want:    Decision{Allow: true},
		},
		{
			name:    "guide with cached profile proceeds",
			subject: &stubSubject{authenticated: true, profile: &model.GuideProfile{}},
			target:  "/guides/dashboard",
			want:    Decision{Allow: true},
		},
		{
			name:    "guide found by fresh lookup proceeds",
			subject: &stubSubject{authenticated: true, isGuide: true},
			target:  "/guides/dashboard",
			want:    Decision{Allow: true},
		},
		{
			name:    "lookup failure counts as not a guide",
			subject: &stubSubject{authenticated: true, isGuide: true, guideErr: errors.New("timeout")},
			target:  "/guides/dashboard",
			want:    Decision{Redirect: "/guides/onboarding"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := GuideArea(ctx, tc.subject, mustURL(t, tc.target))
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestGuideArea_cachedProfileSkipsLookup(t *testing.T) {
	s := &stubSubject{authenticated: true, profile: &model.GuideProfile{}}
	GuideArea(context.Background(), s, mustURL(t, "/guides/dashboard"))
	if s.checkedDB {
		t.Error("expected no fresh lookup when the profile is cached")
	}
}

func TestGuideOnboarding(t *testing.T) {
	ctx := context.Background()
	if d := GuideOnboarding(ctx, &stubSubject{}, mustURL(t, "/guides/onboarding")); d.Redirect != "/guides/login?redirect=%2Fguides%2Fonboarding" {
		t.Errorf("anonymous: %+v", d)
	}
	if d := GuideOnboarding(ctx, &stubSubject{authenticated: true}, mustURL(t, "/guides/onboarding")); !d.Allow {
		t.Errorf("signed in: %+v", d)
	}
}

func TestTouristArea(t *testing.T) {
	ctx := context.Background()
	if d := TouristArea(ctx, &stubSubject{}, mustURL(t, "/bookings/42")); d.Redirect != "/auth/tourist/login?redirect=%2Fbookings%2F42" {
		t.Errorf("anonymous: %+v", d)
	}
	if d := TouristArea(ctx, &stubSubject{authenticated: true}, mustURL(t, "/favorites")); !d.Allow {
		t.Errorf("signed in: %+v", d)
	}
}

func TestGuards_waitIsBounded(t *testing.T) {
	for name, g := range map[string]Func{
		"guide":      GuideArea,
		"onboarding": GuideOnboarding,
		"tourist":    TouristArea,
	} {
		s := &stubSubject{}
		g(context.Background(), s, mustURL(t, "/x"))
		if s.waited <= 0 || s.waited > 5*time.Second {
			t.Errorf("%s: waited with timeout %v", name, s.waited)
		}
	}
}

func TestMiddleware_redirectsWithoutSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var seen []Decision
	r := gin.New()
	r.GET("/bookings/*rest", Middleware("tourist", TouristArea, func(_ string, d Decision) {
		seen = append(seen, d)
	}), func(c *gin.Context) {
		c.String(http.StatusOK, "bookings")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bookings/mine", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/auth/tourist/login?redirect=%2Fbookings%2Fmine" {
		t.Errorf("location = %q", loc)
	}
	if len(seen) != 1 || seen[0].Allow {
		t.Errorf("decisions = %+v", seen)
	}
}
