// Package guard decides whether a request may enter a role-restricted area
// or must be redirected to a login or onboarding page.
package guard

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/guidegenie/guidegenie/internal/model"
	"github.com/guidegenie/guidegenie/internal/session"
)

// WaitCeiling is the longest a guard waits for the session to initialize.
// After it passes the guard decides with whatever state is loaded.
const WaitCeiling = 5 * time.Second

// Redirect targets.
const (
	GuideLoginPath      = "/guides/login"
	GuideOnboardingPath = "/guides/onboarding"
	TouristLoginPath    = "/auth/tourist/login"
)

// Subject is the auth state a guard inspects. *session.Session satisfies it.
type Subject interface {
	WaitInitialized(ctx context.Context, timeout time.Duration) bool
	IsAuthenticated() bool
	GuideProfile() *model.GuideProfile
	CheckIsGuide(ctx context.Context) (bool, error)
}

// Decision is the outcome of a guard: either the navigation proceeds or it
// is replaced by a redirect.
type Decision struct {
	Allow    bool
	Redirect string
}

var allow = Decision{Allow: true}

func redirectTo(path string) Decision { return Decision{Redirect: path} }

// loginRedirect carries the originally requested path so the login page can
// send the user back.
func loginRedirect(loginPath string, to *url.URL) Decision {
	return redirectTo(loginPath + "?" + url.Values{"redirect": {to.RequestURI()}}.Encode())
}

// Func is a guard.
type Func func(ctx context.Context, s Subject, to *url.URL) Decision

// Wait blocks until s is initialized or the ceiling passes.
func Wait(ctx context.Context, s Subject) {
	s.WaitInitialized(ctx, WaitCeiling)
}

// GuideArea admits signed-in users with a guide profile. Anonymous visitors
// go to the guide login; signed-in users without a profile go to
// onboarding, unless they are already headed there.
func GuideArea(ctx context.Context, s Subject, to *url.URL) Decision {
	Wait(ctx, s)
	if !s.IsAuthenticated() {
		return loginRedirect(GuideLoginPath, to)
	}
	if s.GuideProfile() != nil {
		return allow
	}
	if ok, err := s.CheckIsGuide(ctx); err == nil && ok {
		return allow
	}
	if to.Path == GuideOnboardingPath {
		return allow
	}
	return redirectTo(GuideOnboardingPath)
}

// GuideOnboarding admits any signed-in user.
func GuideOnboarding(ctx context.Context, s Subject, to *url.URL) Decision {
	Wait(ctx, s)
	if !s.IsAuthenticated() {
		return loginRedirect(GuideLoginPath, to)
	}
	return allow
}

// TouristArea admits any signed-in user and sends others to the tourist login.
func TouristArea(ctx context.Context, s Subject, to *url.URL) Decision {
	Wait(ctx, s)
	if !s.IsAuthenticated() {
		return loginRedirect(TouristLoginPath, to)
	}
	return allow
}

// Middleware applies g to every request of a route group. Redirects use
// 302 Found. onDecision, if set, observes every decision.
func Middleware(name string, g Func, onDecision func(name string, d Decision)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var s Subject = anonymous{}
		if sess := session.FromContext(c); sess != nil {
			s = sess
		}
		d := g(c.Request.Context(), s, c.Request.URL)
		if onDecision != nil {
			onDecision(name, d)
		}
		if !d.Allow {
			c.Redirect(http.StatusFound, d.Redirect)
			c.Abort()
			return
		}
		c.Next()
	}
}

// anonymous stands in when no session middleware ran.
type anonymous struct{}

func (anonymous) WaitInitialized(context.Context, time.Duration) bool { return true }
func (anonymous) IsAuthenticated() bool                               { return false }
func (anonymous) GuideProfile() *model.GuideProfile                   { return nil }
func (anonymous) CheckIsGuide(context.Context) (bool, error)          { return false, nil }
