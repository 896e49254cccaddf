package web

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/guidegenie/guidegenie/internal/guard"
	"github.com/guidegenie/guidegenie/internal/model"
	"github.com/guidegenie/guidegenie/internal/rpc"
	"github.com/guidegenie/guidegenie/internal/session"
	"go.uber.org/zap"
)

// Browser landing pages.
const (
	LoginPath          = "/auth/login"
	AuthCallbackPath   = "/auth/callback"
	GuideDashboardPath = "/guides/dashboard"
	ToursPath          = "/tours"
	AdminPath          = "/admin"
	UpdatePasswordPath = "/auth/update-password"
)

type signinRequest struct {
	Email    string `json:"email"    form:"email"`
	Password string `json:"password" form:"password"`
}

type emailRequest struct {
	Email string `json:"email" form:"email"`
}

type passwordRequest struct {
	Password string `json:"password" form:"password"`
}

func (s *Server) registerAuth(app *gin.RouterGroup) {
	a := app.Group("/auth")
	a.POST("/signin", s.handleSignin)
	a.POST("/signup", s.handleSignup)
	a.POST("/signout", s.handleSignout)
	a.POST("/password/reset", s.handleRequestReset)
	a.POST("/password/update", s.handleUpdatePassword)
	a.GET("/reset-password", s.handleResetLink)
	a.GET("/oauth/:provider", s.handleOAuthStart)
	a.GET("/oauth/:provider/callback", s.handleOAuthCallback)
	a.GET("/callback", s.handleLanding)
	a.GET("/login", page("login"))
	a.GET("/tourist/login", page("tourist_login"))
	a.GET("/update-password", page("update_password"))
}

func (s *Server) handleSignin(c *gin.Context) {
	var req signinRequest
	if !bind(c, &req) {
		return
	}
	sess := session.FromContext(c)
	before := sess.AccessToken()
	u, err := sess.Signin(c.Request.Context(), req.Email, req.Password)
	s.sessions.Sync(c.Writer, sess, before)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u, "redirect_path": landingFor(u, sess.GuideProfile() != nil)})
}

func (s *Server) handleSignup(c *gin.Context) {
	var req session.SignupOptions
	if !bind(c, &req) {
		return
	}
	sess := session.FromContext(c)
	before := sess.AccessToken()
	res, err := sess.Signup(c.Request.Context(), req)
	s.sessions.Sync(c.Writer, sess, before)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":          res.User,
		"redirect_path": res.RedirectPath,
		"outcome":       res.Outcome.String(),
	})
}

func (s *Server) handleSignout(c *gin.Context) {
	sess := session.FromContext(c)
	before := sess.AccessToken()
	if err := sess.Signout(c.Request.Context()); err != nil {
		s.logger.Warn("provider signout failed", zap.Error(err))
	}
	s.sessions.Sync(c.Writer, sess, before)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRequestReset(c *gin.Context) {
	var req emailRequest
	if !bind(c, &req) {
		return
	}
	if err := session.FromContext(c).RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleUpdatePassword(c *gin.Context) {
	var req passwordRequest
	if !bind(c, &req) {
		return
	}
	sess := session.FromContext(c)
	guard.Wait(c.Request.Context(), sess)
	if !sess.IsAuthenticated() {
		s.fail(c, session.ErrNotAuthenticated)
		return
	}
	if err := sess.UpdatePassword(c.Request.Context(), req.Password); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleResetLink is the target of the password reset email. It opens the
// recovery session and sends the browser to the password form.
func (s *Server) handleResetLink(c *gin.Context) {
	sess := session.FromContext(c)
	before := sess.AccessToken()
	_, err := sess.ExchangeRecoveryToken(c.Request.Context(), c.Query("token"))
	s.sessions.Sync(c.Writer, sess, before)
	if err != nil {
		c.Redirect(http.StatusFound, loginWithError(err))
		return
	}
	c.Redirect(http.StatusFound, UpdatePasswordPath)
}

func (s *Server) handleOAuthStart(c *gin.Context) {
	redirectTo := ""
	if raw := c.Query("redirect_to"); raw != "" {
		path, ok := safeRedirect(s.opts.SiteURL, raw)
		if !ok {
			s.fail(c, rpc.Errorf(rpc.CodeBadRequest, "redirect_to must stay on this site"))
			return
		}
		redirectTo = strings.TrimRight(s.opts.SiteURL, "/") + path
	}
	consent, err := session.FromContext(c).SigninWithOAuth(c.Request.Context(), c.Param("provider"), redirectTo)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Redirect(http.StatusFound, consent)
}

func (s *Server) handleOAuthCallback(c *gin.Context) {
	if e := c.Query("error"); e != "" {
		msg := c.Query("error_description")
		if msg == "" {
			msg = e
		}
		c.Redirect(http.StatusFound, LoginPath+"?"+url.Values{"error": {msg}}.Encode())
		return
	}

	sess := session.FromContext(c)
	before := sess.AccessToken()
	to, err := sess.CompleteOAuth(c.Request.Context(), c.Param("provider"), c.Query("state"), c.Query("code"))
	s.sessions.Sync(c.Writer, sess, before)
	if err != nil {
		s.logger.Warn("oauth callback failed", zap.String("provider", c.Param("provider")), zap.Error(err))
		c.Redirect(http.StatusFound, loginWithError(err))
		return
	}
	path, ok := safeRedirect(s.opts.SiteURL, to)
	if !ok {
		path = AuthCallbackPath
	}
	c.Redirect(http.StatusFound, path)
}

// handleLanding sends a freshly signed-in browser to its role's home.
func (s *Server) handleLanding(c *gin.Context) {
	sess := session.FromContext(c)
	guard.Wait(c.Request.Context(), sess)
	u := sess.User()
	if u == nil {
		c.Redirect(http.StatusFound, LoginPath)
		return
	}
	hasProfile := sess.GuideProfile() != nil
	if !hasProfile && u.UserType == model.UserTypeGuide {
		hasProfile, _ = sess.CheckIsGuide(c.Request.Context())
	}
	c.Redirect(http.StatusFound, landingFor(u, hasProfile))
}

func landingFor(u *model.User, hasGuideProfile bool) string {
	switch {
	case u == nil:
		return LoginPath
	case u.UserType == model.UserTypeAdmin:
		return AdminPath
	case u.UserType == model.UserTypeGuide && hasGuideProfile:
		return GuideDashboardPath
	case u.UserType == model.UserTypeGuide:
		return guard.GuideOnboardingPath
	default:
		return ToursPath
	}
}

// safeRedirect accepts a site-relative path, or an absolute URL on the
// site's own origin, and returns the path part. Anything else is refused.
func safeRedirect(siteURL, raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme == "" && u.Host == "" {
		if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
			return "", false
		}
		return u.RequestURI(), true
	}
	site, err := url.Parse(siteURL)
	if err != nil || site.Host == "" {
		return "", false
	}
	if !strings.EqualFold(u.Scheme, site.Scheme) || !strings.EqualFold(u.Host, site.Host) {
		return "", false
	}
	return u.RequestURI(), true
}

func loginWithError(err error) string {
	rerr, _ := rpc.AsError(err)
	return LoginPath + "?" + url.Values{"error": {rerr.Message}}.Encode()
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBind(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": rpc.Errorf(rpc.CodeBadRequest, "invalid request body")})
		return false
	}
	return true
}

func (s *Server) fail(c *gin.Context, err error) {
	rerr, internal := rpc.AsError(err)
	if internal {
		s.logger.Error("auth request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(rerr.HTTPStatus(), gin.H{"error": rerr})
}
