// Package web assembles the HTTP surface: middleware, browser auth routes,
// role-guarded page areas and the RPC endpoint.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/guidegenie/guidegenie/internal/guard"
	"github.com/guidegenie/guidegenie/internal/rpc"
	"github.com/guidegenie/guidegenie/internal/session"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Options configure the engine.
type Options struct {
	SiteURL       string
	CORSOrigins   []string
	RateLimitRPS  int
	SecureCookies bool
}

// Server holds the handlers' dependencies.
type Server struct {
	opts     Options
	sessions *session.Manager
	router   *rpc.Router
	logger   *zap.Logger
}

// NewServer returns a Server. router may be nil, in which case the RPC
// endpoint is not mounted.
func NewServer(opts Options, sessions *session.Manager, router *rpc.Router, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{opts: opts, sessions: sessions, router: router, logger: logger}
}

// Engine builds the gin engine. ctx bounds background work such as the
// rate limiter's cleanup.
func (s *Server) Engine(ctx context.Context) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))
	r.Use(PrometheusMiddleware())

	corsCfg := cors.Config{
		AllowOrigins:     s.opts.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: !containsWildcard(s.opts.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	if len(corsCfg.AllowOrigins) == 0 {
		corsCfg.AllowOrigins = []string{s.opts.SiteURL}
	}
	r.Use(cors.New(corsCfg))

	r.Use(securityHeaders(s.opts.SecureCookies))
	r.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		c.Next()
	})
	if s.opts.RateLimitRPS > 0 {
		r.Use(RateLimiter(ctx, s.opts.RateLimitRPS, s.opts.RateLimitRPS*2))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", MetricsHandler())

	app := r.Group("/", s.sessions.Middleware())
	s.registerAuth(app)
	s.registerPages(app)
	if s.router != nil {
		app.POST("/api/rpc/*path", s.router.HTTPHandler(s.sessions))
	}
	return r
}

func (s *Server) registerPages(app *gin.RouterGroup) {
	guides := app.Group("/guides")
	{
		area := guard.Middleware("guide_area", guard.GuideArea, RecordGuard)
		guides.GET("/dashboard", area, page("guide_dashboard"))
		guides.GET("/dashboard/*rest", area, page("guide_dashboard"))
		guides.GET("/tours", area, page("guide_tours"))
		guides.GET("/tours/*rest", area, page("guide_tours"))
		guides.GET("/onboarding", guard.Middleware("guide_onboarding", guard.GuideOnboarding, RecordGuard), page("guide_onboarding"))
		guides.GET("/login", page("guide_login"))
	}

	tourist := guard.Middleware("tourist_area", guard.TouristArea, RecordGuard)
	app.GET("/bookings", tourist, page("bookings"))
	app.GET("/bookings/*rest", tourist, page("bookings"))
	app.GET("/favorites", tourist, page("favorites"))
	app.GET("/favorites/*rest", tourist, page("favorites"))
}

// page answers with the page name and the caller's auth state. The
// frontend renders the page itself.
func page(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"page": name}
		if sess := session.FromContext(c); sess != nil {
			body["state"] = sess.Snapshot()
		}
		c.JSON(http.StatusOK, body)
	}
}

func securityHeaders(hsts bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		if hsts {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
