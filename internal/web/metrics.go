package web

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/guidegenie/guidegenie/internal/guard"
	"github.com/guidegenie/guidegenie/internal/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ggRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gg_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ggRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gg_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ggRPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gg_rpc_calls_total",
		Help: "Total RPC procedure calls by procedure and result code.",
	}, []string{"procedure", "code"})

	ggRPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gg_rpc_duration_seconds",
		Help:    "RPC procedure duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"procedure"})

	ggGuardDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gg_guard_decisions_total",
		Help: "Route guard decisions by guard and outcome.",
	}, []string{"guard", "decision"})

	ggSessionsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gg_sessions_tracked",
		Help: "Sessions currently held by the session manager.",
	})
)

// PrometheusMiddleware records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		ggRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		ggRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordRPC is an rpc.Observer.
func RecordRPC(procedure string, code rpc.Code, elapsed time.Duration) {
	ggRPCCallsTotal.WithLabelValues(procedure, string(code)).Inc()
	ggRPCDuration.WithLabelValues(procedure).Observe(elapsed.Seconds())
}

// RecordGuard observes guard decisions.
func RecordGuard(name string, d guard.Decision) {
	decision := "allow"
	if !d.Allow {
		decision = "redirect"
	}
	ggGuardDecisionsTotal.WithLabelValues(name, decision).Inc()
}

// RecordSessions sets the tracked sessions gauge.
func RecordSessions(n int) {
	ggSessionsTracked.Set(float64(n))
}
