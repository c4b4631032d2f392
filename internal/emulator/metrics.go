package emulator

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	emuRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aim_emulator_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	emuRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aim_emulator_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	emuVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aim_emulator_verifications_total",
		Help: "Total verification decisions by status.",
	}, []string{"status"})

	emuTokenRotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aim_emulator_token_rotations_total",
		Help: "Total refresh-token operations by kind.",
	}, []string{"kind"})

	emuAuditEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aim_emulator_audit_entries_total",
		Help: "Total audit log entries appended.",
	})

	emuAgentsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aim_emulator_agents_total",
		Help: "Registered agents by status.",
	}, []string{"status"})
)

// prometheusMiddleware returns a Gin middleware that records per-request
// metrics.
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		emuRequestsTotal.WithLabelValues(method, path, status).Inc()
		emuRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// metricsHandler returns a Gin handler that serves Prometheus metrics.
func metricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func recordDecision(status string) {
	emuVerificationsTotal.WithLabelValues(status).Inc()
}

func recordTokenOp(kind string) {
	emuTokenRotationsTotal.WithLabelValues(kind).Inc()
}

func recordAuditAppend() {
	emuAuditEntriesTotal.Inc()
}

func setAgentsGauge(status string, count float64) {
	emuAgentsTotal.WithLabelValues(status).Set(count)
}
