package aim

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Client-side Prometheus metrics. Embedding agents that already expose a
// /metrics endpoint pick these up from the default registry; standalone
// agents can mount MetricsHandler.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aim_sdk_requests_total",
		Help: "Control-plane requests issued by the SDK, by operation and status code.",
	}, []string{"operation", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aim_sdk_request_duration_seconds",
		Help:    "Latency of control-plane requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aim_sdk_verifications_total",
		Help: "Action verification outcomes seen by this agent.",
	}, []string{"outcome"})

	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aim_sdk_token_refreshes_total",
		Help: "OAuth token refresh attempts, by result.",
	}, []string{"result"})

	detectionEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aim_sdk_detection_events_total",
		Help: "Detection events reported to the control plane.",
	})
)

// MetricsHandler returns an http.Handler serving the SDK's Prometheus
// metrics alongside anything else registered on the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func recordRequest(operation string, status string, seconds float64) {
	requestsTotal.WithLabelValues(operation, status).Inc()
	requestDuration.WithLabelValues(operation).Observe(seconds)
}

func recordVerification(outcome string) {
	verificationsTotal.WithLabelValues(outcome).Inc()
}

func recordTokenRefresh(result string) {
	tokenRefreshesTotal.WithLabelValues(result).Inc()
}

func recordDetectionEvents(n int) {
	detectionEventsTotal.Add(float64(n))
}
