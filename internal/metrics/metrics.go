// Package metrics provides Prometheus instrumentation for the RugDetector service.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rugdetector",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rugdetector",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PaymentVerificationsTotal counts payment verification attempts by result.
	// Results: demo, verified, already_used, verification_failed, malformed.
	PaymentVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rugdetector",
			Name:      "payment_verifications_total",
			Help:      "Total payment verification attempts by result.",
		},
		[]string{"result"},
	)

	// ReplayRejectionsTotal counts payment IDs rejected as already consumed.
	ReplayRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rugdetector",
		Name:      "replay_rejections_total",
		Help:      "Total payment IDs rejected by the replay cache.",
	})

	// RateLimitDenialsTotal counts rate limiter denials by class.
	RateLimitDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rugdetector",
			Name:      "rate_limit_denials_total",
			Help:      "Total requests denied by the rate limiter, by class.",
		},
		[]string{"class"},
	)

	// PipelineStageDuration observes per-stage latency of the analysis pipeline.
	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rugdetector",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Analysis pipeline stage duration in seconds.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	// PipelineStageFailuresTotal counts stage failures by stage name.
	PipelineStageFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rugdetector",
			Name:      "pipeline_stage_failures_total",
			Help:      "Total pipeline stage failures by stage.",
		},
		[]string{"stage"},
	)

	// AnalysesTotal counts completed analyses by risk category.
	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rugdetector",
			Name:      "analyses_total",
			Help:      "Total completed analyses by risk category.",
		},
		[]string{"category"},
	)

	// ProofsGeneratedTotal counts proof generation outcomes.
	ProofsGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rugdetector",
			Name:      "proofs_generated_total",
			Help:      "Total proof generation attempts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PaymentVerificationsTotal,
		ReplayRejectionsTotal,
		RateLimitDenialsTotal,
		PipelineStageDuration,
		PipelineStageFailuresTotal,
		AnalysesTotal,
		ProofsGeneratedTotal,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
