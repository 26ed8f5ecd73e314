// Package obsmetrics exposes the engine's counters to Prometheus, adapted
// from the teacher's internal/metrics/metrics.go: the HTTP request
// counters/histogram and gin middleware are kept verbatim in spirit, the
// RAG/websocket/db/task-queue families (which belonged to the teacher's own
// domain) are dropped, and dispatch-outcome plus queue-depth gauges are
// added for this engine's actual long-running loops.
package obsmetrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	dispatchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_requests_total",
			Help: "Total number of dispatched LLM requests",
		},
		[]string{"provider", "model", "status"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "Upstream LLM invocation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	dispatchTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tokens_total",
			Help: "Total number of tokens consumed per provider",
		},
		[]string{"provider", "model", "type"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of items currently queued for dispatch",
		},
	)

	failoverTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_transitions_total",
			Help: "Total number of provider failover transitions",
		},
		[]string{"from", "to"},
	)

	currentProviderInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "current_provider_info",
			Help: "1 for the provider currently serving dispatch, 0 otherwise",
		},
		[]string{"provider"},
	)
)

// Middleware is the gin HTTP instrumentation hook.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration.Seconds())
	}
}

// RecordDispatch records one terminal dispatch outcome.
func RecordDispatch(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	dispatchRequestsTotal.WithLabelValues(provider, model, status).Inc()
	dispatchDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if promptTokens > 0 {
		dispatchTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		dispatchTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// SetQueueDepth reports the queue's current backlog length.
func SetQueueDepth(n int64) {
	queueDepth.Set(float64(n))
}

// RecordFailoverTransition records a provider change and updates the
// current-provider gauge set, consumed as the failover Manager's
// onTransition callback.
func RecordFailoverTransition(from, to string, providers []string) {
	if from != "" && from != to {
		failoverTransitionsTotal.WithLabelValues(from, to).Inc()
	}
	for _, p := range providers {
		if p == to {
			currentProviderInfo.WithLabelValues(p).Set(1)
		} else {
			currentProviderInfo.WithLabelValues(p).Set(0)
		}
	}
}
