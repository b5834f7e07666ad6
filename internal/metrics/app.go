package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relaypoint"

// Registry holds every relaypoint collector. It is served by /metrics.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Application-level metrics following Prometheus conventions
var (
	acquireTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "limiter_acquire_total",
		Help:      "Rate limiter slot acquisitions by result.",
	}, []string{"platform", "action", "result"})

	pauseTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "limiter_pause_total",
		Help:      "Explicit pauses applied to limiter keys.",
	}, []string{"platform", "action"})

	retryTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "platform_retry_total",
		Help:      "Retries scheduled after transient platform failures.",
	}, []string{"platform", "action"})

	callsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "platform_calls_total",
		Help:      "Wrapped platform operations by final outcome.",
	}, []string{"platform", "action", "outcome"})

	callDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "platform_call_duration_seconds",
		Help:      "Wall time of wrapped platform operations including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"platform", "action"})

	humanDelay = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "human_delay_seconds",
		Help:      "Randomized pacing delays applied before platform actions.",
		Buckets:   prometheus.LinearBuckets(0, 0.5, 16),
	}, []string{"platform"})

	serverStartTime = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_start_time_seconds",
		Help:      "Unix time the HTTP server started.",
	})

	healthCheckTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "health_check_total",
		Help:      "Health check executions by result.",
	}, []string{"check", "status"})

	httpRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served by route and status.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// RecordAcquire records a slot request against the limiter.
func RecordAcquire(platform, action string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	acquireTotal.WithLabelValues(platform, action, result).Inc()
}

// RecordPause records an explicit pause on a limiter key.
func RecordPause(platform, action string) {
	pauseTotal.WithLabelValues(platform, action).Inc()
}

// RecordRetry records a scheduled retry.
func RecordRetry(platform, action string) {
	retryTotal.WithLabelValues(platform, action).Inc()
}

// RecordCall records the final outcome of a wrapped platform operation.
func RecordCall(platform, action, outcome string, duration time.Duration) {
	callsTotal.WithLabelValues(platform, action, outcome).Inc()
	callDuration.WithLabelValues(platform, action).Observe(duration.Seconds())
}

// RecordHumanDelay records an applied pacing delay.
func RecordHumanDelay(platform string, delay time.Duration) {
	humanDelay.WithLabelValues(platform).Observe(delay.Seconds())
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	serverStartTime.Set(float64(timestamp))
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	healthCheckTotal.WithLabelValues(checkName, status).Inc()
}

// RecordHTTPRequest records one served request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
