package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	errorsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Error responses by code and HTTP status.",
	}, []string{"error_code", "http_status"})

	panicsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "panics_total",
		Help:      "Recovered panics.",
	})

	errorsByEndpoint = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_by_endpoint",
		Help:      "Error responses by endpoint.",
	}, []string{"endpoint", "error_code"})

	platformErrorsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "platform_errors_total",
		Help:      "Failed platform attempts by retryability.",
	}, []string{"platform", "retryable"})
)

// RecordError records an error with code and status
func RecordError(errorCode string, httpStatus int) {
	errorsTotal.WithLabelValues(errorCode, strconv.Itoa(httpStatus)).Inc()
}

// RecordPanic records a panic recovery
func RecordPanic() {
	panicsTotal.Inc()
}

// RecordErrorByEndpoint records an error by endpoint
func RecordErrorByEndpoint(endpoint string, errorCode string) {
	errorsByEndpoint.WithLabelValues(endpoint, errorCode).Inc()
}

// RecordPlatformError records a failed platform attempt.
func RecordPlatformError(platform string, retryable bool) {
	platformErrorsTotal.WithLabelValues(platform, strconv.FormatBool(retryable)).Inc()
}
