package platform

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaypoint/relaypoint/internal/core/engine"
)

const maxErrorBody = 4 << 10

// retryAfterHeader parses Retry-After as seconds or an HTTP date.
func retryAfterHeader(resp *http.Response, now time.Time) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}

	retry := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if retry == "" {
		return 0
	}

	if seconds, err := strconv.ParseFloat(retry, 64); err == nil && seconds > 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	if parsed, err := http.ParseTime(retry); err == nil {
		if wait := parsed.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}

// statusError builds an *engine.StatusError from a non-2xx response.
func statusError(resp *http.Response, now time.Time) *engine.StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &engine.StatusError{
		StatusCode: resp.StatusCode,
		Message:    message,
		RetryAfter: retryAfterHeader(resp, now),
	}
}
