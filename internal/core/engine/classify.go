package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

// IsRetryableError decides whether a failed attempt is worth repeating.
// Network resets, timeouts, DNS failures and HTTP 5xx/429/408 are retryable;
// everything else (other 4xx, auth, malformed payloads) is fatal.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return false
	}

	var apiErr *PlatformAPIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}

	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return false
	}

	var coder httpStatuser
	if errors.As(err, &coder) {
		return IsRetryableStatus(coder.HTTPStatus())
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsRetryableStatus reports whether an HTTP status is transient.
func IsRetryableStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusRequestTimeout:
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}
