package engine

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/relaypoint/relaypoint/internal/core"
)

// RateLimitError reports locally predicted throttling: the sliding window or
// daily cap is exhausted, or the key is paused. It is never retried.
type RateLimitError struct {
	Platform   core.Platform
	AccountID  string
	Action     core.ActionType
	RetryAfter time.Duration
	Reason     string
}

func (e *RateLimitError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "rate limit exceeded"
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s %s: %s (retry after %s)", e.Platform, e.Action, reason, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s %s: %s", e.Platform, e.Action, reason)
}

// HTTPStatus maps the error to 429 Too Many Requests.
func (e *RateLimitError) HTTPStatus() int {
	return http.StatusTooManyRequests
}

// PlatformAPIError is the terminal failure of a wrapped platform operation.
type PlatformAPIError struct {
	Platform   core.Platform
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *PlatformAPIError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Platform))
	b.WriteString(" api error")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PlatformAPIError) Unwrap() error {
	return e.Err
}

// NewPlatformAPIError wraps cause, lifting the HTTP status when the cause
// carries one.
func NewPlatformAPIError(platform core.Platform, cause error, retryable bool) *PlatformAPIError {
	return &PlatformAPIError{
		Platform:   platform,
		StatusCode: statusCodeOf(cause),
		Retryable:  retryable,
		Err:        cause,
	}
}

// StatusError is a non-2xx response from a platform endpoint.
type StatusError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus returns the upstream status code.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// MalformedResponseError marks a successful response whose body could not
// be decoded. It is never retried.
type MalformedResponseError struct {
	Endpoint string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed %s response: %v", e.Endpoint, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

type httpStatuser interface {
	HTTPStatus() int
}

func statusCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var apiErr *PlatformAPIError
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		return apiErr.StatusCode
	}
	var coder httpStatuser
	if errors.As(err, &coder) {
		return coder.HTTPStatus()
	}
	return 0
}

// Outcome tags the result of ExecuteWithRetry.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "failed"
	}
}

// Classify maps an error returned by ExecuteWithRetry onto its outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return OutcomeRateLimited
	}
	return OutcomeFailed
}
