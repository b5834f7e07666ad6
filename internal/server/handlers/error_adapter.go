package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/relaypoint/relaypoint/internal/errors"
)

var httpErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder allows the server package to inject the centralized error handler.
func SetHTTPErrorResponder(responder func(http.ResponseWriter, *http.Request, error)) {
	if responder == nil {
		httpErrorResponder = apperrors.RespondWithError
		return
	}
	httpErrorResponder = responder
}

// ResetHTTPErrorResponder restores the default responder (useful for tests).
func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

// respondWithError turns limiter and adapter failures into an envelope
// before handing it to the responder. The Retry-After hint is set here since
// it cannot be recovered from the envelope, and the platform and account
// from the route are recorded when the error did not name them.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	if retryAfter := apperrors.RetryAfter(err); retryAfter != "" {
		w.Header().Set("Retry-After", retryAfter)
	}

	envelope := apperrors.FromError(r.Context(), err)
	route := map[string]interface{}{}
	for key, value := range envelope.Context {
		route[key] = value
	}
	for key, param := range map[string]string{"platform": "platform", "account_id": "account"} {
		if _, ok := route[key]; ok {
			continue
		}
		if value := strings.TrimSpace(chi.URLParam(r, param)); value != "" {
			route[key] = value
		}
	}
	if len(route) > 0 {
		envelope, _ = envelope.WithContext(route)
	}
	httpErrorResponder(w, r, envelope)
}
