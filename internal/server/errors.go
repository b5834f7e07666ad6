package server

import (
	"net/http"

	apperrors "github.com/relaypoint/relaypoint/internal/errors"
)

// HandleError central handler for all errors
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

func rejectThrottled(w http.ResponseWriter, r *http.Request) {
	HandleError(w, r, apperrors.NewRateLimitedError("admin request rate exceeded"))
}

func rejectUnauthorized(w http.ResponseWriter, r *http.Request) {
	HandleError(w, r, apperrors.Wrap(r.Context(), apperrors.CodeUnauthorized, nil, "missing or invalid admin token"))
}
