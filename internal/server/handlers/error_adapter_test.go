package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/engine"
	apperrors "github.com/relaypoint/relaypoint/internal/errors"
)

func routedRequest(platform, account string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("platform", platform)
	rctx.URLParams.Add("account", account)
	req := httptest.NewRequest(http.MethodGet, "/v1/platforms/"+platform+"/accounts/"+account+"/limits", nil)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestRespondWithErrorKeepsRetryAfter(t *testing.T) {
	ResetHTTPErrorResponder()
	rec := httptest.NewRecorder()
	err := &engine.RateLimitError{Platform: core.PlatformDiscord, AccountID: "acc1", Action: core.ActionSend, RetryAfter: 1500 * time.Millisecond}

	respondWithError(rec, routedRequest("discord", "acc1"), fmt.Errorf("send: %w", err))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("Retry-After"))
	body := decodeEnvelope(t, rec)
	require.Equal(t, "RATE_LIMITED", body.Error.Code)
	require.Equal(t, "send", body.Error.Details["action"])
}

func TestRespondWithErrorRecordsRoute(t *testing.T) {
	ResetHTTPErrorResponder()
	rec := httptest.NewRecorder()

	respondWithError(rec, routedRequest("junk", "acc7"), fmt.Errorf("%w: %q", core.ErrUnknownPlatform, "junk"))

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, rec.Header().Get("Retry-After"))
	body := decodeEnvelope(t, rec)
	require.Equal(t, "NOT_FOUND", body.Error.Code)
	require.Equal(t, "junk", body.Error.Details["platform"])
	require.Equal(t, "acc7", body.Error.Details["account_id"])
}

func TestRespondWithErrorUsesInjectedResponder(t *testing.T) {
	t.Cleanup(ResetHTTPErrorResponder)

	var got error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		got = err
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	respondWithError(rec, routedRequest("discord", "acc1"), &engine.PlatformAPIError{Platform: core.PlatformDiscord, Err: fmt.Errorf("boom")})

	require.Equal(t, http.StatusTeapot, rec.Code)
	envelope := apperrors.EnsureEnvelope(got)
	require.Equal(t, apperrors.CodePlatformAPI, envelope.Code)
	require.Equal(t, "acc1", envelope.Context["account_id"])
}
