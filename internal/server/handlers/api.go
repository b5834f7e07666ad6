package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/relaypoint/relaypoint/internal/app"
	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/engine"
	"github.com/relaypoint/relaypoint/internal/core/store"
	apperrors "github.com/relaypoint/relaypoint/internal/errors"
	"github.com/relaypoint/relaypoint/internal/platform"
)

var validate = validator.New()

// API serves the /v1 routes on top of the shared runtime.
type API struct {
	App *app.App
}

// PlatformInfo describes one platform's effective policy.
type PlatformInfo struct {
	Platform          core.Platform `json:"platform"`
	RequestsPerWindow int           `json:"requests_per_window"`
	Window            string        `json:"window"`
	MinDelay          string        `json:"min_delay"`
	MaxDelay          string        `json:"max_delay"`
	DailyLimit        *int          `json:"daily_limit,omitempty"`
	AdapterRegistered bool          `json:"adapter_registered"`
}

// PauseRequest pauses one limiter key. A zero or negative duration clears
// the pause.
type PauseRequest struct {
	Action   string `json:"action" validate:"required,oneof=fetch send"`
	Duration string `json:"duration" validate:"required"`
}

// ResetResponse reports how many keys a reset removed.
type ResetResponse struct {
	Removed int64 `json:"removed"`
}

// ListPlatforms returns every known platform and its policy.
func (a *API) ListPlatforms(w http.ResponseWriter, r *http.Request) {
	platforms := a.App.KnownPlatforms()
	out := make([]PlatformInfo, 0, len(platforms))
	for _, p := range platforms {
		policy := a.App.Config.PolicyFor(p)
		_, registered := a.App.Registry.Get(p)
		out = append(out, PlatformInfo{
			Platform:          p,
			RequestsPerWindow: policy.RequestsPerWindow,
			Window:            policy.Window.String(),
			MinDelay:          policy.MinDelay.String(),
			MaxDelay:          policy.MaxDelay.String(),
			DailyLimit:        policy.DailyLimit,
			AdapterRegistered: registered,
		})
	}
	render.JSON(w, r, map[string]any{"platforms": out})
}

// GetLimits reports limiter status for an account. Without ?action= both
// actions are returned.
func (a *API) GetLimits(w http.ResponseWriter, r *http.Request) {
	limiter, accountID, ok := a.limiter(w, r)
	if !ok {
		return
	}

	actions := []core.ActionType{core.ActionFetch, core.ActionSend}
	if raw := r.URL.Query().Get("action"); raw != "" {
		action, err := parseAction(raw)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		actions = []core.ActionType{action}
	}

	statuses := make([]engine.Status, 0, len(actions))
	for _, action := range actions {
		status, err := limiter.Status(r.Context(), accountID, action)
		if err != nil {
			respondWithError(w, r, apperrors.WrapStoreError(r.Context(), err, "failed to read limiter state"))
			return
		}
		statuses = append(statuses, status)
	}
	render.JSON(w, r, map[string]any{"limits": statuses})
}

// PauseAccount pauses one action for an account.
func (a *API) PauseAccount(w http.ResponseWriter, r *http.Request) {
	limiter, accountID, ok := a.limiter(w, r)
	if !ok {
		return
	}

	var req PauseRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid JSON body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid pause request"))
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid duration"))
		return
	}

	action := core.ParseAction(req.Action)
	if err := limiter.PauseRequests(r.Context(), accountID, d, action); err != nil {
		respondWithError(w, r, apperrors.WrapStoreError(r.Context(), err, "failed to pause account"))
		return
	}

	status, err := limiter.Status(r.Context(), accountID, action)
	if err != nil {
		respondWithError(w, r, apperrors.WrapStoreError(r.Context(), err, "failed to read limiter state"))
		return
	}
	render.JSON(w, r, status)
}

// ResetLimits deletes every limiter key and error counter for an account.
func (a *API) ResetLimits(w http.ResponseWriter, r *http.Request) {
	p, accountID, ok := a.target(w, r)
	if !ok {
		return
	}
	removed, err := a.App.Backend.ResetLimiterStates(r.Context(), store.LimiterQuery{
		Platform:  string(p),
		AccountID: accountID,
	})
	if err != nil {
		respondWithError(w, r, apperrors.WrapStoreError(r.Context(), err, "failed to reset limiter state"))
		return
	}
	render.JSON(w, r, ResetResponse{Removed: removed})
}

// ListUsage returns the newest usage records.
func (a *API) ListUsage(w http.ResponseWriter, r *http.Request) {
	q := store.UsageQuery{
		Platform:  r.URL.Query().Get("platform"),
		AccountID: r.URL.Query().Get("account"),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "since must be RFC3339"))
			return
		}
		q.Since = since
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondWithError(w, r, apperrors.NewInvalidInputError("limit must be a non-negative integer"))
			return
		}
		q.Limit = limit
	}

	records, err := a.App.Backend.ListUsage(r.Context(), q)
	if err != nil {
		respondWithError(w, r, apperrors.WrapStoreError(r.Context(), err, "failed to list usage"))
		return
	}
	if records == nil {
		records = []core.UsageRecord{}
	}
	render.JSON(w, r, map[string]any{"usage": records})
}

// FetchMessages proxies a rate-limited fetch to the platform adapter.
func (a *API) FetchMessages(w http.ResponseWriter, r *http.Request) {
	adapter, account, ok := a.adapter(w, r)
	if !ok {
		return
	}

	opts := platform.FetchOptions{ConversationID: r.URL.Query().Get("conversation_id")}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "since must be RFC3339"))
			return
		}
		opts.Since = since
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "limit must be an integer"))
			return
		}
		opts.Limit = limit
	}

	messages, err := adapter.FetchMessages(r.Context(), account, opts)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if messages == nil {
		messages = []platform.Message{}
	}
	render.JSON(w, r, map[string]any{"messages": messages})
}

// SendMessage proxies a rate-limited send to the platform adapter.
func (a *API) SendMessage(w http.ResponseWriter, r *http.Request) {
	adapter, account, ok := a.adapter(w, r)
	if !ok {
		return
	}

	var msg platform.OutgoingMessage
	if err := render.DecodeJSON(r.Body, &msg); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid JSON body"))
		return
	}

	sent, err := adapter.SendMessage(r.Context(), account, msg)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, sent)
}

// GetConversations lists the account's conversations.
func (a *API) GetConversations(w http.ResponseWriter, r *http.Request) {
	adapter, account, ok := a.adapter(w, r)
	if !ok {
		return
	}

	conversations, err := adapter.GetConversations(r.Context(), account)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if conversations == nil {
		conversations = []platform.Conversation{}
	}
	render.JSON(w, r, map[string]any{"conversations": conversations})
}

// MarkAsRead acknowledges one message.
func (a *API) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	adapter, account, ok := a.adapter(w, r)
	if !ok {
		return
	}

	err := adapter.MarkAsRead(r.Context(), account, chi.URLParam(r, "conversation"), chi.URLParam(r, "message"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) target(w http.ResponseWriter, r *http.Request) (core.Platform, string, bool) {
	p := core.ParsePlatform(chi.URLParam(r, "platform"))
	accountID := strings.TrimSpace(chi.URLParam(r, "account"))
	if p == "" || accountID == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("platform and account are required"))
		return "", "", false
	}
	if !a.App.IsKnownPlatform(p) {
		respondWithError(w, r, fmt.Errorf("%w: %q", core.ErrUnknownPlatform, string(p)))
		return "", "", false
	}
	return p, accountID, true
}

func (a *API) limiter(w http.ResponseWriter, r *http.Request) (*engine.RateLimiter, string, bool) {
	p, accountID, ok := a.target(w, r)
	if !ok {
		return nil, "", false
	}
	limiter, err := a.App.Limiter(p)
	if err != nil {
		respondWithError(w, r, err)
		return nil, "", false
	}
	return limiter, accountID, true
}

func (a *API) adapter(w http.ResponseWriter, r *http.Request) (platform.Adapter, platform.Account, bool) {
	p, accountID, ok := a.target(w, r)
	if !ok {
		return nil, platform.Account{}, false
	}
	adapter, found := a.App.Registry.Get(p)
	if !found {
		respondWithError(w, r, apperrors.NewNotFoundError("no adapter is configured for "+string(p)))
		return nil, platform.Account{}, false
	}
	return adapter, platform.Account{ID: accountID, Auth: credentialsFromRequest(r)}, true
}

// credentialsFromRequest reads the caller's platform credentials: an
// "Authorization: Bearer" or "Authorization: Bot" header, or else the
// request cookies as a session.
func credentialsFromRequest(r *http.Request) platform.AuthData {
	scheme, value, _ := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	value = strings.TrimSpace(value)
	switch {
	case strings.EqualFold(scheme, "Bearer") && value != "":
		return &platform.OAuthToken{AccessToken: value}
	case strings.EqualFold(scheme, "Bot") && value != "":
		return platform.BotToken(value)
	}

	cookies := r.Cookies()
	if len(cookies) == 0 {
		return nil
	}
	session := make(platform.SessionCookies, len(cookies))
	for _, c := range cookies {
		session[c.Name] = c.Value
	}
	return session
}

func parseAction(raw string) (core.ActionType, error) {
	action := core.ParseAction(raw)
	if action != core.ActionFetch && action != core.ActionSend {
		return "", apperrors.NewInvalidInputError("action must be fetch or send")
	}
	return action, nil
}
