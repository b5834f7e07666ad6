package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/engine"
	"github.com/relaypoint/relaypoint/internal/metrics"
	"github.com/relaypoint/relaypoint/internal/observability"
)

// tokenRefreshSkew refreshes OAuth tokens this long before they expire.
const tokenRefreshSkew = 5 * time.Minute

// RESTAdapter talks to a bridge service that exposes one platform through a
// normalized JSON API.
type RESTAdapter struct {
	Base
	BaseURL string
	Client  *http.Client
	Logger  observability.Logger
	Clock   func() time.Time
}

var _ Adapter = (*RESTAdapter)(nil)

// NewRESTAdapter builds an adapter for the bridge at baseURL.
func NewRESTAdapter(retrier *engine.Retrier, baseURL string, timeout time.Duration, logger observability.Logger) (*RESTAdapter, error) {
	if retrier == nil || retrier.Limiter == nil {
		return nil, errors.New("retrier is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid bridge url for %s: %q", retrier.Platform(), baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTAdapter{
		Base:    NewBase(retrier),
		BaseURL: strings.TrimRight(parsed.String(), "/"),
		Client:  &http.Client{Timeout: timeout},
		Logger:  logger,
	}, nil
}

type messagesResponse struct {
	Messages []Message `json:"messages"`
}

type conversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// FetchMessages lists messages newer than opts.Since.
func (a *RESTAdapter) FetchMessages(ctx context.Context, account Account, opts FetchOptions) ([]Message, error) {
	if err := validateAccount(account); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	query := url.Values{}
	if opts.ConversationID != "" {
		query.Set("conversation_id", opts.ConversationID)
	}
	if !opts.Since.IsZero() {
		query.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}

	path := "/accounts/" + url.PathEscape(account.ID) + "/messages"
	return Do(ctx, a.Base, account.ID, core.ActionFetch, "messages.list", func(ctx context.Context) ([]Message, error) {
		var out messagesResponse
		if err := a.call(ctx, account, core.ActionFetch, http.MethodGet, path, query, nil, &out); err != nil {
			return nil, err
		}
		return out.Messages, nil
	})
}

// SendMessage posts msg and returns the stored message.
func (a *RESTAdapter) SendMessage(ctx context.Context, account Account, msg OutgoingMessage) (*Message, error) {
	if err := validateAccount(account); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	path := "/accounts/" + url.PathEscape(account.ID) + "/messages"
	return Do(ctx, a.Base, account.ID, core.ActionSend, "messages.send", func(ctx context.Context) (*Message, error) {
		var out Message
		if err := a.call(ctx, account, core.ActionSend, http.MethodPost, path, nil, msg, &out); err != nil {
			return nil, err
		}
		out.Outgoing = true
		return &out, nil
	})
}

// MarkAsRead acknowledges a message.
func (a *RESTAdapter) MarkAsRead(ctx context.Context, account Account, conversationID, messageID string) error {
	if err := validateAccount(account); err != nil {
		return err
	}
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(messageID) == "" {
		return invalid("conversation and message ids are required")
	}

	path := fmt.Sprintf("/accounts/%s/conversations/%s/messages/%s/read",
		url.PathEscape(account.ID), url.PathEscape(conversationID), url.PathEscape(messageID))
	_, err := Do(ctx, a.Base, account.ID, core.ActionFetch, "messages.read", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.call(ctx, account, core.ActionFetch, http.MethodPost, path, nil, nil, nil)
	})
	return err
}

// GetConversations lists the account's conversations.
func (a *RESTAdapter) GetConversations(ctx context.Context, account Account) ([]Conversation, error) {
	if err := validateAccount(account); err != nil {
		return nil, err
	}

	path := "/accounts/" + url.PathEscape(account.ID) + "/conversations"
	return Do(ctx, a.Base, account.ID, core.ActionFetch, "conversations.list", func(ctx context.Context) ([]Conversation, error) {
		var out conversationsResponse
		if err := a.call(ctx, account, core.ActionFetch, http.MethodGet, path, nil, nil, &out); err != nil {
			return nil, err
		}
		return out.Conversations, nil
	})
}

// GetAccessToken returns a usable token, refreshing an expiring OAuth token
// first.
func (a *RESTAdapter) GetAccessToken(ctx context.Context, account Account) (string, error) {
	switch auth := account.Auth.(type) {
	case *OAuthToken:
		if _, err := a.RefreshTokenIfNeeded(ctx, account); err != nil {
			return "", err
		}
		access, _, _ := auth.Snapshot()
		return access, nil
	case BotToken:
		return string(auth), nil
	case nil:
		return "", invalid("account credentials are required")
	default:
		return "", invalid("%s accounts use session cookies, not access tokens", a.Platform())
	}
}

// RefreshTokenIfNeeded refreshes an OAuth token that expires within the
// refresh skew. Other credential types never need refreshing.
func (a *RESTAdapter) RefreshTokenIfNeeded(ctx context.Context, account Account) (bool, error) {
	auth, ok := account.Auth.(*OAuthToken)
	if !ok {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	_, refresh, expiresAt := auth.Snapshot()
	if expiresAt.IsZero() || expiresAt.Sub(a.now()) > tokenRefreshSkew {
		return false, nil
	}
	if strings.TrimSpace(refresh) == "" {
		return false, fmt.Errorf("%s token for %s expired and has no refresh token", a.Platform(), account.ID)
	}

	body, err := json.Marshal(map[string]string{"account_id": account.ID, "refresh_token": refresh})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/oauth/refresh", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client().Do(req)
	if err != nil {
		return false, engine.NewPlatformAPIError(a.Platform(), err, engine.IsRetryableError(err))
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := statusError(resp, a.now())
		return false, engine.NewPlatformAPIError(a.Platform(), serr, engine.IsRetryableError(serr))
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, engine.NewPlatformAPIError(a.Platform(), &engine.MalformedResponseError{Endpoint: "token refresh", Err: err}, false)
	}
	if out.AccessToken == "" {
		return false, engine.NewPlatformAPIError(a.Platform(), errors.New("token refresh returned no access token"), false)
	}

	var newExpiry time.Time
	if out.ExpiresIn > 0 {
		newExpiry = a.now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	auth.Update(out.AccessToken, out.RefreshToken, newExpiry)

	a.logger().Info("Refreshed access token",
		zap.String("platform", string(a.Platform())),
		zap.String("account_id", account.ID))
	return true, nil
}

// call performs one request against the bridge. A 429 whose Retry-After
// outlasts the backoff cap pauses the key and surfaces as a
// *engine.RateLimitError; shorter ones are left to the retrier.
func (a *RESTAdapter) call(ctx context.Context, account Account, action core.ActionType, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	target := a.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := a.authorize(req, account); err != nil {
		return err
	}

	resp, err := a.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := statusError(resp, a.now())
		if serr.StatusCode == http.StatusTooManyRequests && serr.RetryAfter > a.backoffCap() {
			return a.upstreamThrottled(ctx, account.ID, action, serr.RetryAfter)
		}
		return serr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &engine.MalformedResponseError{Endpoint: path, Err: err}
	}
	return nil
}

func (a *RESTAdapter) upstreamThrottled(ctx context.Context, accountID string, action core.ActionType, wait time.Duration) error {
	if err := a.PauseAccount(ctx, accountID, action, wait); err != nil {
		a.logger().Warn("Failed to pause account after upstream 429",
			zap.String("platform", string(a.Platform())),
			zap.String("account_id", accountID),
			zap.Error(err))
	}
	metrics.RecordPlatformError(string(a.Platform()), false)
	return &engine.RateLimitError{
		Platform:   a.Platform(),
		AccountID:  accountID,
		Action:     action,
		RetryAfter: wait,
		Reason:     "upstream rate limit",
	}
}

func (a *RESTAdapter) authorize(req *http.Request, account Account) error {
	switch auth := account.Auth.(type) {
	case *OAuthToken:
		access, _, _ := auth.Snapshot()
		req.Header.Set("Authorization", "Bearer "+access)
	case BotToken:
		req.Header.Set("Authorization", "Bot "+string(auth))
	case SessionCookies:
		for name, value := range auth {
			req.AddCookie(&http.Cookie{Name: name, Value: value})
		}
	default:
		return invalid("account credentials are required")
	}
	return nil
}

func (a *RESTAdapter) backoffCap() time.Duration {
	return a.Limiter().BackoffCap()
}

func (a *RESTAdapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (a *RESTAdapter) logger() observability.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return observability.NopLogger()
}

func (a *RESTAdapter) now() time.Time {
	if a.Clock != nil {
		return a.Clock()
	}
	return time.Now().UTC()
}
