// Package platform defines the adapter contract every messaging integration
// implements, plus the shared plumbing that routes their calls through the
// rate limiter.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/relaypoint/relaypoint/internal/core"
)

// Adapter is implemented once per platform.
type Adapter interface {
	Platform() core.Platform
	FetchMessages(ctx context.Context, account Account, opts FetchOptions) ([]Message, error)
	SendMessage(ctx context.Context, account Account, msg OutgoingMessage) (*Message, error)
	MarkAsRead(ctx context.Context, account Account, conversationID, messageID string) error
	GetConversations(ctx context.Context, account Account) ([]Conversation, error)
	GetAccessToken(ctx context.Context, account Account) (string, error)
	RefreshTokenIfNeeded(ctx context.Context, account Account) (bool, error)
}

// Account is one connected account on a platform.
type Account struct {
	ID   string   `json:"id" validate:"required"`
	Auth AuthData `json:"-" validate:"-"`
}

// AuthData is the credential payload for an account. The concrete types are
// OAuthToken, SessionCookies and BotToken.
type AuthData interface {
	authKind() string
}

// OAuthToken is a bearer token with an optional refresh token. Refreshing
// updates the value in place, so accounts hold a pointer.
type OAuthToken struct {
	mu           sync.Mutex
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (*OAuthToken) authKind() string { return "oauth" }

// Snapshot returns the current token values.
func (t *OAuthToken) Snapshot() (access, refresh string, expiresAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.AccessToken, t.RefreshToken, t.ExpiresAt
}

// Update replaces the token values.
func (t *OAuthToken) Update(access, refresh string, expiresAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AccessToken = access
	if refresh != "" {
		t.RefreshToken = refresh
	}
	t.ExpiresAt = expiresAt
}

// SessionCookies authenticates scraping bridges with a browser session.
type SessionCookies map[string]string

func (SessionCookies) authKind() string { return "cookies" }

// BotToken authenticates bot accounts.
type BotToken string

func (BotToken) authKind() string { return "bot" }

// AuthKind names the credential type, or "none".
func AuthKind(auth AuthData) string {
	if auth == nil {
		return "none"
	}
	return auth.authKind()
}

// Message is a normalized message from any platform.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id,omitempty"`
	SenderName     string    `json:"sender_name,omitempty"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sent_at"`
	Outgoing       bool      `json:"outgoing,omitempty"`
	Read           bool      `json:"read,omitempty"`
}

// Conversation is a thread or chat.
type Conversation struct {
	ID            string    `json:"id"`
	Title         string    `json:"title,omitempty"`
	Participants  []string  `json:"participants,omitempty"`
	UnreadCount   int       `json:"unread_count"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
}

// OutgoingMessage is a message to send.
type OutgoingMessage struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	Text           string `json:"text" validate:"required,max=4096"`
	ReplyTo        string `json:"reply_to,omitempty"`
}

// FetchOptions narrows a fetch.
type FetchOptions struct {
	ConversationID string    `json:"conversation_id,omitempty"`
	Since          time.Time `json:"since,omitempty"`
	Limit          int       `json:"limit,omitempty" validate:"gte=0,lte=500"`
}

var validate = validator.New()

// ErrInvalidRequest marks caller mistakes such as bad input or missing
// credentials. The HTTP layer maps it to 400.
var ErrInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Validate checks the message against its struct tags.
func (m OutgoingMessage) Validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return invalid("text is required")
	}
	return validationError(validate.Struct(m))
}

// Validate checks the options against their struct tags.
func (o FetchOptions) Validate() error {
	return validationError(validate.Struct(o))
}

func validateAccount(account Account) error {
	if err := validationError(validate.Struct(account)); err != nil {
		return err
	}
	if account.Auth == nil {
		return invalid("account credentials are required")
	}
	return nil
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return invalid("%s", strings.Join(parts, "; "))
}
