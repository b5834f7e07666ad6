package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"go.uber.org/zap"

	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/engine"
	"github.com/relaypoint/relaypoint/internal/metrics"
	"github.com/relaypoint/relaypoint/internal/observability"
)

// TelegramAPI is the part of *gotgbot.Bot the adapter uses.
type TelegramAPI interface {
	GetUpdatesWithContext(ctx context.Context, opts *gotgbot.GetUpdatesOpts) ([]gotgbot.Update, error)
	SendMessageWithContext(ctx context.Context, chatID int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error)
}

// TelegramAdapter serves bot accounts over the Bot API. Bots have no read
// receipts, so MarkAsRead confirms updates up to the given message and
// later fetches no longer return them.
type TelegramAdapter struct {
	Base
	Logger observability.Logger
	// NewClient builds an API client for a bot token.
	NewClient func(token string) (TelegramAPI, error)

	mu      sync.Mutex
	clients map[string]TelegramAPI
	offsets map[string]int64
	// updates maps account -> "chat:message" -> update id.
	updates map[string]map[string]int64
}

var _ Adapter = (*TelegramAdapter)(nil)

// NewTelegramAdapter builds an adapter that talks to apiURL.
func NewTelegramAdapter(retrier *engine.Retrier, apiURL string, timeout time.Duration, logger observability.Logger) (*TelegramAdapter, error) {
	if retrier == nil || retrier.Limiter == nil {
		return nil, errors.New("retrier is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if apiURL == "" {
		apiURL = gotgbot.DefaultAPIURL
	}

	return &TelegramAdapter{
		Base:   NewBase(retrier),
		Logger: logger,
		NewClient: func(token string) (TelegramAPI, error) {
			bot, err := gotgbot.NewBot(token, &gotgbot.BotOpts{
				DisableTokenCheck: true,
				BotClient: &gotgbot.BaseBotClient{
					Client: http.Client{Timeout: timeout},
					DefaultRequestOpts: &gotgbot.RequestOpts{
						Timeout: timeout,
						APIURL:  apiURL,
					},
				},
			})
			if err != nil {
				return nil, err
			}
			return bot, nil
		},
	}, nil
}

// FetchMessages returns unconfirmed text messages, oldest first.
func (t *TelegramAdapter) FetchMessages(ctx context.Context, account Account, opts FetchOptions) ([]Message, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	updates, err := t.pendingUpdates(ctx, account, opts.Limit, "getUpdates")
	if err != nil {
		return nil, err
	}

	messages := []Message{}
	for _, update := range updates {
		if update.Message == nil {
			continue
		}
		msg := telegramMessage(update.Message)
		if opts.ConversationID != "" && msg.ConversationID != opts.ConversationID {
			continue
		}
		if !opts.Since.IsZero() && msg.SentAt.Before(opts.Since) {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// SendMessage sends a text message to a chat.
func (t *TelegramAdapter) SendMessage(ctx context.Context, account Account, msg OutgoingMessage) (*Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	client, err := t.client(account)
	if err != nil {
		return nil, err
	}
	chatID, err := strconv.ParseInt(msg.ConversationID, 10, 64)
	if err != nil {
		return nil, invalid("telegram conversation id must be numeric: %q", msg.ConversationID)
	}

	var sendOpts *gotgbot.SendMessageOpts
	if msg.ReplyTo != "" {
		replyTo, err := strconv.ParseInt(msg.ReplyTo, 10, 64)
		if err != nil {
			return nil, invalid("telegram reply id must be numeric: %q", msg.ReplyTo)
		}
		sendOpts = &gotgbot.SendMessageOpts{ReplyParameters: &gotgbot.ReplyParameters{MessageId: replyTo}}
	}

	return Do(ctx, t.Base, account.ID, core.ActionSend, "sendMessage", func(ctx context.Context) (*Message, error) {
		sent, err := client.SendMessageWithContext(ctx, chatID, msg.Text, sendOpts)
		if err != nil {
			return nil, t.mapError(ctx, account.ID, core.ActionSend, err)
		}
		out := telegramMessage(sent)
		out.Outgoing = true
		return &out, nil
	})
}

// MarkAsRead confirms every update up to and including the one carrying
// messageID.
func (t *TelegramAdapter) MarkAsRead(ctx context.Context, account Account, conversationID, messageID string) error {
	if _, err := t.client(account); err != nil {
		return err
	}

	t.mu.Lock()
	updateID, ok := t.updates[account.ID][conversationID+":"+messageID]
	if ok && updateID+1 > t.offsets[account.ID] {
		t.offsets[account.ID] = updateID + 1
		for key, id := range t.updates[account.ID] {
			if id <= updateID {
				delete(t.updates[account.ID], key)
			}
		}
	}
	t.mu.Unlock()

	if !ok {
		return invalid("message %s in chat %s has not been fetched", messageID, conversationID)
	}
	return nil
}

// GetConversations groups unconfirmed messages by chat.
func (t *TelegramAdapter) GetConversations(ctx context.Context, account Account) ([]Conversation, error) {
	updates, err := t.pendingUpdates(ctx, account, 0, "getUpdates")
	if err != nil {
		return nil, err
	}

	byChat := map[string]*Conversation{}
	for _, update := range updates {
		if update.Message == nil {
			continue
		}
		msg := update.Message
		id := strconv.FormatInt(msg.Chat.Id, 10)
		conv, ok := byChat[id]
		if !ok {
			conv = &Conversation{ID: id, Title: chatTitle(msg.Chat)}
			byChat[id] = conv
		}
		conv.UnreadCount++
		if sent := time.Unix(msg.Date, 0).UTC(); sent.After(conv.LastMessageAt) {
			conv.LastMessageAt = sent
		}
		if msg.From != nil {
			name := senderName(msg.From)
			if !slices.Contains(conv.Participants, name) {
				conv.Participants = append(conv.Participants, name)
			}
		}
	}

	conversations := make([]Conversation, 0, len(byChat))
	for _, conv := range byChat {
		conversations = append(conversations, *conv)
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].LastMessageAt.After(conversations[j].LastMessageAt)
	})
	return conversations, nil
}

// GetAccessToken returns the bot token.
func (t *TelegramAdapter) GetAccessToken(ctx context.Context, account Account) (string, error) {
	token, ok := account.Auth.(BotToken)
	if !ok || strings.TrimSpace(string(token)) == "" {
		return "", invalid("telegram accounts require a bot token")
	}
	return string(token), nil
}

// RefreshTokenIfNeeded is a no-op; bot tokens do not expire.
func (t *TelegramAdapter) RefreshTokenIfNeeded(ctx context.Context, account Account) (bool, error) {
	_, err := t.GetAccessToken(ctx, account)
	return false, err
}

func (t *TelegramAdapter) pendingUpdates(ctx context.Context, account Account, limit int, endpoint string) ([]gotgbot.Update, error) {
	client, err := t.client(account)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	offset := t.offsets[account.ID]
	t.mu.Unlock()

	updates, err := Do(ctx, t.Base, account.ID, core.ActionFetch, endpoint, func(ctx context.Context) ([]gotgbot.Update, error) {
		updates, err := client.GetUpdatesWithContext(ctx, &gotgbot.GetUpdatesOpts{
			Offset:         offset,
			Limit:          int64(limit),
			AllowedUpdates: []string{"message"},
		})
		if err != nil {
			return nil, t.mapError(ctx, account.ID, core.ActionFetch, err)
		}
		return updates, nil
	})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	seen := t.updates[account.ID]
	for _, update := range updates {
		if update.Message == nil {
			continue
		}
		key := strconv.FormatInt(update.Message.Chat.Id, 10) + ":" + strconv.FormatInt(update.Message.MessageId, 10)
		seen[key] = update.UpdateId
	}
	t.mu.Unlock()
	return updates, nil
}

// client returns the cached API client for the account's bot token.
func (t *TelegramAdapter) client(account Account) (TelegramAPI, error) {
	if err := validateAccount(account); err != nil {
		return nil, err
	}
	token, ok := account.Auth.(BotToken)
	if !ok || strings.TrimSpace(string(token)) == "" {
		return nil, invalid("telegram accounts require a bot token")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clients == nil {
		t.clients = make(map[string]TelegramAPI)
		t.offsets = make(map[string]int64)
		t.updates = make(map[string]map[string]int64)
	}
	if t.updates[account.ID] == nil {
		t.updates[account.ID] = make(map[string]int64)
	}
	if client, ok := t.clients[string(token)]; ok {
		return client, nil
	}
	if t.NewClient == nil {
		return nil, errors.New("telegram client factory is not configured")
	}
	client, err := t.NewClient(string(token))
	if err != nil {
		return nil, fmt.Errorf("create telegram client: %w", err)
	}
	t.clients[string(token)] = client
	return client, nil
}

// mapError converts Bot API failures into status errors the retrier can
// classify. Long flood waits pause the key instead.
func (t *TelegramAdapter) mapError(ctx context.Context, accountID string, action core.ActionType, err error) error {
	var tgErr *gotgbot.TelegramError
	if !errors.As(err, &tgErr) {
		return err
	}

	var retryAfter time.Duration
	if tgErr.ResponseParams != nil && tgErr.ResponseParams.RetryAfter > 0 {
		retryAfter = time.Duration(tgErr.ResponseParams.RetryAfter) * time.Second
	}

	if tgErr.Code == http.StatusTooManyRequests && retryAfter > t.Limiter().BackoffCap() {
		if pauseErr := t.PauseAccount(ctx, accountID, action, retryAfter); pauseErr != nil {
			t.logger().Warn("Failed to pause bot after flood wait",
				zap.String("account_id", accountID),
				zap.Error(pauseErr))
		}
		metrics.RecordPlatformError(string(core.PlatformTelegram), false)
		return &engine.RateLimitError{
			Platform:   core.PlatformTelegram,
			AccountID:  accountID,
			Action:     action,
			RetryAfter: retryAfter,
			Reason:     "flood wait",
		}
	}

	return &engine.StatusError{
		StatusCode: tgErr.Code,
		Message:    tgErr.Description,
		RetryAfter: retryAfter,
	}
}

func (t *TelegramAdapter) logger() observability.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return observability.NopLogger()
}

func telegramMessage(msg *gotgbot.Message) Message {
	out := Message{
		ID:             strconv.FormatInt(msg.MessageId, 10),
		ConversationID: strconv.FormatInt(msg.Chat.Id, 10),
		Text:           msg.Text,
		SentAt:         time.Unix(msg.Date, 0).UTC(),
	}
	if msg.From != nil {
		out.SenderID = strconv.FormatInt(msg.From.Id, 10)
		out.SenderName = senderName(msg.From)
	}
	return out
}

func senderName(user *gotgbot.User) string {
	if user.Username != "" {
		return user.Username
	}
	return strings.TrimSpace(user.FirstName + " " + user.LastName)
}

func chatTitle(chat gotgbot.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	if chat.Username != "" {
		return chat.Username
	}
	return strings.TrimSpace(chat.FirstName + " " + chat.LastName)
}
