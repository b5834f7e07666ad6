package platform

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/engine"
)

type fakeTelegram struct {
	mu        sync.Mutex
	updates   []gotgbot.Update
	offsets   []int64
	sent      []string
	sendErrs  []error
	replyTo   int64
	nextMsgID int64
}

func (f *fakeTelegram) GetUpdatesWithContext(ctx context.Context, opts *gotgbot.GetUpdatesOpts) ([]gotgbot.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, opts.Offset)

	out := []gotgbot.Update{}
	for _, update := range f.updates {
		if update.UpdateId >= opts.Offset {
			out = append(out, update)
		}
	}
	return out, nil
}

func (f *fakeTelegram) SendMessageWithContext(ctx context.Context, chatID int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return nil, err
	}
	if opts != nil && opts.ReplyParameters != nil {
		f.replyTo = opts.ReplyParameters.MessageId
	}
	f.sent = append(f.sent, text)
	f.nextMsgID++
	return &gotgbot.Message{
		MessageId: f.nextMsgID,
		Chat:      gotgbot.Chat{Id: chatID},
		Text:      text,
		Date:      1700000000,
	}, nil
}

func textUpdate(updateID, chatID, messageID int64, from, text string, date int64) gotgbot.Update {
	return gotgbot.Update{
		UpdateId: updateID,
		Message: &gotgbot.Message{
			MessageId: messageID,
			Chat:      gotgbot.Chat{Id: chatID, Title: "chat"},
			From:      &gotgbot.User{Id: 7, Username: from},
			Text:      text,
			Date:      date,
		},
	}
}

func newTestTelegram(t *testing.T, fake *fakeTelegram) (*TelegramAdapter, *sleepLog) {
	t.Helper()
	retrier, _, sleeper := newTestRetrier(core.PlatformTelegram, roomy)
	adapter, err := NewTelegramAdapter(retrier, "", time.Second, nil)
	require.NoError(t, err)

	created := 0
	adapter.NewClient = func(token string) (TelegramAPI, error) {
		created++
		require.Equal(t, 1, created, "client should be cached per token")
		return fake, nil
	}
	return adapter, sleeper
}

var botAccount = Account{ID: "bot1", Auth: BotToken("123:abc")}

func TestTelegramFetchAndMarkAsRead(t *testing.T) {
	ctx := context.Background()
	fake := &fakeTelegram{updates: []gotgbot.Update{
		textUpdate(10, 100, 1, "alice", "hi", 1700000000),
		textUpdate(11, 200, 1, "bob", "yo", 1700000100),
		textUpdate(12, 100, 2, "alice", "again", 1700000200),
	}}
	adapter, _ := newTestTelegram(t, fake)

	messages, err := adapter.FetchMessages(ctx, botAccount, FetchOptions{ConversationID: "100"})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "alice", messages[0].SenderName)
	require.Equal(t, "100", messages[0].ConversationID)

	require.NoError(t, adapter.MarkAsRead(ctx, botAccount, "200", "1"))
	require.Error(t, adapter.MarkAsRead(ctx, botAccount, "999", "1"))

	messages, err = adapter.FetchMessages(ctx, botAccount, FetchOptions{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "again", messages[0].Text)
	require.Equal(t, []int64{0, 12}, fake.offsets)
}

func TestTelegramConversations(t *testing.T) {
	fake := &fakeTelegram{updates: []gotgbot.Update{
		textUpdate(1, 100, 1, "alice", "a", 1700000000),
		textUpdate(2, 200, 1, "bob", "b", 1700000500),
		textUpdate(3, 100, 2, "carol", "c", 1700000100),
	}}
	adapter, _ := newTestTelegram(t, fake)

	conversations, err := adapter.GetConversations(context.Background(), botAccount)
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	require.Equal(t, "200", conversations[0].ID)
	require.Equal(t, 2, conversations[1].UnreadCount)
	require.Equal(t, []string{"alice", "carol"}, conversations[1].Participants)
}

func TestTelegramSendRetriesServerErrors(t *testing.T) {
	fake := &fakeTelegram{sendErrs: []error{
		&gotgbot.TelegramError{Method: "sendMessage", Code: http.StatusBadGateway, Description: "Bad Gateway"},
	}}
	adapter, sleeper := newTestTelegram(t, fake)

	sent, err := adapter.SendMessage(context.Background(), botAccount, OutgoingMessage{ConversationID: "100", Text: "hello", ReplyTo: "5"})
	require.NoError(t, err)
	require.True(t, sent.Outgoing)
	require.Equal(t, []string{"hello"}, fake.sent)
	require.Equal(t, int64(5), fake.replyTo)
	require.Contains(t, sleeper.all(), time.Second)
}

func TestTelegramFloodWaitPauses(t *testing.T) {
	fake := &fakeTelegram{sendErrs: []error{
		&gotgbot.TelegramError{
			Method:         "sendMessage",
			Code:           http.StatusTooManyRequests,
			Description:    "Too Many Requests: retry after 300",
			ResponseParams: &gotgbot.ResponseParameters{RetryAfter: 300},
		},
	}}
	adapter, _ := newTestTelegram(t, fake)

	_, err := adapter.SendMessage(context.Background(), botAccount, OutgoingMessage{ConversationID: "100", Text: "hello"})
	var rlErr *engine.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	require.Equal(t, 300*time.Second, rlErr.RetryAfter)

	wait, err := adapter.Limiter().WaitIfNeeded(context.Background(), botAccount.ID, core.ActionSend)
	require.NoError(t, err)
	require.Greater(t, wait, 299*time.Second)
}

func TestTelegramForbiddenFailsFast(t *testing.T) {
	fake := &fakeTelegram{sendErrs: []error{
		&gotgbot.TelegramError{Method: "sendMessage", Code: http.StatusForbidden, Description: "bot was blocked by the user"},
	}}
	adapter, sleeper := newTestTelegram(t, fake)

	_, err := adapter.SendMessage(context.Background(), botAccount, OutgoingMessage{ConversationID: "100", Text: "hello"})
	var apiErr *engine.PlatformAPIError
	require.ErrorAs(t, err, &apiErr)
	require.False(t, apiErr.Retryable)
	require.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	require.Empty(t, sleeper.all())
}

func TestTelegramRequiresBotToken(t *testing.T) {
	adapter, _ := newTestTelegram(t, &fakeTelegram{})
	account := Account{ID: "user", Auth: &OAuthToken{AccessToken: "x"}}

	_, err := adapter.FetchMessages(context.Background(), account, FetchOptions{})
	require.Error(t, err)
	_, err = adapter.GetAccessToken(context.Background(), account)
	require.Error(t, err)

	token, err := adapter.GetAccessToken(context.Background(), botAccount)
	require.NoError(t, err)
	require.Equal(t, "123:abc", token)
	refreshed, err := adapter.RefreshTokenIfNeeded(context.Background(), botAccount)
	require.NoError(t, err)
	require.False(t, refreshed)

	_, err = adapter.SendMessage(context.Background(), botAccount, OutgoingMessage{ConversationID: "general", Text: "hi"})
	require.Error(t, err)
}

func TestTelegramNetworkErrorPassesThrough(t *testing.T) {
	adapter, _ := newTestTelegram(t, &fakeTelegram{})
	err := errors.New("boom")
	require.Same(t, err, adapter.mapError(context.Background(), "bot1", core.ActionFetch, err))
}
