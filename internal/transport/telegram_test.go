package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBot struct {
	updates chan tgbotapi.Update
	stopped chan struct{}

	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	sendErr error
}

func newFakeBot() *fakeBot {
	return &fakeBot{
		updates: make(chan tgbotapi.Update, 16),
		stopped: make(chan struct{}),
	}
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return b.updates
}

func (b *fakeBot) StopReceivingUpdates() { close(b.stopped) }

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return tgbotapi.Message{}, b.sendErr
	}
	if mc, ok := c.(tgbotapi.MessageConfig); ok {
		b.sent = append(b.sent, mc)
	}
	return tgbotapi.Message{}, nil
}

func textUpdate(chatID int64, messageID int, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: messageID,
		Chat:      &tgbotapi.Chat{ID: chatID},
		Text:      text,
	}}
}

func commandUpdate(chatID int64, command string) tgbotapi.Update {
	u := textUpdate(chatID, 1, command)
	u.Message.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(command)}}
	return u
}

func runTelegram(t *testing.T, bot *fakeBot, sub *recordingSubmitter, limiter *RateLimiter) *TelegramTransport {
	t.Helper()
	tr := newTelegramTransport(bot, 1, sub, NewAllowList(42), limiter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("telegram transport did not stop")
		}
	})
	return tr
}

func TestTelegram_SubmitsAllowListedMessages(t *testing.T) {
	bot := newFakeBot()
	sub := newRecordingSubmitter()
	tr := runTelegram(t, bot, sub, nil)

	bot.updates <- textUpdate(7, 1, "not allowed")
	bot.updates <- textUpdate(42, 9, "hello")

	in := sub.next(t)
	assert.Equal(t, domain.Inbound{ChatID: "42", MessageID: 9, Text: "hello"}, in)
	assert.Equal(t, 1, sub.count())
	assert.Same(t, tr, sub.senders[0])
}

func TestTelegram_ParsesCommands(t *testing.T) {
	bot := newFakeBot()
	sub := newRecordingSubmitter()
	runTelegram(t, bot, sub, nil)

	bot.updates <- commandUpdate(42, "/frobnicate")
	bot.updates <- commandUpdate(42, "/start@relay_bot")
	bot.updates <- commandUpdate(42, "/stop")

	assert.Equal(t, domain.CommandStart, sub.next(t).Command)
	assert.Equal(t, domain.CommandStop, sub.next(t).Command)
	assert.Equal(t, 2, sub.count(), "unknown commands are ignored")
}

func TestTelegram_RateLimitsMessagesNotCommands(t *testing.T) {
	bot := newFakeBot()
	sub := newRecordingSubmitter()
	runTelegram(t, bot, sub, NewRateLimiter(1))

	bot.updates <- textUpdate(42, 1, "one")
	bot.updates <- textUpdate(42, 2, "two")
	bot.updates <- commandUpdate(42, "/help")

	assert.Equal(t, "one", sub.next(t).Text)
	assert.Equal(t, domain.CommandHelp, sub.next(t).Command)
	assert.Equal(t, 2, sub.count())
}

func TestTelegram_SendRepliesToMessage(t *testing.T) {
	bot := newFakeBot()
	tr := newTelegramTransport(bot, 1, newRecordingSubmitter(), NewAllowList(42), nil, nil)

	require.NoError(t, tr.Send(context.Background(), domain.Outbound{ChatID: "42", Text: "hi", ReplyTo: 9}))
	require.Len(t, bot.sent, 1)
	assert.Equal(t, int64(42), bot.sent[0].ChatID)
	assert.Equal(t, "hi", bot.sent[0].Text)
	assert.Equal(t, 9, bot.sent[0].ReplyToMessageID)

	require.Error(t, tr.Send(context.Background(), domain.Outbound{ChatID: "ws:42", Text: "hi"}))

	bot.sendErr = errors.New("Forbidden: bot was kicked")
	require.Error(t, tr.Send(context.Background(), domain.Outbound{ChatID: "42", Text: "hi"}))
}

func TestTelegram_StopsReceivingOnShutdown(t *testing.T) {
	bot := newFakeBot()
	tr := newTelegramTransport(bot, 1, newRecordingSubmitter(), NewAllowList(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, tr.Run(ctx))

	select {
	case <-bot.stopped:
	default:
		t.Fatal("updates were not stopped")
	}
}
