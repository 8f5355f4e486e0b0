package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ashureev/chatrelay/internal/domain"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// botAPI is the subset of *tgbotapi.BotAPI used by the transport.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramTransport long-polls the Telegram Bot API.
type TelegramTransport struct {
	bot         botAPI
	submitter   Submitter
	allow       *AllowList
	limiter     *RateLimiter
	pollTimeout int
	logger      *slog.Logger
}

// TelegramConfig configures a TelegramTransport.
type TelegramConfig struct {
	Token       string
	PollTimeout int // seconds
}

// NewTelegramTransport authenticates with the Bot API and returns a transport
// that submits allow-listed messages to submitter.
func NewTelegramTransport(cfg TelegramConfig, submitter Submitter, allow *AllowList, limiter *RateLimiter, logger *slog.Logger) (*TelegramTransport, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Telegram bot authorized", "username", bot.Self.UserName)
	return newTelegramTransport(bot, cfg.PollTimeout, submitter, allow, limiter, logger), nil
}

func newTelegramTransport(bot botAPI, pollTimeout int, submitter Submitter, allow *AllowList, limiter *RateLimiter, logger *slog.Logger) *TelegramTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = NewRateLimiter(0)
	}
	return &TelegramTransport{
		bot:         bot,
		submitter:   submitter,
		allow:       allow,
		limiter:     limiter,
		pollTimeout: pollTimeout,
		logger:      logger,
	}
}

// Run receives updates until ctx is done.
func (t *TelegramTransport) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.pollTimeout
	updates := t.bot.GetUpdatesChan(u)
	defer t.bot.StopReceivingUpdates()

	t.logger.Info("Telegram transport started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Telegram transport shutting down", "reason", ctx.Err())
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *TelegramTransport) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || msg.Text == "" {
		return
	}
	chatID := msg.Chat.ID
	if !t.allow.AllowsID(chatID) {
		t.logger.Debug("Ignoring message from chat outside the allow-list", "chat_id", chatID)
		return
	}

	in := domain.Inbound{
		ChatID:    strconv.FormatInt(chatID, 10),
		MessageID: msg.MessageID,
		Text:      msg.Text,
	}
	if msg.IsCommand() {
		in.Command = domain.ParseCommand(msg.Command())
		if in.Command == domain.CommandNone {
			t.logger.Debug("Ignoring unknown command", "chat_id", chatID, "command", msg.Command())
			return
		}
	} else if !t.limiter.Allow(in.ChatID) {
		t.logger.Warn("Rate limit exceeded, dropping message", "chat_id", chatID)
		return
	}

	if err := t.submitter.Submit(ctx, in, t); err != nil {
		t.logger.Warn("Failed to submit message", "chat_id", chatID, "error", err)
	}
}

// Send delivers msg as a reply to msg.ReplyTo when set.
func (t *TelegramTransport) Send(_ context.Context, msg domain.Outbound) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}
	out := tgbotapi.NewMessage(chatID, msg.Text)
	out.ReplyToMessageID = msg.ReplyTo
	if _, err := t.bot.Send(out); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
